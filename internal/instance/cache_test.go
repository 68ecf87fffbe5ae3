package instance

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"ragforge.dev/internal/provider"
)

type fakeResolver struct {
	mu      sync.Mutex
	configs map[string]*provider.Config // tenant+"/"+project
}

func (r *fakeResolver) Resolve(_ context.Context, tenantID, projectID string) (*provider.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cfg, ok := r.configs[tenantID+"/"+projectID]
	if !ok {
		return nil, provider.ErrNotFound
	}
	cp := *cfg
	return &cp, nil
}

func (r *fakeResolver) add(tenantID, projectID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.configs[tenantID+"/"+projectID] = &provider.Config{
		TenantID: tenantID, ProjectID: projectID, Provider: "openai", Model: "gpt-4o",
	}
}

type fakeResource struct {
	name      string
	finalized *atomic.Int64
	fail      bool
}

func (r *fakeResource) Name() string { return r.name }

func (r *fakeResource) Finalize(context.Context) error {
	r.finalized.Add(1)
	if r.fail {
		return errors.New("finalize boom")
	}
	return nil
}

type fakeHandle struct {
	project   string
	resources []Resource
}

func (h *fakeHandle) Resources() []Resource { return h.resources }

type harness struct {
	cache    *Cache
	resolver *fakeResolver
	builds   atomic.Int64
	finals   atomic.Int64
	clock    time.Time
	clockMu  sync.Mutex
}

func (h *harness) advance(d time.Duration) {
	h.clockMu.Lock()
	h.clock = h.clock.Add(d)
	h.clockMu.Unlock()
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{
		resolver: &fakeResolver{configs: make(map[string]*provider.Config)},
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	build := func(_ context.Context, cfg *provider.Config) (Handle, error) {
		h.builds.Add(1)
		return &fakeHandle{
			project: cfg.ProjectID,
			resources: []Resource{
				&fakeResource{name: "storage", finalized: &h.finals},
				&fakeResource{name: "pipeline", finalized: &h.finals},
			},
		}, nil
	}
	opts = append(opts, WithClock(func() time.Time {
		h.clockMu.Lock()
		defer h.clockMu.Unlock()
		return h.clock
	}))
	cache, err := New(h.resolver, build, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.cache = cache
	return h
}

func TestGetBuildsOnceAndCaches(t *testing.T) {
	h := newHarness(t)
	h.resolver.add("acme", "proj1")
	ctx := context.Background()

	first, err := h.cache.Get(ctx, "acme", "proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	second, err := h.cache.Get(ctx, "acme", "proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first != second {
		t.Fatal("repeated gets must return the same handle")
	}
	if n := h.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
}

func TestConcurrentGetsShareOneBuild(t *testing.T) {
	h := &harness{
		resolver: &fakeResolver{configs: make(map[string]*provider.Config)},
		clock:    time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.resolver.add("acme", "proj1")

	release := make(chan struct{})
	build := func(_ context.Context, cfg *provider.Config) (Handle, error) {
		h.builds.Add(1)
		<-release
		return &fakeHandle{project: cfg.ProjectID}, nil
	}
	cache, err := New(h.resolver, build)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.cache = cache

	const n = 16
	var wg sync.WaitGroup
	handles := make([]Handle, n)
	errs := make([]error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			handles[i], errs[i] = cache.Get(context.Background(), "acme", "proj1")
		}(i)
	}
	// Give the goroutines time to pile onto the flight, then release it.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < n; i++ {
		if errs[i] != nil {
			t.Fatalf("get %d: %v", i, errs[i])
		}
		if handles[i] != handles[0] {
			t.Fatalf("get %d returned a different handle", i)
		}
	}
	if got := h.builds.Load(); got != 1 {
		t.Fatalf("builds = %d, want 1", got)
	}
}

func TestLRUEvictsLeastRecentlyUsed(t *testing.T) {
	h := newHarness(t, WithMaxInstances(2))
	ctx := context.Background()
	for _, p := range []string{"p1", "p2", "p3"} {
		h.resolver.add("acme", p)
	}

	if _, err := h.cache.Get(ctx, "acme", "p1"); err != nil {
		t.Fatalf("Get p1: %v", err)
	}
	if _, err := h.cache.Get(ctx, "acme", "p2"); err != nil {
		t.Fatalf("Get p2: %v", err)
	}
	// Touch p1 so p2 becomes the eviction candidate.
	if _, err := h.cache.Get(ctx, "acme", "p1"); err != nil {
		t.Fatalf("Get p1: %v", err)
	}
	if _, err := h.cache.Get(ctx, "acme", "p3"); err != nil {
		t.Fatalf("Get p3: %v", err)
	}

	st := h.cache.Stats()
	if st.Active != 2 {
		t.Fatalf("active = %d, want 2", st.Active)
	}
	for _, e := range st.Entries {
		if e.ProjectID == "p2" {
			t.Fatal("p2 should have been evicted")
		}
	}
	// Both of p2's resources were finalized.
	if n := h.finals.Load(); n != 2 {
		t.Fatalf("finalized resources = %d, want 2", n)
	}
	// Re-getting p2 rebuilds it.
	if _, err := h.cache.Get(ctx, "acme", "p2"); err != nil {
		t.Fatalf("Get p2: %v", err)
	}
	if n := h.builds.Load(); n != 4 {
		t.Fatalf("builds = %d, want 4", n)
	}
}

func TestTTLExpiryRebuildsOnAccess(t *testing.T) {
	h := newHarness(t, WithTTL(10*time.Minute))
	h.resolver.add("acme", "proj1")
	ctx := context.Background()

	first, err := h.cache.Get(ctx, "acme", "proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	h.advance(11 * time.Minute)
	second, err := h.cache.Get(ctx, "acme", "proj1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if first == second {
		t.Fatal("expired entry must be rebuilt")
	}
	if n := h.builds.Load(); n != 2 {
		t.Fatalf("builds = %d, want 2", n)
	}
	if n := h.finals.Load(); n != 2 {
		t.Fatalf("finalized resources = %d, want 2", n)
	}
}

func TestRemoveExpiredSweep(t *testing.T) {
	h := newHarness(t, WithTTL(10*time.Minute))
	ctx := context.Background()
	h.resolver.add("acme", "p1")
	h.resolver.add("acme", "p2")

	if _, err := h.cache.Get(ctx, "acme", "p1"); err != nil {
		t.Fatalf("Get p1: %v", err)
	}
	h.advance(6 * time.Minute)
	if _, err := h.cache.Get(ctx, "acme", "p2"); err != nil {
		t.Fatalf("Get p2: %v", err)
	}
	h.advance(6 * time.Minute)

	// p1 idled 12 minutes, p2 only 6.
	if n := h.cache.RemoveExpired(ctx); n != 1 {
		t.Fatalf("swept = %d, want 1", n)
	}
	st := h.cache.Stats()
	if st.Active != 1 || st.Entries[0].ProjectID != "p2" {
		t.Fatalf("stats = %+v, want only p2", st)
	}
}

func TestMissingConfigIsNotCached(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	if _, err := h.cache.Get(ctx, "acme", "proj1"); !errors.Is(err, ErrConfigMissing) {
		t.Fatalf("err = %v, want ErrConfigMissing", err)
	}
	// Adding configuration makes the next call succeed without restarts.
	h.resolver.add("acme", "proj1")
	if _, err := h.cache.Get(ctx, "acme", "proj1"); err != nil {
		t.Fatalf("Get after config added: %v", err)
	}
	if n := h.builds.Load(); n != 1 {
		t.Fatalf("builds = %d, want 1", n)
	}
}

func TestFinalizeFailureDoesNotBlockRemoval(t *testing.T) {
	var finals atomic.Int64
	resolver := &fakeResolver{configs: make(map[string]*provider.Config)}
	resolver.add("acme", "proj1")
	build := func(context.Context, *provider.Config) (Handle, error) {
		return &fakeHandle{resources: []Resource{
			&fakeResource{name: "bad", finalized: &finals, fail: true},
			&fakeResource{name: "good", finalized: &finals},
		}}, nil
	}
	cache, err := New(resolver, build)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx := context.Background()
	if _, err := cache.Get(ctx, "acme", "proj1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	cache.Remove(ctx, "acme", "proj1")

	// Both resources were attempted despite the first one failing.
	if n := finals.Load(); n != 2 {
		t.Fatalf("finalized = %d, want 2", n)
	}
	if st := cache.Stats(); st.Active != 0 {
		t.Fatalf("active = %d, want 0", st.Active)
	}
}

func TestShutdownDrainsOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.resolver.add("acme", "p1")
	h.resolver.add("acme", "p2")

	if _, err := h.cache.Get(ctx, "acme", "p1"); err != nil {
		t.Fatalf("Get p1: %v", err)
	}
	if _, err := h.cache.Get(ctx, "acme", "p2"); err != nil {
		t.Fatalf("Get p2: %v", err)
	}

	h.cache.Shutdown(ctx)
	if n := h.finals.Load(); n != 4 {
		t.Fatalf("finalized = %d, want 4", n)
	}
	// A second shutdown finalizes nothing further.
	h.cache.Shutdown(ctx)
	if n := h.finals.Load(); n != 4 {
		t.Fatalf("finalized after second shutdown = %d, want 4", n)
	}
	if _, err := h.cache.Get(ctx, "acme", "p1"); !errors.Is(err, ErrShutdown) {
		t.Fatalf("err = %v, want ErrShutdown", err)
	}
}

func TestStatsSnapshot(t *testing.T) {
	h := newHarness(t, WithMaxInstances(5), WithTTL(15*time.Minute))
	ctx := context.Background()
	h.resolver.add("acme", "p1")

	if _, err := h.cache.Get(ctx, "acme", "p1"); err != nil {
		t.Fatalf("Get: %v", err)
	}
	st := h.cache.Stats()
	if st.Active != 1 || st.Max != 5 || st.TTL != 15*time.Minute {
		t.Fatalf("stats = %+v", st)
	}
	if st.Entries[0].TenantID != "acme" || st.Entries[0].ProjectID != "p1" {
		t.Fatalf("entry = %+v", st.Entries[0])
	}
	if !st.Entries[0].LastAccess.Equal(h.clock) {
		t.Fatalf("last access = %v, want %v", st.Entries[0].LastAccess, h.clock)
	}
}
