package main

import (
	"context"
	"database/sql"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"ragforge.dev/internal/access"
	"ragforge.dev/internal/apikey"
	"ragforge.dev/internal/auth"
	"ragforge.dev/internal/httpapi"
	"ragforge.dev/internal/instance"
	"ragforge.dev/internal/obs"
	"ragforge.dev/internal/project"
	"ragforge.dev/internal/provider"
)

var (
	version = "0.3.0"
	commit  = "dev"
)

func main() {
	obs.Init()
	obs.InitBuildInfo(version, commit)

	// Connect to Postgres when a DSN is set; otherwise run on in-memory
	// stores (dev mode, state is lost on restart).
	var db *sql.DB
	if dsn := os.Getenv("RAG_PG_DSN"); dsn != "" {
		var err error
		db, err = sql.Open("pgx", dsn)
		if err != nil {
			log.Fatalf("open db: %v", err)
		}
		db.SetMaxOpenConns(10)
		db.SetMaxIdleConns(10)
		db.SetConnMaxLifetime(30 * time.Minute)
	} else {
		log.Println("RAG_PG_DSN not set; using in-memory stores")
	}

	var (
		authStore auth.Store
		projStore project.Store
		keyStore  apikey.Store
		provStore provider.Store
	)
	if db != nil {
		authStore = auth.NewPGStore(db)
		projStore = project.NewPGStore(db)
		keyStore = apikey.NewPGStore(db)
		provStore = provider.NewPGStore(db)
	} else {
		authStore = auth.NewMemStore()
		projStore = project.NewMemStore()
		keyStore = apikey.NewMemStore()
		provStore = provider.NewMemStore()
	}

	authSvc, err := auth.NewService(authStore, os.Getenv("RAG_AUTH_SECRET"))
	if err != nil {
		log.Fatalf("auth service: %v", err)
	}
	projSvc, err := project.NewService(projStore, authSvc)
	if err != nil {
		log.Fatalf("project service: %v", err)
	}
	keySvc, err := apikey.NewService(keyStore, projSvc)
	if err != nil {
		log.Fatalf("api key service: %v", err)
	}
	cipher, err := provider.NewCipher([]byte(os.Getenv("RAG_CONFIG_ENC_KEY")))
	if err != nil {
		log.Fatalf("config cipher: %v", err)
	}
	provSvc, err := provider.NewService(provStore, cipher, projSvc)
	if err != nil {
		log.Fatalf("provider service: %v", err)
	}
	resolver, err := access.NewResolver(authSvc, keySvc, projSvc)
	if err != nil {
		log.Fatalf("access resolver: %v", err)
	}

	engine := ragEngine{}
	cache, err := instance.New(provSvc, engine.Build, cacheOptions()...)
	if err != nil {
		log.Fatalf("instance cache: %v", err)
	}

	api := httpapi.New(httpapi.ReadyProbe{DB: db}, version, httpapi.Services{
		Auth:      authSvc,
		Projects:  projSvc,
		Keys:      keySvc,
		Providers: provSvc,
		Resolver:  resolver,
		Cache:     cache,
		Engine:    engine,
	})

	addr := os.Getenv("RAG_ADDR")
	if addr == "" {
		addr = ":8080"
	}

	srv := &http.Server{
		Addr:              addr,
		Handler:           api.Handler(),
		ReadTimeout:       15 * time.Second,
		ReadHeaderTimeout: 15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	log.Printf("Starting ragforge-api %s on %s", version, srv.Addr)

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("listen: %v", err)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)

	<-stop
	log.Println("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	_ = srv.Shutdown(ctx)
	cache.Shutdown(ctx)
	if db != nil {
		_ = db.Close()
	}
	log.Println("Stopped")
}

func cacheOptions() []instance.Option {
	var opts []instance.Option
	if v := os.Getenv("RAG_MAX_INSTANCES"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			log.Fatalf("RAG_MAX_INSTANCES: invalid value %q", v)
		}
		opts = append(opts, instance.WithMaxInstances(n))
	}
	if v := os.Getenv("RAG_INSTANCE_TTL"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			log.Fatalf("RAG_INSTANCE_TTL: invalid value %q", v)
		}
		opts = append(opts, instance.WithTTL(d))
	}
	return opts
}
