package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"ragforge.dev/internal/ids"
	"ragforge.dev/internal/instance"
	"ragforge.dev/internal/provider"
)

const defaultBaseURL = "https://api.openai.com/v1"

// engineHandle is one pooled engine instance: the resolved provider config,
// an HTTP client for the LLM backend and a per-project document index.
type engineHandle struct {
	cfg    *provider.Config
	client *http.Client

	mu   sync.RWMutex
	docs map[string]document
}

type document struct {
	ID     string
	Text   string
	Source string
}

func newEngineHandle(cfg *provider.Config) *engineHandle {
	return &engineHandle{
		cfg:    cfg,
		client: &http.Client{Timeout: 60 * time.Second},
		docs:   make(map[string]document),
	}
}

func (h *engineHandle) Resources() []instance.Resource {
	return []instance.Resource{
		resourceFunc{name: "llm-client", fn: func(context.Context) error {
			h.client.CloseIdleConnections()
			return nil
		}},
		resourceFunc{name: "document-index", fn: func(context.Context) error {
			h.mu.Lock()
			h.docs = nil
			h.mu.Unlock()
			return nil
		}},
	}
}

type resourceFunc struct {
	name string
	fn   func(ctx context.Context) error
}

func (r resourceFunc) Name() string                       { return r.name }
func (r resourceFunc) Finalize(ctx context.Context) error { return r.fn(ctx) }

// ragEngine implements httpapi.Engine over engineHandle instances.
type ragEngine struct{}

// Build is the instance.Builder the cache uses.
func (ragEngine) Build(ctx context.Context, cfg *provider.Config) (instance.Handle, error) {
	return newEngineHandle(cfg), nil
}

func (ragEngine) Insert(ctx context.Context, h instance.Handle, text, source string) (string, error) {
	eh, ok := h.(*engineHandle)
	if !ok {
		return "", fmt.Errorf("engine: unexpected handle type %T", h)
	}
	doc := document{ID: ids.New(), Text: text, Source: source}
	eh.mu.Lock()
	if eh.docs == nil {
		eh.mu.Unlock()
		return "", fmt.Errorf("engine: handle is finalized")
	}
	eh.docs[doc.ID] = doc
	eh.mu.Unlock()
	return doc.ID, nil
}

func (ragEngine) Delete(ctx context.Context, h instance.Handle, docID string) error {
	eh, ok := h.(*engineHandle)
	if !ok {
		return fmt.Errorf("engine: unexpected handle type %T", h)
	}
	eh.mu.Lock()
	delete(eh.docs, docID)
	eh.mu.Unlock()
	return nil
}

func (e ragEngine) Query(ctx context.Context, h instance.Handle, query, mode string) (string, error) {
	eh, ok := h.(*engineHandle)
	if !ok {
		return "", fmt.Errorf("engine: unexpected handle type %T", h)
	}
	prompt := buildPrompt(query, mode, eh.retrieve(query, 5))
	return e.complete(ctx, eh, prompt)
}

// retrieve ranks indexed documents by term overlap with the query.
func (h *engineHandle) retrieve(query string, limit int) []document {
	terms := strings.Fields(strings.ToLower(query))

	type scored struct {
		doc   document
		score int
	}
	var hits []scored

	h.mu.RLock()
	for _, doc := range h.docs {
		text := strings.ToLower(doc.Text)
		score := 0
		for _, t := range terms {
			if strings.Contains(text, t) {
				score++
			}
		}
		if score > 0 {
			hits = append(hits, scored{doc: doc, score: score})
		}
	}
	h.mu.RUnlock()

	sort.Slice(hits, func(i, j int) bool {
		if hits[i].score != hits[j].score {
			return hits[i].score > hits[j].score
		}
		return hits[i].doc.ID < hits[j].doc.ID
	})
	if len(hits) > limit {
		hits = hits[:limit]
	}
	out := make([]document, 0, len(hits))
	for _, s := range hits {
		out = append(out, s.doc)
	}
	return out
}

func buildPrompt(query, mode string, docs []document) string {
	var b strings.Builder
	b.WriteString("Answer the question using the provided context.\n")
	if mode != "" {
		fmt.Fprintf(&b, "Retrieval mode: %s\n", mode)
	}
	if len(docs) > 0 {
		b.WriteString("\nContext:\n")
		for _, d := range docs {
			fmt.Fprintf(&b, "- %s\n", d.Text)
		}
	}
	b.WriteString("\nQuestion: ")
	b.WriteString(query)
	return b.String()
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

func (ragEngine) complete(ctx context.Context, h *engineHandle, prompt string) (string, error) {
	base := h.cfg.BaseURL
	if base == "" {
		base = defaultBaseURL
	}
	body, err := json.Marshal(chatRequest{
		Model:    h.cfg.Model,
		Messages: []chatMessage{{Role: "user", Content: prompt}},
	})
	if err != nil {
		return "", fmt.Errorf("engine: encode request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		strings.TrimRight(base, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("engine: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+h.cfg.APIKey)

	resp, err := h.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("engine: call %s: %w", h.cfg.Provider, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("engine: read response: %w", err)
	}

	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("engine: decode response (status %d): %w", resp.StatusCode, err)
	}
	if resp.StatusCode != http.StatusOK {
		msg := ""
		if out.Error != nil {
			msg = out.Error.Message
		}
		return "", fmt.Errorf("engine: %s returned status %d: %s", h.cfg.Provider, resp.StatusCode, msg)
	}
	if len(out.Choices) == 0 {
		return "", fmt.Errorf("engine: %s returned no choices", h.cfg.Provider)
	}
	return out.Choices[0].Message.Content, nil
}
