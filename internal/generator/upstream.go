package generator

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/internal/worker"
	"github.com/copyforge/pipeline/pkg/models"
)

// streamLine is one newline-delimited JSON message from the generation
// provider's streaming endpoint.
type streamLine struct {
	Content  string `json:"content,omitempty"`
	Boundary bool   `json:"boundary,omitempty"`
	Done     bool   `json:"done,omitempty"`
	Error    string `json:"error,omitempty"`
}

// Upstream streams chunks from an external generation provider over HTTP.
// The provider is opaque to the pipeline: any service speaking the
// line-delimited JSON contract can back it.
type Upstream struct {
	client    *http.Client
	endpoint  string
	apiKey    string
	maxTokens int
}

// NewUpstream creates an upstream producer from configuration.
func NewUpstream(cfg config.GeneratorConfig) *Upstream {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}

	return &Upstream{
		// The timeout guards dial and response headers only; the body is
		// streamed for the job's whole duration under the job context.
		client: &http.Client{
			Transport: &http.Transport{ResponseHeaderTimeout: timeout},
		},
		endpoint:  cfg.Endpoint,
		apiKey:    cfg.APIKey,
		maxTokens: cfg.MaxTokens,
	}
}

type generateRequest struct {
	Prompt      string            `json:"prompt"`
	ContentType string            `json:"content_type"`
	Title       string            `json:"title,omitempty"`
	Tone        string            `json:"tone,omitempty"`
	MaxTokens   int               `json:"max_tokens"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Generate opens the streaming request and relays provider lines as worker
// events until done, error, or context cancellation.
func (u *Upstream) Generate(ctx context.Context, params models.GenerationParams) (<-chan worker.Event, error) {
	maxTokens := params.MaxTokens
	if maxTokens == 0 {
		maxTokens = u.maxTokens
	}

	body, err := json.Marshal(generateRequest{
		Prompt:      params.Prompt,
		ContentType: params.ContentType,
		Title:       params.Title,
		Tone:        params.Tone,
		MaxTokens:   maxTokens,
		Metadata:    params.Metadata,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal generation request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to build generation request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.client.Do(req)
	if err != nil {
		// Connection-level faults are worth one retry
		return nil, transientError(fmt.Errorf("generation provider unreachable: %w", err))
	}

	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		err := fmt.Errorf("generation provider returned %d", resp.StatusCode)
		if resp.StatusCode >= 500 {
			return nil, transientError(err)
		}
		return nil, err
	}

	events := make(chan worker.Event)

	go func() {
		defer close(events)
		defer resp.Body.Close()

		scanner := bufio.NewScanner(resp.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

		for scanner.Scan() {
			raw := scanner.Bytes()
			if len(bytes.TrimSpace(raw)) == 0 {
				continue
			}

			var line streamLine
			if err := json.Unmarshal(raw, &line); err != nil {
				emit(ctx, events, worker.Event{
					Type: worker.EventError,
					Err:  fmt.Errorf("malformed provider message: %w", err),
				})
				return
			}

			switch {
			case line.Error != "":
				emit(ctx, events, worker.Event{
					Type: worker.EventError,
					Err:  fmt.Errorf("provider error: %s", line.Error),
				})
				return
			case line.Done:
				emit(ctx, events, worker.Event{Type: worker.EventDone})
				return
			case line.Boundary:
				if !emit(ctx, events, worker.Event{Type: worker.EventBoundary}) {
					return
				}
			case line.Content != "":
				if !emit(ctx, events, worker.Event{Type: worker.EventChunk, Content: line.Content}) {
					return
				}
			}
		}

		if err := scanner.Err(); err != nil {
			emit(ctx, events, worker.Event{
				Type:      worker.EventError,
				Err:       fmt.Errorf("provider stream interrupted: %w", err),
				Transient: true,
			})
			return
		}

		// Stream ended without a done marker: treat as a truncated output
		emit(ctx, events, worker.Event{
			Type:      worker.EventError,
			Err:       fmt.Errorf("provider stream ended without completion"),
			Transient: true,
		})
	}()

	return events, nil
}

func emit(ctx context.Context, events chan<- worker.Event, ev worker.Event) bool {
	select {
	case events <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

// transientFault wraps an error so the orchestrator can classify it as
// retryable.
type transientFault struct{ err error }

func (t transientFault) Error() string { return t.err.Error() }
func (t transientFault) Unwrap() error { return t.err }

func (t transientFault) Transient() bool { return true }

func transientError(err error) error { return transientFault{err: err} }

// IsTransient reports whether the producer startup error is retryable.
func IsTransient(err error) bool {
	var t transientFault
	return errors.As(err, &t)
}
