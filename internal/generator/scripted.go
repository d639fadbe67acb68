package generator

import (
	"context"
	"time"

	"github.com/copyforge/pipeline/internal/worker"
	"github.com/copyforge/pipeline/pkg/models"
)

// Scripted is a producer that replays a fixed chunk sequence. It backs the
// scripted generator mode for local development and is used heavily in
// orchestrator tests.
type Scripted struct {
	Chunks []string
	// BoundaryEvery emits a section boundary after every n chunks; 0 means
	// a single boundary right before completion.
	BoundaryEvery int
	// Delay between chunks.
	Delay time.Duration
	// FailAfter aborts with an error after that many chunks; <0 disables.
	FailAfter int
	// Transient marks the failure as retryable.
	Transient bool
	// Hang keeps the stream open forever after the last chunk, for
	// timeout and cancellation tests.
	Hang bool
}

// NewScripted returns a producer that emits the given chunks and completes.
func NewScripted(chunks ...string) *Scripted {
	return &Scripted{Chunks: chunks, FailAfter: -1}
}

// Generate replays the script.
func (s *Scripted) Generate(ctx context.Context, _ models.GenerationParams) (<-chan worker.Event, error) {
	events := make(chan worker.Event)

	go func() {
		defer close(events)

		for i, chunk := range s.Chunks {
			if s.FailAfter >= 0 && i == s.FailAfter {
				emit(ctx, events, worker.Event{
					Type:      worker.EventError,
					Err:       models.ErrWorkerFailure,
					Transient: s.Transient,
				})
				return
			}

			if s.Delay > 0 {
				select {
				case <-time.After(s.Delay):
				case <-ctx.Done():
					return
				}
			}

			if !emit(ctx, events, worker.Event{Type: worker.EventChunk, Content: chunk}) {
				return
			}

			if s.BoundaryEvery > 0 && (i+1)%s.BoundaryEvery == 0 {
				if !emit(ctx, events, worker.Event{Type: worker.EventBoundary}) {
					return
				}
			}
		}

		if s.FailAfter >= 0 && s.FailAfter >= len(s.Chunks) {
			emit(ctx, events, worker.Event{
				Type:      worker.EventError,
				Err:       models.ErrWorkerFailure,
				Transient: s.Transient,
			})
			return
		}

		if s.Hang {
			<-ctx.Done()
			return
		}

		if s.BoundaryEvery == 0 {
			if !emit(ctx, events, worker.Event{Type: worker.EventBoundary}) {
				return
			}
		}
		emit(ctx, events, worker.Event{Type: worker.EventDone})
	}()

	return events, nil
}
