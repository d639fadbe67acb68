package worker

import (
	"context"
	"time"

	"github.com/copyforge/pipeline/pkg/models"
)

// EventType identifies the kind of a producer event.
type EventType int

const (
	// EventChunk carries one ordered unit of generated text.
	EventChunk EventType = iota
	// EventBoundary marks that everything emitted so far forms a complete
	// artifact section. Output up to the latest boundary can be persisted
	// as a degraded artifact if the job later fails.
	EventBoundary
	// EventDone signals normal end of output.
	EventDone
	// EventError signals producer failure; Transient marks upstream faults
	// worth one retry.
	EventError
)

// Event is one message from a producer to the orchestrator.
type Event struct {
	Type      EventType
	Content   string
	Err       error
	Transient bool
}

// Producer is the opaque generation model: it emits an ordered sequence of
// events on the returned channel and closes it after EventDone or
// EventError. Cancelling the context stops production.
type Producer interface {
	Generate(ctx context.Context, params models.GenerationParams) (<-chan Event, error)
}

// Pool bounds how many generation jobs run concurrently on this instance.
type Pool struct {
	slots    chan struct{}
	producer Producer
}

// NewPool creates a pool with the given number of worker slots.
func NewPool(size int, producer Producer) *Pool {
	if size <= 0 {
		size = 1
	}
	return &Pool{
		slots:    make(chan struct{}, size),
		producer: producer,
	}
}

// Acquire claims a worker slot, waiting at most wait. Returns
// ErrUnavailable when no slot frees up in time.
func (p *Pool) Acquire(ctx context.Context, wait time.Duration) error {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	select {
	case p.slots <- struct{}{}:
		return nil
	case <-timer.C:
		return models.ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Release frees a previously acquired slot.
func (p *Pool) Release() {
	select {
	case <-p.slots:
	default:
	}
}

// Active returns the number of slots currently in use.
func (p *Pool) Active() int {
	return len(p.slots)
}

// Capacity returns the pool size.
func (p *Pool) Capacity() int {
	return cap(p.slots)
}

// Generate starts the producer for an acquired slot.
func (p *Pool) Generate(ctx context.Context, params models.GenerationParams) (<-chan Event, error) {
	return p.producer.Generate(ctx, params)
}
