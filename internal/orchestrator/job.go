package orchestrator

import (
	"context"
	"sync"

	"github.com/copyforge/pipeline/pkg/models"
)

// transitions is the legal state graph. Everything else is rejected, which
// keeps a finished job from ever coming back to life.
var transitions = map[models.JobState][]models.JobState{
	models.JobStateRequested:  {models.JobStateReserved, models.JobStateFailed},
	models.JobStateReserved:   {models.JobStateDispatched, models.JobStateFailed, models.JobStateCanceled},
	models.JobStateDispatched: {models.JobStateStreaming, models.JobStateCompleted, models.JobStateFailed, models.JobStateCanceled},
	models.JobStateStreaming:  {models.JobStateCompleted, models.JobStateFailed, models.JobStateCanceled},
}

func canTransition(from, to models.JobState) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// job is the in-flight view of a generation job. The record mirrors the
// database row; everything else is runtime state that dies with the
// process and is mopped up by the reconciler if we crash.
type job struct {
	mu  sync.Mutex
	rec *models.GenerationJob

	cancel          context.CancelFunc
	cancelRequested bool
	finalized       bool

	chunkCount   int
	lastSeq      uint64
	lastBoundary uint64

	// done is closed when the run goroutine has finalized the job.
	done chan struct{}
}

func newJob(rec *models.GenerationJob) *job {
	return &job{rec: rec, done: make(chan struct{})}
}

// transition moves the record to the next state, enforcing the graph.
func (j *job) transition(to models.JobState) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if !canTransition(j.rec.State, to) {
		return false
	}
	j.rec.State = to
	return true
}

func (j *job) state() models.JobState {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.rec.State
}

// requestCancel flags the job and interrupts the producer. Returns false
// when the job was already asked to stop.
func (j *job) requestCancel() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.cancelRequested || j.finalized {
		return false
	}
	j.cancelRequested = true
	if j.cancel != nil {
		j.cancel()
	}
	return true
}

func (j *job) cancelWasRequested() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.cancelRequested
}

// claimFinalize marks the job finalized exactly once. The caller that wins
// the claim performs the commit-or-release and terminal persistence.
func (j *job) claimFinalize() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.finalized {
		return false
	}
	j.finalized = true
	return true
}
