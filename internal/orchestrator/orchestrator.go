package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/internal/delivery"
	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/internal/metrics"
	"github.com/copyforge/pipeline/internal/quota"
	"github.com/copyforge/pipeline/internal/worker"
	"github.com/copyforge/pipeline/pkg/models"
)

// Ledger is the quota surface the orchestrator needs.
type Ledger interface {
	Reserve(ctx context.Context, accountID, tier string, amount int64) (*quota.Reservation, error)
	Commit(ctx context.Context, reservationID string) error
	Release(ctx context.Context, reservationID string) error
	ConcurrencyCap(tier string) int
}

// Repository persists job records.
type Repository interface {
	CreateJob(ctx context.Context, job *models.GenerationJob) error
	GetJob(ctx context.Context, id string) (*models.GenerationJob, error)
	UpdateJob(ctx context.Context, job *models.GenerationJob) error
}

// ArtifactStore persists assembled artifacts and returns the object key.
type ArtifactStore interface {
	Save(ctx context.Context, accountID, jobID, content, status string) (string, error)
}

// EventPublisher announces terminal job states to downstream consumers.
type EventPublisher interface {
	PublishJobEvent(ctx context.Context, event models.JobEvent) error
}

// Orchestrator owns the lifecycle of generation jobs: it reserves quota,
// dispatches work onto the pool, streams output through the hub, and
// settles every reservation exactly once on the way out.
type Orchestrator struct {
	cfg    config.PipelineConfig
	pool   *worker.Pool
	hub    *delivery.Hub
	ledger Ledger
	repo   Repository
	store  ArtifactStore
	events EventPublisher
	log    *logging.Logger

	mu         sync.Mutex
	active     map[string]*job
	perAccount map[string]int

	NowFunc func() time.Time
}

func New(
	cfg config.PipelineConfig,
	pool *worker.Pool,
	hub *delivery.Hub,
	ledger Ledger,
	repo Repository,
	store ArtifactStore,
	events EventPublisher,
	log *logging.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:        cfg,
		pool:       pool,
		hub:        hub,
		ledger:     ledger,
		repo:       repo,
		store:      store,
		events:     events,
		log:        log,
		active:     make(map[string]*job),
		perAccount: make(map[string]int),
		NowFunc:    time.Now,
	}
}

// Start runs the admission pipeline for a new job: concurrency cap, quota
// reservation, then a bounded wait for a worker slot. On success the job is
// dispatched and streaming begins in the background.
//
// Errors map onto the caller's responses: ErrConcurrencyLimit and
// ErrQuotaExceeded reject the request, ErrUnavailable means the pool stayed
// saturated past the dispatch wait.
func (o *Orchestrator) Start(ctx context.Context, account *models.Account, params models.GenerationParams) (*models.GenerationJob, error) {
	now := o.NowFunc().UTC()
	rec := &models.GenerationJob{
		ID:        uuid.New().String(),
		AccountID: account.ID,
		State:     models.JobStateRequested,
		Params:    params,
		CreatedAt: now,
		UpdatedAt: now,
	}
	j := newJob(rec)
	log := o.log.WithJobID(rec.ID).WithAccountID(account.ID)

	if !o.admit(account) {
		log.Warn("Per-account concurrency limit reached")
		return nil, models.ErrConcurrencyLimit
	}

	if err := o.repo.CreateJob(ctx, rec); err != nil {
		o.unadmit(account.ID)
		return nil, err
	}

	res, err := o.ledger.Reserve(ctx, account.ID, account.Tier, 1)
	if err != nil {
		o.unadmit(account.ID)
		if errors.Is(err, models.ErrQuotaExceeded) {
			metrics.QuotaRejections.Inc()
			o.abortAdmission(ctx, j, models.ErrorCodeQuotaExceeded, "monthly generation quota exhausted")
			return nil, err
		}
		o.abortAdmission(ctx, j, models.ErrorCodeUnavailable, "quota ledger unavailable")
		return nil, err
	}
	rec.ReservationID = res.ID
	j.transition(models.JobStateReserved)
	o.persist(ctx, j)

	if err := o.pool.Acquire(ctx, o.cfg.DispatchWait); err != nil {
		o.unadmit(account.ID)
		if relErr := o.ledger.Release(ctx, res.ID); relErr != nil {
			log.WithError(relErr).Error("Failed to release reservation after dispatch timeout")
		}
		o.abortAdmission(ctx, j, models.ErrorCodeUnavailable, "no generation capacity available")
		if errors.Is(err, models.ErrUnavailable) {
			return nil, models.ErrUnavailable
		}
		return nil, err
	}

	j.transition(models.JobStateDispatched)
	started := o.NowFunc().UTC()
	rec.StartedAt = &started
	o.persist(ctx, j)

	o.hub.Open(rec.ID)
	o.register(j)
	metrics.JobsStarted.Inc()
	metrics.ActiveJobs.Inc()
	log.WithField("content_type", params.ContentType).Info("Job dispatched")

	go o.run(j)

	snapshot := *rec
	return &snapshot, nil
}

// GetJob returns the persisted record, enforcing ownership.
func (o *Orchestrator) GetJob(ctx context.Context, accountID, jobID string) (*models.GenerationJob, error) {
	rec, err := o.repo.GetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if rec.AccountID != accountID {
		return nil, models.ErrJobNotFound
	}
	return rec, nil
}

// Cancel requests cooperative shutdown of a running job and waits up to the
// forced-stop window for the run loop to settle it. If the worker does not
// come back in time the job is finalized as canceled anyway; the slot is
// reclaimed when the producer eventually notices its dead context.
func (o *Orchestrator) Cancel(ctx context.Context, accountID, jobID string) error {
	o.mu.Lock()
	j, ok := o.active[jobID]
	o.mu.Unlock()

	if !ok {
		rec, err := o.repo.GetJob(ctx, jobID)
		if err != nil {
			return err
		}
		if rec.AccountID != accountID {
			return models.ErrJobNotFound
		}
		// Terminal, or orphaned by a crash and left to the reconciler.
		return models.ErrJobFinished
	}

	j.mu.Lock()
	owner := j.rec.AccountID
	j.mu.Unlock()
	if owner != accountID {
		return models.ErrJobNotFound
	}

	if !j.requestCancel() {
		return models.ErrJobFinished
	}

	select {
	case <-j.done:
		return nil
	case <-time.After(o.cfg.ForcedStopWait):
	case <-ctx.Done():
		return ctx.Err()
	}

	// Worker is unresponsive; settle the job without it.
	o.finalize(j, models.JobStateCanceled, models.ErrorCodeCanceled, "canceled by account")
	return nil
}

// Hub exposes the delivery hub for the transport layer.
func (o *Orchestrator) Hub() *delivery.Hub {
	return o.hub
}

// ActiveCount reports jobs currently running on this instance.
func (o *Orchestrator) ActiveCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.active)
}

// run drives one dispatched job to a terminal state. It owns the worker
// slot and the producer context.
func (o *Orchestrator) run(j *job) {
	j.mu.Lock()
	rec := j.rec
	jobID := rec.ID
	params := rec.Params
	j.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.MaxJobDuration)
	j.mu.Lock()
	j.cancel = cancel
	alreadyCanceled := j.cancelRequested
	j.mu.Unlock()
	if alreadyCanceled {
		cancel()
	}
	defer cancel()
	defer o.pool.Release()

	const maxAttempts = 2
	for attempt := 0; attempt < maxAttempts; attempt++ {
		events, err := o.pool.Generate(ctx, params)
		if err != nil {
			if o.retryable(j, err, attempt, maxAttempts) {
				continue
			}
			o.settleFailure(j, ctx, err)
			return
		}

		terminal, err := o.consume(ctx, j, events)
		if terminal {
			return
		}
		if o.retryable(j, err, attempt, maxAttempts) {
			o.log.WithJobID(jobID).WithError(err).Warn("Transient worker failure, retrying")
			continue
		}
		o.settleFailure(j, ctx, err)
		return
	}
}

// consume pumps producer events into the delivery hub. It returns
// terminal=true when the job was finalized, otherwise the error that ended
// the stream.
func (o *Orchestrator) consume(ctx context.Context, j *job, events <-chan worker.Event) (bool, error) {
	for ev := range events {
		switch ev.Type {
		case worker.EventChunk:
			seq, err := o.hub.Push(j.rec.ID, ev.Content)
			if err != nil {
				return false, err
			}
			j.mu.Lock()
			j.chunkCount++
			j.lastSeq = seq
			first := j.chunkCount == 1
			j.mu.Unlock()
			metrics.ChunksStreamed.Inc()
			if first {
				j.transition(models.JobStateStreaming)
				o.persist(ctx, j)
			}

		case worker.EventBoundary:
			j.mu.Lock()
			j.lastBoundary = j.lastSeq
			j.mu.Unlock()

		case worker.EventDone:
			o.settleSuccess(j)
			return true, nil

		case worker.EventError:
			err := ev.Err
			if err == nil {
				err = models.ErrWorkerFailure
			}
			if ev.Transient {
				return false, transient{err}
			}
			return false, err
		}
	}

	// Stream ended without a terminal event: the producer bailed on a dead
	// context, or broke mid-flight.
	if ctx.Err() != nil {
		return false, ctx.Err()
	}
	return false, models.ErrWorkerFailure
}

type transient struct{ error }

func (t transient) Unwrap() error { return t.error }

func (t transient) Transient() bool { return true }

// retryable reports whether the failure merits one more attempt. Retries
// only happen before any chunk was delivered: a client that has already
// seen output must never see the sequence restart. Any error in the chain
// exposing Transient() qualifies, including producer startup faults.
func (o *Orchestrator) retryable(j *job, err error, attempt, maxAttempts int) bool {
	var tr interface{ Transient() bool }
	if !errors.As(err, &tr) || !tr.Transient() {
		return false
	}
	if attempt >= maxAttempts-1 {
		return false
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.chunkCount == 0 && !j.cancelRequested
}

// settleSuccess persists the full artifact, commits the reservation and
// completes the job.
func (o *Orchestrator) settleSuccess(j *job) {
	if !j.claimFinalize() {
		return
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCtx()

	j.mu.Lock()
	rec := j.rec
	chunkCount := j.chunkCount
	j.mu.Unlock()
	log := o.log.WithJobID(rec.ID).WithAccountID(rec.AccountID)

	content, _ := o.hub.Collect(rec.ID, 0)
	key, err := o.store.Save(ctx, rec.AccountID, rec.ID, content, models.ArtifactStatusFinal)
	if err != nil {
		log.WithError(err).Error("Failed to persist artifact")
		if relErr := o.ledger.Release(ctx, rec.ReservationID); relErr != nil {
			log.WithError(relErr).Error("Failed to release reservation")
		}
		metrics.QuotaReservations.WithLabelValues("released").Inc()
		j.mu.Lock()
		rec.ErrorCode = models.ErrorCodeWorkerFailure
		rec.ErrorMsg = "artifact persistence failed"
		j.mu.Unlock()
		o.settleTerminal(ctx, j, models.JobStateFailed, models.ErrorCodeWorkerFailure, "artifact persistence failed", chunkCount)
		return
	}

	j.mu.Lock()
	rec.ArtifactKey = key
	rec.ArtifactStatus = models.ArtifactStatusFinal
	j.mu.Unlock()

	if err := o.ledger.Commit(ctx, rec.ReservationID); err != nil {
		log.WithError(err).Error("Failed to commit reservation")
	}
	metrics.QuotaReservations.WithLabelValues("committed").Inc()
	o.settleTerminal(ctx, j, models.JobStateCompleted, "", "", chunkCount)
}

// settleFailure classifies the error, optionally persists a degraded
// artifact, releases the reservation and fails or cancels the job.
func (o *Orchestrator) settleFailure(j *job, runCtx context.Context, cause error) {
	code := models.ErrorCodeWorkerFailure
	msg := "generation worker failed"
	switch {
	case j.cancelWasRequested():
		code = models.ErrorCodeCanceled
		msg = "canceled by account"
	case errors.Is(runCtx.Err(), context.DeadlineExceeded) || errors.Is(cause, context.DeadlineExceeded):
		code = models.ErrorCodeTimeout
		msg = "generation exceeded the maximum job duration"
	case cause != nil && !errors.Is(cause, context.Canceled):
		msg = cause.Error()
	}

	state := models.JobStateFailed
	if code == models.ErrorCodeCanceled {
		state = models.JobStateCanceled
	}
	o.finalize(j, state, code, msg)
}

// finalize is the single terminal path for non-success outcomes.
func (o *Orchestrator) finalize(j *job, state models.JobState, code, msg string) {
	if !j.claimFinalize() {
		return
	}
	ctx, cancelCtx := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelCtx()

	j.mu.Lock()
	rec := j.rec
	chunkCount := j.chunkCount
	lastBoundary := j.lastBoundary
	j.mu.Unlock()
	log := o.log.WithJobID(rec.ID).WithAccountID(rec.AccountID)

	if err := o.ledger.Release(ctx, rec.ReservationID); err != nil {
		log.WithError(err).Error("Failed to release reservation")
	}
	metrics.QuotaReservations.WithLabelValues("released").Inc()

	// Keep what survived: everything up to the last section boundary.
	if state == models.JobStateFailed && lastBoundary > 0 {
		content, _ := o.hub.Collect(rec.ID, lastBoundary)
		key, err := o.store.Save(ctx, rec.AccountID, rec.ID, content, models.ArtifactStatusDegraded)
		if err != nil {
			log.WithError(err).Error("Failed to persist degraded artifact")
		} else {
			j.mu.Lock()
			rec.ArtifactKey = key
			rec.ArtifactStatus = models.ArtifactStatusDegraded
			j.mu.Unlock()
		}
	}

	j.mu.Lock()
	rec.ErrorCode = code
	rec.ErrorMsg = msg
	j.mu.Unlock()
	o.settleTerminal(ctx, j, state, code, msg, chunkCount)
}

// settleTerminal records the terminal state, notifies the stream and
// publishes the job event. Callers have already settled the reservation.
func (o *Orchestrator) settleTerminal(ctx context.Context, j *job, state models.JobState, code, msg string, chunkCount int) {
	from := j.state()
	j.transition(state)

	j.mu.Lock()
	rec := j.rec
	rec.ChunkCount = chunkCount
	finished := o.NowFunc().UTC()
	rec.FinishedAt = &finished
	event := models.JobEvent{
		JobID:          rec.ID,
		AccountID:      rec.AccountID,
		State:          rec.State,
		ErrorCode:      rec.ErrorCode,
		ArtifactKey:    rec.ArtifactKey,
		ArtifactStatus: rec.ArtifactStatus,
		ChunkCount:     chunkCount,
		Timestamp:      finished,
	}
	j.mu.Unlock()

	o.persist(ctx, j)
	o.unregister(j)
	close(j.done)
	metrics.ActiveJobs.Dec()
	duration := 0.0
	if rec.StartedAt != nil {
		duration = finished.Sub(*rec.StartedAt).Seconds()
	}
	metrics.RecordJobFinished(string(state), rec.Params.ContentType, duration)

	var frame models.Frame
	switch state {
	case models.JobStateCompleted:
		frame = models.Frame{Type: models.FrameComplete}
	case models.JobStateCanceled:
		frame = models.Frame{Type: models.FrameCanceled}
	default:
		frame = models.Frame{Type: models.FrameError, Code: code, Message: msg}
	}
	o.hub.Finish(rec.ID, frame)

	if o.events != nil {
		if err := o.events.PublishJobEvent(ctx, event); err != nil {
			o.log.WithJobID(rec.ID).WithError(err).Warn("Failed to publish job event")
		}
	}
	o.log.LogJobTransition(rec.ID, rec.AccountID, string(from), string(state))
}

// abortAdmission fails a job that never made it past admission. No stream
// was opened and no event is published; the caller returns the error.
func (o *Orchestrator) abortAdmission(ctx context.Context, j *job, code, msg string) {
	j.mu.Lock()
	j.finalized = true
	j.rec.State = models.JobStateFailed
	j.rec.ErrorCode = code
	j.rec.ErrorMsg = msg
	finished := o.NowFunc().UTC()
	j.rec.FinishedAt = &finished
	j.mu.Unlock()
	o.persist(ctx, j)
}

func (o *Orchestrator) persist(ctx context.Context, j *job) {
	j.mu.Lock()
	j.rec.UpdatedAt = o.NowFunc().UTC()
	snapshot := *j.rec
	j.mu.Unlock()

	if err := o.repo.UpdateJob(ctx, &snapshot); err != nil {
		o.log.WithJobID(snapshot.ID).WithError(err).Error("Failed to persist job state")
	}
}

func (o *Orchestrator) admit(account *models.Account) bool {
	cap := o.ledger.ConcurrencyCap(account.Tier)
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.perAccount[account.ID] >= cap {
		return false
	}
	o.perAccount[account.ID]++
	return true
}

func (o *Orchestrator) unadmit(accountID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.perAccount[accountID] > 0 {
		o.perAccount[accountID]--
	}
	if o.perAccount[accountID] == 0 {
		delete(o.perAccount, accountID)
	}
}

func (o *Orchestrator) register(j *job) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[j.rec.ID] = j
}

func (o *Orchestrator) unregister(j *job) {
	o.mu.Lock()
	delete(o.active, j.rec.ID)
	o.mu.Unlock()
	o.unadmit(j.rec.AccountID)
}
