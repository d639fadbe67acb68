package orchestrator

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyforge/pipeline/internal/config"
	"github.com/copyforge/pipeline/internal/delivery"
	"github.com/copyforge/pipeline/internal/generator"
	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/internal/quota"
	"github.com/copyforge/pipeline/internal/worker"
	"github.com/copyforge/pipeline/pkg/models"
)

type fakeLedger struct {
	mu          sync.Mutex
	nextID      int
	reserveErr  error
	committed   map[string]int
	released    map[string]int
	concurrency int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		committed:   make(map[string]int),
		released:    make(map[string]int),
		concurrency: 10,
	}
}

func (f *fakeLedger) Reserve(ctx context.Context, accountID, tier string, amount int64) (*quota.Reservation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.reserveErr != nil {
		return nil, f.reserveErr
	}
	f.nextID++
	return &quota.Reservation{ID: fmt.Sprintf("res-%d", f.nextID), AccountID: accountID, Amount: amount}, nil
}

func (f *fakeLedger) Commit(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.committed[id]++
	return nil
}

func (f *fakeLedger) Release(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.released[id]++
	return nil
}

func (f *fakeLedger) ConcurrencyCap(tier string) int { return f.concurrency }

// assertSettledOnce checks that every reservation was committed or
// released, never both and never twice.
func (f *fakeLedger) assertSettledOnce(t *testing.T) {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	for id, n := range f.committed {
		assert.Equal(t, 1, n, "reservation %s committed %d times", id, n)
		assert.Zero(t, f.released[id], "reservation %s both committed and released", id)
	}
	for id, n := range f.released {
		assert.Equal(t, 1, n, "reservation %s released %d times", id, n)
	}
}

type fakeRepo struct {
	mu   sync.Mutex
	jobs map[string]models.GenerationJob
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{jobs: make(map[string]models.GenerationJob)}
}

func (f *fakeRepo) CreateJob(ctx context.Context, job *models.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = *job
	return nil
}

func (f *fakeRepo) GetJob(ctx context.Context, id string) (*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return nil, models.ErrJobNotFound
	}
	snapshot := job
	return &snapshot, nil
}

func (f *fakeRepo) UpdateJob(ctx context.Context, job *models.GenerationJob) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.jobs[job.ID] = *job
	return nil
}

func (f *fakeRepo) ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.GenerationJob, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var stale []*models.GenerationJob
	for _, job := range f.jobs {
		if !job.State.Terminal() && job.UpdatedAt.Before(cutoff) {
			snapshot := job
			stale = append(stale, &snapshot)
		}
	}
	return stale, nil
}

type fakeStore struct {
	mu     sync.Mutex
	err    error
	saves []savedArtifact
}

type savedArtifact struct {
	jobID   string
	content string
	status  string
}

func (f *fakeStore) Save(ctx context.Context, accountID, jobID, content, status string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	f.saves = append(f.saves, savedArtifact{jobID: jobID, content: content, status: status})
	return fmt.Sprintf("artifacts/%s/%s.txt", accountID, jobID), nil
}

func (f *fakeStore) last(t *testing.T) savedArtifact {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotEmpty(t, f.saves)
	return f.saves[len(f.saves)-1]
}

type fakeEvents struct {
	mu     sync.Mutex
	events []models.JobEvent
}

func (f *fakeEvents) PublishJobEvent(ctx context.Context, event models.JobEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, event)
	return nil
}

// flaky fails its first attempts transiently, then delegates.
type flaky struct {
	mu       sync.Mutex
	failures int
	inner    worker.Producer
}

func (p *flaky) Generate(ctx context.Context, params models.GenerationParams) (<-chan worker.Event, error) {
	p.mu.Lock()
	fail := p.failures > 0
	if fail {
		p.failures--
	}
	p.mu.Unlock()

	if !fail {
		return p.inner.Generate(ctx, params)
	}
	events := make(chan worker.Event, 1)
	events <- worker.Event{Type: worker.EventError, Err: models.ErrWorkerFailure, Transient: true}
	close(events)
	return events, nil
}

type fixture struct {
	orch   *Orchestrator
	ledger *fakeLedger
	repo   *fakeRepo
	store  *fakeStore
	events *fakeEvents
	hub    *delivery.Hub
}

func testConfig() config.PipelineConfig {
	return config.PipelineConfig{
		WorkerCount:    2,
		DispatchWait:   100 * time.Millisecond,
		MaxJobDuration: 5 * time.Second,
		ForcedStopWait: 200 * time.Millisecond,
		GraceTimeout:   time.Minute,
		LiveWindow:     64,
	}
}

func newFixture(t *testing.T, cfg config.PipelineConfig, producer worker.Producer) *fixture {
	t.Helper()
	log, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	f := &fixture{
		ledger: newFakeLedger(),
		repo:   newFakeRepo(),
		store:  &fakeStore{},
		events: &fakeEvents{},
		hub:    delivery.NewHub(cfg.LiveWindow, cfg.GraceTimeout, log),
	}
	pool := worker.NewPool(cfg.WorkerCount, producer)
	f.orch = New(cfg, pool, f.hub, f.ledger, f.repo, f.store, f.events, log)
	return f
}

func starterAccount() *models.Account {
	return &models.Account{ID: "acct-1", Tier: models.TierStarter}
}

func (f *fixture) waitTerminal(t *testing.T, jobID string) *models.GenerationJob {
	t.Helper()
	var rec *models.GenerationJob
	require.Eventually(t, func() bool {
		var err error
		rec, err = f.repo.GetJob(context.Background(), jobID)
		return err == nil && rec.State.Terminal()
	}, 5*time.Second, 10*time.Millisecond)
	return rec
}

func TestStartRunsJobToCompletion(t *testing.T) {
	f := newFixture(t, testConfig(), generator.NewScripted("Intro. ", "Body. ", "Outro."))

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeBlogPost,
		Prompt:      "write about lighthouses",
	})
	require.NoError(t, err)
	assert.Equal(t, models.JobStateDispatched, job.State)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateCompleted, rec.State)
	assert.Equal(t, 3, rec.ChunkCount)
	assert.Equal(t, models.ArtifactStatusFinal, rec.ArtifactStatus)
	assert.NotEmpty(t, rec.ArtifactKey)
	assert.NotNil(t, rec.FinishedAt)

	saved := f.store.last(t)
	assert.Equal(t, "Intro. Body. Outro.", saved.content)
	assert.Equal(t, models.ArtifactStatusFinal, saved.status)

	f.ledger.assertSettledOnce(t)
	f.ledger.mu.Lock()
	assert.Len(t, f.ledger.committed, 1)
	assert.Empty(t, f.ledger.released)
	f.ledger.mu.Unlock()

	f.events.mu.Lock()
	require.Len(t, f.events.events, 1)
	assert.Equal(t, models.JobStateCompleted, f.events.events[0].State)
	f.events.mu.Unlock()
}

func TestStartRejectsWhenQuotaExhausted(t *testing.T) {
	f := newFixture(t, testConfig(), generator.NewScripted("x"))
	f.ledger.reserveErr = models.ErrQuotaExceeded

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeEmail,
		Prompt:      "p",
	})
	assert.ErrorIs(t, err, models.ErrQuotaExceeded)
	assert.Nil(t, job)

	// The rejected request must not hold an admission slot.
	f.ledger.reserveErr = nil
	_, err = f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeEmail,
		Prompt:      "p",
	})
	assert.NoError(t, err)
}

func TestStartFailsFastWhenPoolSaturated(t *testing.T) {
	cfg := testConfig()
	cfg.WorkerCount = 1
	cfg.DispatchWait = 50 * time.Millisecond
	f := newFixture(t, cfg, &generator.Scripted{Hang: true, FailAfter: -1})

	first, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeAdCopy,
		Prompt:      "p",
	})
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), &models.Account{ID: "acct-2", Tier: models.TierStarter}, models.GenerationParams{
		ContentType: models.ContentTypeAdCopy,
		Prompt:      "p",
	})
	assert.ErrorIs(t, err, models.ErrUnavailable)

	// The saturated attempt's reservation was returned.
	f.ledger.mu.Lock()
	assert.Len(t, f.ledger.released, 1)
	f.ledger.mu.Unlock()

	require.NoError(t, f.orch.Cancel(context.Background(), "acct-1", first.ID))
}

func TestStartEnforcesConcurrencyCap(t *testing.T) {
	cfg := testConfig()
	f := newFixture(t, cfg, &generator.Scripted{Hang: true, FailAfter: -1})
	f.ledger.concurrency = 1

	first, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeSocialPost,
		Prompt:      "p",
	})
	require.NoError(t, err)

	_, err = f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeSocialPost,
		Prompt:      "p",
	})
	assert.ErrorIs(t, err, models.ErrConcurrencyLimit)

	// A different account is unaffected.
	_, err = f.orch.Start(context.Background(), &models.Account{ID: "acct-2", Tier: models.TierStarter}, models.GenerationParams{
		ContentType: models.ContentTypeSocialPost,
		Prompt:      "p",
	})
	assert.NoError(t, err)

	require.NoError(t, f.orch.Cancel(context.Background(), "acct-1", first.ID))

	// Finishing the job frees the slot.
	require.Eventually(t, func() bool {
		_, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
			ContentType: models.ContentTypeSocialPost,
			Prompt:      "p",
		})
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
}

func TestWorkerFailurePersistsDegradedArtifact(t *testing.T) {
	f := newFixture(t, testConfig(), &generator.Scripted{
		Chunks:        []string{"S1a ", "S1b ", "S2a "},
		BoundaryEvery: 2,
		FailAfter:     3,
	})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeBlogPost,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateFailed, rec.State)
	assert.Equal(t, models.ErrorCodeWorkerFailure, rec.ErrorCode)
	assert.Equal(t, models.ArtifactStatusDegraded, rec.ArtifactStatus)

	// Only the chunks up to the last boundary survive.
	saved := f.store.last(t)
	assert.Equal(t, "S1a S1b ", saved.content)
	assert.Equal(t, models.ArtifactStatusDegraded, saved.status)

	f.ledger.assertSettledOnce(t)
	f.ledger.mu.Lock()
	assert.Empty(t, f.ledger.committed)
	f.ledger.mu.Unlock()
}

func TestFailureWithoutBoundaryLeavesNoArtifact(t *testing.T) {
	f := newFixture(t, testConfig(), &generator.Scripted{
		Chunks:    []string{"partial"},
		FailAfter: 1,
	})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeEmail,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateFailed, rec.State)
	assert.Empty(t, rec.ArtifactKey)

	f.store.mu.Lock()
	assert.Empty(t, f.store.saves)
	f.store.mu.Unlock()
}

func TestTransientFailureBeforeOutputRetriesOnce(t *testing.T) {
	f := newFixture(t, testConfig(), &flaky{
		failures: 1,
		inner:    generator.NewScripted("recovered"),
	})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeVideoScript,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateCompleted, rec.State)
	assert.Equal(t, "recovered", f.store.last(t).content)
}

func TestTransientFailureIsNotRetriedTwice(t *testing.T) {
	f := newFixture(t, testConfig(), &flaky{
		failures: 2,
		inner:    generator.NewScripted("never"),
	})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeVideoScript,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateFailed, rec.State)
	assert.Equal(t, models.ErrorCodeWorkerFailure, rec.ErrorCode)
	f.ledger.assertSettledOnce(t)
}

func TestTransientFailureAfterOutputIsNotRetried(t *testing.T) {
	f := newFixture(t, testConfig(), &generator.Scripted{
		Chunks:    []string{"seen by client"},
		FailAfter: 1,
		Transient: true,
	})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeBlogPost,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateFailed, rec.State)
	assert.Equal(t, 1, rec.ChunkCount)
}

func TestCancelSettlesRunningJob(t *testing.T) {
	f := newFixture(t, testConfig(), &generator.Scripted{
		Chunks:    []string{"a", "b"},
		FailAfter: -1,
		Hang:      true,
	})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeBlogPost,
		Prompt:      "p",
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		rec, err := f.repo.GetJob(context.Background(), job.ID)
		return err == nil && rec.State == models.JobStateStreaming
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, f.orch.Cancel(context.Background(), "acct-1", job.ID))

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateCanceled, rec.State)
	assert.Equal(t, models.ErrorCodeCanceled, rec.ErrorCode)
	f.ledger.assertSettledOnce(t)
	f.ledger.mu.Lock()
	assert.Len(t, f.ledger.released, 1)
	f.ledger.mu.Unlock()
}

func TestCancelFinishedJob(t *testing.T) {
	f := newFixture(t, testConfig(), generator.NewScripted("x"))

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeEmail,
		Prompt:      "p",
	})
	require.NoError(t, err)
	f.waitTerminal(t, job.ID)

	err = f.orch.Cancel(context.Background(), "acct-1", job.ID)
	assert.ErrorIs(t, err, models.ErrJobFinished)
}

func TestCancelUnknownJob(t *testing.T) {
	f := newFixture(t, testConfig(), generator.NewScripted("x"))
	err := f.orch.Cancel(context.Background(), "acct-1", "no-such-job")
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestCancelEnforcesOwnership(t *testing.T) {
	f := newFixture(t, testConfig(), &generator.Scripted{Hang: true, FailAfter: -1})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeEmail,
		Prompt:      "p",
	})
	require.NoError(t, err)

	err = f.orch.Cancel(context.Background(), "someone-else", job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)

	require.NoError(t, f.orch.Cancel(context.Background(), "acct-1", job.ID))
}

func TestJobTimesOut(t *testing.T) {
	cfg := testConfig()
	cfg.MaxJobDuration = 100 * time.Millisecond
	f := newFixture(t, cfg, &generator.Scripted{Hang: true, FailAfter: -1})

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeBlogPost,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateFailed, rec.State)
	assert.Equal(t, models.ErrorCodeTimeout, rec.ErrorCode)
	f.ledger.assertSettledOnce(t)
}

func TestArtifactSaveFailureFailsJob(t *testing.T) {
	f := newFixture(t, testConfig(), generator.NewScripted("content"))
	f.store.err = fmt.Errorf("bucket unreachable")

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeBlogPost,
		Prompt:      "p",
	})
	require.NoError(t, err)

	rec := f.waitTerminal(t, job.ID)
	assert.Equal(t, models.JobStateFailed, rec.State)
	assert.Equal(t, models.ErrorCodeWorkerFailure, rec.ErrorCode)
	f.ledger.assertSettledOnce(t)
	f.ledger.mu.Lock()
	assert.Empty(t, f.ledger.committed)
	f.ledger.mu.Unlock()
}

func TestGetJobEnforcesOwnership(t *testing.T) {
	f := newFixture(t, testConfig(), generator.NewScripted("x"))

	job, err := f.orch.Start(context.Background(), starterAccount(), models.GenerationParams{
		ContentType: models.ContentTypeEmail,
		Prompt:      "p",
	})
	require.NoError(t, err)
	f.waitTerminal(t, job.ID)

	got, err := f.orch.GetJob(context.Background(), "acct-1", job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, got.ID)

	_, err = f.orch.GetJob(context.Background(), "acct-2", job.ID)
	assert.ErrorIs(t, err, models.ErrJobNotFound)
}

func TestReconcilerSettlesStaleJobs(t *testing.T) {
	repo := newFakeRepo()
	ledger := newFakeLedger()
	log, err := logging.NewLogger(logging.Config{Level: "error", Format: "json", Output: "stdout"})
	require.NoError(t, err)

	old := time.Now().UTC().Add(-time.Hour)
	repo.jobs["stale-1"] = models.GenerationJob{
		ID:            "stale-1",
		AccountID:     "acct-1",
		State:         models.JobStateStreaming,
		ReservationID: "res-stale",
		UpdatedAt:     old,
	}
	repo.jobs["fresh-1"] = models.GenerationJob{
		ID:        "fresh-1",
		AccountID: "acct-1",
		State:     models.JobStateStreaming,
		UpdatedAt: time.Now().UTC(),
	}
	repo.jobs["done-1"] = models.GenerationJob{
		ID:        "done-1",
		AccountID: "acct-1",
		State:     models.JobStateCompleted,
		UpdatedAt: old,
	}

	rec := NewReconciler(repo, ledger, log, 10*time.Minute)
	settled, err := rec.Sweep(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, settled)

	swept, err := repo.GetJob(context.Background(), "stale-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateFailed, swept.State)
	assert.Equal(t, models.ErrorCodeTimeout, swept.ErrorCode)
	assert.Equal(t, 1, ledger.released["res-stale"])

	untouched, err := repo.GetJob(context.Background(), "fresh-1")
	require.NoError(t, err)
	assert.Equal(t, models.JobStateStreaming, untouched.State)
}

func TestTransitionTable(t *testing.T) {
	assert.True(t, canTransition(models.JobStateRequested, models.JobStateReserved))
	assert.True(t, canTransition(models.JobStateStreaming, models.JobStateCompleted))
	assert.False(t, canTransition(models.JobStateCompleted, models.JobStateStreaming))
	assert.False(t, canTransition(models.JobStateCanceled, models.JobStateFailed))
	assert.False(t, canTransition(models.JobStateRequested, models.JobStateStreaming))
}
