package orchestrator

import (
	"context"
	"time"

	"github.com/copyforge/pipeline/internal/logging"
	"github.com/copyforge/pipeline/internal/metrics"
	"github.com/copyforge/pipeline/pkg/models"
)

// StaleLister extends the repository with the stale-job scan.
type StaleLister interface {
	ListStaleJobs(ctx context.Context, cutoff time.Time, limit int) ([]*models.GenerationJob, error)
	UpdateJob(ctx context.Context, job *models.GenerationJob) error
}

// Reconciler sweeps jobs that were left non-terminal by a crashed instance:
// it fails them and releases their reservations so the quota they held is
// returned. Reservation settlement is idempotent, so sweeping a job whose
// owner is still settling it is harmless.
type Reconciler struct {
	repo       StaleLister
	ledger     Ledger
	log        *logging.Logger
	staleAfter time.Duration
	batchSize  int

	NowFunc func() time.Time
}

func NewReconciler(repo StaleLister, ledger Ledger, log *logging.Logger, staleAfter time.Duration) *Reconciler {
	return &Reconciler{
		repo:       repo,
		ledger:     ledger,
		log:        log,
		staleAfter: staleAfter,
		batchSize:  100,
		NowFunc:    time.Now,
	}
}

// Sweep runs one reconciliation pass and returns how many jobs it settled.
func (r *Reconciler) Sweep(ctx context.Context) (int, error) {
	cutoff := r.NowFunc().UTC().Add(-r.staleAfter)
	jobs, err := r.repo.ListStaleJobs(ctx, cutoff, r.batchSize)
	if err != nil {
		return 0, err
	}

	settled := 0
	for _, job := range jobs {
		log := r.log.WithJobID(job.ID).WithAccountID(job.AccountID)

		if job.ReservationID != "" {
			if err := r.ledger.Release(ctx, job.ReservationID); err != nil {
				log.WithError(err).Error("Failed to release stale reservation")
				continue
			}
			metrics.QuotaReservations.WithLabelValues("released").Inc()
		}

		job.State = models.JobStateFailed
		job.ErrorCode = models.ErrorCodeTimeout
		job.ErrorMsg = "job abandoned by its worker"
		now := r.NowFunc().UTC()
		job.FinishedAt = &now
		job.UpdatedAt = now

		if err := r.repo.UpdateJob(ctx, job); err != nil {
			log.WithError(err).Error("Failed to settle stale job")
			continue
		}
		log.Warn("Reconciled stale job")
		settled++
	}
	return settled, nil
}

// Run sweeps on the given interval until the context is canceled.
func (r *Reconciler) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.Sweep(ctx); err != nil {
				r.log.WithError(err).Error("Reconciliation sweep failed")
			}
		}
	}
}
