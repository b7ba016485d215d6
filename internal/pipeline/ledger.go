package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/sitecorpus/internal/corpus"
	"github.com/JakeFAU/sitecorpus/internal/metrics"
)

// Ledger opens and seals job records.
type Ledger struct {
	jobs    corpus.JobStore
	clock   corpus.Clock
	ids     corpus.IDGenerator
	logger  *zap.Logger
	metrics *metrics.Metrics
}

// NewLedger builds a Ledger. m may be nil.
func NewLedger(jobs corpus.JobStore, clock corpus.Clock, ids corpus.IDGenerator, logger *zap.Logger, m *metrics.Metrics) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Ledger{jobs: jobs, clock: clock, ids: ids, logger: logger.Named("jobs"), metrics: m}
}

// NewID returns a fresh job ID.
func (l *Ledger) NewID() (string, error) {
	id, err := l.ids.NewID()
	if err != nil {
		return "", fmt.Errorf("job id: %w", err)
	}
	return id, nil
}

// Open persists job as running. An empty ID is generated.
func (l *Ledger) Open(ctx context.Context, job corpus.Job) (*corpus.Job, error) {
	if job.ID == "" {
		id, err := l.NewID()
		if err != nil {
			return nil, err
		}
		job.ID = id
	}
	job.Status = corpus.JobStatusRunning
	job.StartedAt = l.clock.Now()
	job.FinishedAt = nil
	if err := l.jobs.CreateJob(ctx, job); err != nil {
		return nil, fmt.Errorf("create job: %w", err)
	}
	l.logger.Info("job started",
		zap.String("job_id", job.ID),
		zap.String("website_id", job.WebsiteID),
		zap.String("type", string(job.Type)),
		zap.String("mode", string(job.Mode)),
	)
	return &job, nil
}

// Seal marks job terminal and persists it. Sealed jobs are left alone. The
// write outlives ctx cancellation so a canceled run still gets sealed.
func (l *Ledger) Seal(ctx context.Context, job *corpus.Job, status corpus.JobStatus) error {
	if job.Status.Terminal() {
		return nil
	}
	job.Seal(status, l.clock.Now())
	if err := l.jobs.UpdateJob(context.WithoutCancel(ctx), *job); err != nil {
		return fmt.Errorf("seal job %s: %w", job.ID, err)
	}
	l.metrics.ObserveJob(string(job.Type), string(status))
	l.logger.Info("job sealed",
		zap.String("job_id", job.ID),
		zap.String("website_id", job.WebsiteID),
		zap.String("status", string(status)),
		zap.Int("discovered", job.Discovered),
		zap.Int("updated", job.Updated),
		zap.Int("deleted", job.Deleted),
		zap.Int("errored", job.Errored),
	)
	return nil
}

// Finish is deferred by every run: it seals the job failed when *runErr is
// set or the run panicked, and completed otherwise. A panic is re-raised
// after sealing.
func (l *Ledger) Finish(ctx context.Context, job *corpus.Job, runErr *error) {
	rec := recover()
	status := corpus.JobStatusCompleted
	if rec != nil || (runErr != nil && *runErr != nil) {
		status = corpus.JobStatusFailed
	}
	if rec != nil {
		job.AddError("", "panic", fmt.Errorf("%v", rec), l.clock.Now())
	}
	if err := l.Seal(ctx, job, status); err != nil {
		l.logger.Error("job seal failed", zap.String("job_id", job.ID), zap.Error(err))
	}
	if rec != nil {
		panic(rec)
	}
}
