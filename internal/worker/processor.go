package worker

import (
	"context"
	"errors"
	"math"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/config"
	"knowledge-pipeline/internal/models"
	"knowledge-pipeline/internal/telemetry"
)

// Handler executes one delivery of a job. Delivery is at-least-once, so
// handlers must be safe to re-run: they check persisted state before taking
// externally visible actions.
type Handler func(ctx context.Context, job models.Job) error

// Broker is the queue surface the processor drives.
type Broker interface {
	DequeueWithLease(ctx context.Context, kind string) (string, error)
	ExtendLease(ctx context.Context, jobID string, extension time.Duration) error
	Schedule(ctx context.Context, jobID, kind string, runAt time.Time) error
	Ack(ctx context.Context, jobID string) error
	PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error)
	RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
	DLQPush(ctx context.Context, jobID string) error
	ReadyDepth(ctx context.Context) (int64, error)
}

// JobStore is the broker-bookkeeping surface the processor writes.
type JobStore interface {
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkJobInProgress(ctx context.Context, id string, attempts int) error
	MarkJobSucceeded(ctx context.Context, id string) error
	RescheduleJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error
	MarkJobDeadLetter(ctx context.Context, id string, lastError string) error
}

// PermanentError wraps a failure retries cannot fix (bad input, missing
// wallet). The processor dead-letters the job immediately.
type PermanentError struct {
	Err error
}

func (e *PermanentError) Error() string { return "permanent: " + e.Err.Error() }
func (e *PermanentError) Unwrap() error { return e.Err }

// Permanent marks err as non-retryable.
func Permanent(err error) error {
	return &PermanentError{Err: err}
}

func isPermanent(err error) bool {
	var pe *PermanentError
	return errors.As(err, &pe)
}

type registration struct {
	handler     Handler
	concurrency int
}

// Processor runs a bounded worker pool per job kind.
type Processor struct {
	cfg      config.Config
	broker   Broker
	store    JobStore
	log      *zap.Logger
	handlers map[string]registration
}

func NewProcessor(cfg config.Config, broker Broker, st JobStore, log *zap.Logger) *Processor {
	return &Processor{
		cfg:      cfg,
		broker:   broker,
		store:    st,
		log:      log,
		handlers: make(map[string]registration),
	}
}

// RegisterHandler binds a handler to a job kind with a concurrency bound.
func (p *Processor) RegisterHandler(kind string, handler Handler, concurrency int) {
	if kind == "" || handler == nil {
		return
	}
	if concurrency <= 0 {
		concurrency = 1
	}
	p.handlers[kind] = registration{handler: handler, concurrency: concurrency}
}

// Run starts the housekeeping loop and the per-kind worker pools, blocking
// until the context is cancelled.
func (p *Processor) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.housekeeping(ctx)
	}()

	for kind, reg := range p.handlers {
		for i := 0; i < reg.concurrency; i++ {
			wg.Add(1)
			go func(kind string, handler Handler) {
				defer wg.Done()
				p.workLoop(ctx, kind, handler)
			}(kind, reg.handler)
		}
	}

	wg.Wait()
	return ctx.Err()
}

// housekeeping promotes due scheduled jobs, reclaims expired leases, and
// reports queue depth.
func (p *Processor) housekeeping(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		if _, err := p.broker.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ScheduledBatchSize)); err != nil {
			p.log.Warn("promote scheduled", zap.Error(err))
		}
		if reclaimed, err := p.broker.RequeueExpired(ctx, time.Now(), 100); err != nil {
			p.log.Warn("requeue expired", zap.Error(err))
		} else if len(reclaimed) > 0 {
			p.log.Info("reclaimed expired leases", zap.Int("count", len(reclaimed)))
		}
		if depth, err := p.broker.ReadyDepth(ctx); err == nil {
			telemetry.QueueDepthGauge.Set(float64(depth))
		}
	}
}

func (p *Processor) workLoop(ctx context.Context, kind string, handler Handler) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.broker.DequeueWithLease(ctx, kind)
		if err != nil || jobID == "" {
			select {
			case <-ctx.Done():
				return
			case <-time.After(p.cfg.WorkerPollInterval):
			}
			continue
		}

		p.processOne(ctx, kind, jobID, handler)
	}
}

func (p *Processor) processOne(ctx context.Context, kind, jobID string, handler Handler) {
	log := p.log.With(zap.String("kind", kind), zap.String("job_id", jobID))

	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Broker knows an id the store does not; drop the delivery.
		log.Warn("job missing from store", zap.Error(err))
		_ = p.broker.Ack(ctx, jobID)
		return
	}

	attempts := job.Attempts + 1
	job.Attempts = attempts
	_ = p.store.MarkJobInProgress(ctx, job.ID, attempts)
	telemetry.InFlightGauge.Inc()
	defer telemetry.InFlightGauge.Dec()

	stopHeartbeat := p.startLeaseHeartbeat(ctx, job.ID)
	err = handler(ctx, job)
	stopHeartbeat()
	if err == nil {
		_ = p.broker.Ack(ctx, job.ID)
		_ = p.store.MarkJobSucceeded(ctx, job.ID)
		telemetry.JobsCompleted.WithLabelValues(kind).Inc()
		log.Info("job completed", zap.Int("attempts", attempts))
		return
	}

	if isPermanent(err) || attempts >= job.MaxAttempts {
		_ = p.store.MarkJobDeadLetter(ctx, job.ID, err.Error())
		_ = p.broker.Ack(ctx, job.ID)
		_ = p.broker.DLQPush(ctx, job.ID)
		telemetry.JobsDeadLetter.WithLabelValues(kind).Inc()
		log.Error("job dead-lettered", zap.Int("attempts", attempts), zap.Error(err))
		return
	}

	backoff := backoffWithJitter(p.cfg.BackoffBase, p.cfg.BackoffMax, attempts)
	nextRun := time.Now().Add(backoff)
	_ = p.store.RescheduleJob(ctx, job.ID, attempts, nextRun, err.Error())
	_ = p.broker.Ack(ctx, job.ID)
	_ = p.broker.Schedule(ctx, job.ID, kind, nextRun)
	telemetry.JobsFailed.WithLabelValues(kind).Inc()
	log.Warn("job retry scheduled",
		zap.Int("attempts", attempts),
		zap.Duration("backoff", backoff),
		zap.Error(err))
}

// startLeaseHeartbeat extends the visibility lease while a handler runs.
// Generation calls and the mint confirmation wait can outlast the lease;
// without the heartbeat an expired lease would trigger a concurrent
// redelivery of a job that is still in progress.
func (p *Processor) startLeaseHeartbeat(ctx context.Context, jobID string) func() {
	interval := p.cfg.VisibilityTimeout / 2
	if interval <= 0 {
		return func() {}
	}

	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.broker.ExtendLease(ctx, jobID, p.cfg.VisibilityTimeout); err != nil {
					p.log.Warn("extend lease", zap.String("job_id", jobID), zap.Error(err))
				}
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// backoffWithJitter computes base*2^(attempt-1) capped at max, with the top
// half randomized to spread retries.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait/2) + 1))
	return wait/2 + jitter
}
