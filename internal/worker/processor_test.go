package worker

import (
	"context"
	"errors"
	"testing"
	"time"

	"go.uber.org/zap"

	"knowledge-pipeline/internal/config"
	"knowledge-pipeline/internal/models"
)

type fakeBroker struct {
	acks      []string
	scheduled []string
	dlq       []string
	extended  []string
}

func (b *fakeBroker) DequeueWithLease(ctx context.Context, kind string) (string, error) {
	return "", nil
}
func (b *fakeBroker) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	b.extended = append(b.extended, jobID)
	return nil
}
func (b *fakeBroker) Schedule(ctx context.Context, jobID, kind string, runAt time.Time) error {
	b.scheduled = append(b.scheduled, jobID)
	return nil
}
func (b *fakeBroker) Ack(ctx context.Context, jobID string) error {
	b.acks = append(b.acks, jobID)
	return nil
}
func (b *fakeBroker) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	return 0, nil
}
func (b *fakeBroker) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return nil, nil
}
func (b *fakeBroker) DLQPush(ctx context.Context, jobID string) error {
	b.dlq = append(b.dlq, jobID)
	return nil
}
func (b *fakeBroker) ReadyDepth(ctx context.Context) (int64, error) { return 0, nil }

type fakeJobStore struct {
	jobs map[string]*models.Job
}

func (s *fakeJobStore) GetJob(ctx context.Context, id string) (models.Job, error) {
	j, ok := s.jobs[id]
	if !ok {
		return models.Job{}, errors.New("not found")
	}
	return *j, nil
}
func (s *fakeJobStore) MarkJobInProgress(ctx context.Context, id string, attempts int) error {
	s.jobs[id].Status = models.StatusInProgress
	s.jobs[id].Attempts = attempts
	return nil
}
func (s *fakeJobStore) MarkJobSucceeded(ctx context.Context, id string) error {
	s.jobs[id].Status = models.StatusSucceeded
	return nil
}
func (s *fakeJobStore) RescheduleJob(ctx context.Context, id string, attempts int, nextRun time.Time, lastErr string) error {
	j := s.jobs[id]
	j.Status = models.StatusQueued
	j.Attempts = attempts
	j.LastError = &lastErr
	return nil
}
func (s *fakeJobStore) MarkJobDeadLetter(ctx context.Context, id string, lastError string) error {
	j := s.jobs[id]
	j.Status = models.StatusDeadLetter
	j.LastError = &lastError
	return nil
}

func newTestProcessor(st *fakeJobStore, broker *fakeBroker) *Processor {
	cfg := config.Config{
		BackoffBase:        time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		WorkerPollInterval: time.Millisecond,
		ScheduledBatchSize: 10,
	}
	return NewProcessor(cfg, broker, st, zap.NewNop())
}

func TestTransientFailuresThenSuccess(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	st := &fakeJobStore{jobs: map[string]*models.Job{
		"job-1": {ID: "job-1", Kind: models.KindContentGeneration, Status: models.StatusQueued, MaxAttempts: 3},
	}}
	p := newTestProcessor(st, broker)

	calls := 0
	handler := func(ctx context.Context, job models.Job) error {
		calls++
		if calls < 3 {
			return errors.New("provider unavailable")
		}
		return nil
	}

	for i := 0; i < 3; i++ {
		p.processOne(ctx, models.KindContentGeneration, "job-1", handler)
	}

	job := st.jobs["job-1"]
	if job.Status != models.StatusSucceeded {
		t.Fatalf("status %q want %q", job.Status, models.StatusSucceeded)
	}
	if job.Attempts != 3 {
		t.Fatalf("attempts %d want 3", job.Attempts)
	}
	if len(broker.scheduled) != 2 {
		t.Fatalf("scheduled %d retries want 2", len(broker.scheduled))
	}
	if len(broker.dlq) != 0 {
		t.Fatalf("unexpected dead-letter: %v", broker.dlq)
	}
}

func TestAttemptsExhaustedDeadLetters(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	st := &fakeJobStore{jobs: map[string]*models.Job{
		"job-1": {ID: "job-1", Kind: models.KindContentGeneration, Status: models.StatusQueued, MaxAttempts: 3},
	}}
	p := newTestProcessor(st, broker)

	handler := func(ctx context.Context, job models.Job) error {
		return errors.New("still broken")
	}
	for i := 0; i < 3; i++ {
		p.processOne(ctx, models.KindContentGeneration, "job-1", handler)
	}

	job := st.jobs["job-1"]
	if job.Status != models.StatusDeadLetter {
		t.Fatalf("status %q want %q", job.Status, models.StatusDeadLetter)
	}
	if len(broker.dlq) != 1 || broker.dlq[0] != "job-1" {
		t.Fatalf("dlq %v want [job-1]", broker.dlq)
	}
	if len(broker.scheduled) != 2 {
		t.Fatalf("scheduled %d retries want 2", len(broker.scheduled))
	}
}

func TestPermanentErrorSkipsRetries(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	st := &fakeJobStore{jobs: map[string]*models.Job{
		"job-1": {ID: "job-1", Kind: models.KindNFTMinting, Status: models.StatusQueued, MaxAttempts: 3},
	}}
	p := newTestProcessor(st, broker)

	handler := func(ctx context.Context, job models.Job) error {
		return Permanent(errors.New("user has no wallet address connected"))
	}
	p.processOne(ctx, models.KindNFTMinting, "job-1", handler)

	job := st.jobs["job-1"]
	if job.Status != models.StatusDeadLetter {
		t.Fatalf("status %q want %q", job.Status, models.StatusDeadLetter)
	}
	if job.Attempts != 1 {
		t.Fatalf("attempts %d want 1", job.Attempts)
	}
	if len(broker.scheduled) != 0 {
		t.Fatalf("permanent error scheduled a retry: %v", broker.scheduled)
	}
}

func TestMissingJobIsDropped(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	st := &fakeJobStore{jobs: map[string]*models.Job{}}
	p := newTestProcessor(st, broker)

	called := false
	p.processOne(ctx, models.KindNotification, "ghost", func(ctx context.Context, job models.Job) error {
		called = true
		return nil
	})
	if called {
		t.Fatalf("handler ran for missing job")
	}
	if len(broker.acks) != 1 {
		t.Fatalf("missing job not acked")
	}
}

func TestLeaseHeartbeatExtendsLongRuns(t *testing.T) {
	ctx := context.Background()
	broker := &fakeBroker{}
	st := &fakeJobStore{jobs: map[string]*models.Job{
		"job-1": {ID: "job-1", Kind: models.KindNFTMinting, Status: models.StatusQueued, MaxAttempts: 3},
	}}
	cfg := config.Config{
		BackoffBase:        time.Millisecond,
		BackoffMax:         10 * time.Millisecond,
		WorkerPollInterval: time.Millisecond,
		VisibilityTimeout:  20 * time.Millisecond,
	}
	p := NewProcessor(cfg, broker, st, zap.NewNop())

	p.processOne(ctx, models.KindNFTMinting, "job-1", func(ctx context.Context, job models.Job) error {
		time.Sleep(60 * time.Millisecond)
		return nil
	})

	if len(broker.extended) == 0 {
		t.Fatalf("lease never extended during a run longer than the visibility timeout")
	}
	for _, id := range broker.extended {
		if id != "job-1" {
			t.Fatalf("extended unexpected job %q", id)
		}
	}
}

func TestBackoffWithJitter(t *testing.T) {
	base := time.Second
	max := 8 * time.Second

	b1 := backoffWithJitter(base, max, 1)
	if b1 < base/2 || b1 > max {
		t.Fatalf("backoff out of range: %s", b1)
	}

	b3 := backoffWithJitter(base, max, 3)
	if b3 < base || b3 > max {
		t.Fatalf("backoff out of range for attempt 3: %s", b3)
	}

	b10 := backoffWithJitter(base, max, 10)
	if b10 > max {
		t.Fatalf("backoff exceeded cap: %s", b10)
	}
}
