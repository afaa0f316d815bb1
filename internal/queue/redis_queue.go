package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"knowledge-pipeline/internal/config"
	"knowledge-pipeline/internal/models"
)

// RedisQueue coordinates per-kind ready queues plus shared scheduled and
// in-flight sets in Redis. Delivery is at-least-once: a job leased past its
// visibility deadline is re-queued and may therefore be handled twice.
type RedisQueue struct {
	client        *redis.Client
	kinds         []string
	inflightKey   string
	scheduledKey  string
	jobMetaPrefix string
	visibilityTTL time.Duration
	dlqKey        string
	log           *zap.Logger
}

// Kinds returns the default set of pipeline job kinds.
func Kinds() []string {
	return []string{
		models.KindContentGeneration,
		models.KindImageGeneration,
		models.KindNFTMinting,
		models.KindNotification,
	}
}

// NewRedisQueue builds a queue from an injected Redis client.
func NewRedisQueue(client *redis.Client, cfg config.Config, log *zap.Logger) *RedisQueue {
	visibility := cfg.VisibilityTimeout
	if visibility == 0 {
		visibility = 30 * time.Second
	}
	dlq := cfg.DLQName
	if dlq == "" {
		dlq = "queue:dlq"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &RedisQueue{
		client:        client,
		kinds:         Kinds(),
		inflightKey:   "queue:inflight",
		scheduledKey:  "queue:scheduled",
		jobMetaPrefix: "queue:jobmeta:",
		visibilityTTL: visibility,
		dlqKey:        dlq,
		log:           log,
	}
}

func (q *RedisQueue) readyKey(kind string) string {
	return fmt.Sprintf("queue:ready:%s", kind)
}

func (q *RedisQueue) metaKey(jobID string) string {
	return q.jobMetaPrefix + jobID
}

// Enqueue durably inserts a job for later delivery and returns immediately.
// A future runAt lands in the scheduled set instead of the ready queue.
func (q *RedisQueue) Enqueue(ctx context.Context, jobID, kind string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "kind", kind)
	if runAt.After(time.Now()) {
		pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	} else {
		pipe.RPush(ctx, q.readyKey(kind), jobID)
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Schedule moves a job into the scheduled set for deferred redelivery.
func (q *RedisQueue) Schedule(ctx context.Context, jobID, kind string, runAt time.Time) error {
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, q.metaKey(jobID), "kind", kind)
	pipe.ZAdd(ctx, q.scheduledKey, redis.Z{Score: float64(runAt.UnixMilli()), Member: jobID})
	_, err := pipe.Exec(ctx)
	return err
}

// PromoteScheduled moves due scheduled jobs into their ready queues.
func (q *RedisQueue) PromoteScheduled(ctx context.Context, now time.Time, limit int64) (int, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.scheduledKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.scheduledKey, id)
		kind, ok := q.kindFor(ctx, id)
		if !ok {
			// A job without a meta record cannot be routed to a
			// handler. Park it in the DLQ instead of guessing a kind.
			q.log.Warn("scheduled job missing kind meta, dead-lettering", zap.String("job_id", id))
			pipe.RPush(ctx, q.dlqKey, id)
			continue
		}
		pipe.RPush(ctx, q.readyKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// DequeueWithLease pops a job from the given kind's ready queue and places
// it into the in-flight set with a visibility deadline. The broker hands
// each delivery to exactly one worker.
func (q *RedisQueue) DequeueWithLease(ctx context.Context, kind string) (string, error) {
	keys := []string{q.readyKey(kind), q.inflightKey}
	res, err := dequeueScript.Run(ctx, q.client, keys, time.Now().Add(q.visibilityTTL).UnixMilli()).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	jobID, ok := res.(string)
	if !ok {
		return "", fmt.Errorf("unexpected type from dequeue script: %T", res)
	}
	return jobID, nil
}

// ExtendLease pushes the visibility deadline forward for an in-flight job.
func (q *RedisQueue) ExtendLease(ctx context.Context, jobID string, extension time.Duration) error {
	return q.client.ZAdd(ctx, q.inflightKey, redis.Z{
		Score:  float64(time.Now().Add(extension).UnixMilli()),
		Member: jobID,
	}).Err()
}

// Ack removes a job from in-flight tracking and its meta record.
func (q *RedisQueue) Ack(ctx context.Context, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.ZRem(ctx, q.inflightKey, jobID)
	pipe.Del(ctx, q.metaKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// RequeueExpired reclaims leases that timed out, re-enqueuing the jobs.
func (q *RedisQueue) RequeueExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	ids, err := q.client.ZRangeByScore(ctx, q.inflightKey, &redis.ZRangeBy{
		Min:    "-inf",
		Max:    fmt.Sprintf("%d", now.UnixMilli()),
		Offset: 0,
		Count:  limit,
	}).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := q.client.TxPipeline()
	for _, id := range ids {
		pipe.ZRem(ctx, q.inflightKey, id)
		kind, ok := q.kindFor(ctx, id)
		if !ok {
			q.log.Warn("expired job missing kind meta, dead-lettering", zap.String("job_id", id))
			pipe.RPush(ctx, q.dlqKey, id)
			continue
		}
		pipe.RPush(ctx, q.readyKey(kind), id)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, err
	}
	return ids, nil
}

// DLQPush appends to the dead-letter list for operational inspection.
func (q *RedisQueue) DLQPush(ctx context.Context, jobID string) error {
	return q.client.RPush(ctx, q.dlqKey, jobID).Err()
}

// DLQPeek reads the oldest dead-lettered job IDs.
func (q *RedisQueue) DLQPeek(ctx context.Context, count int64) ([]string, error) {
	return q.client.LRange(ctx, q.dlqKey, 0, count-1).Result()
}

// ReadyDepth returns the total length of all ready queues.
func (q *RedisQueue) ReadyDepth(ctx context.Context) (int64, error) {
	pipe := q.client.Pipeline()
	cmds := make([]*redis.IntCmd, 0, len(q.kinds))
	for _, k := range q.kinds {
		cmds = append(cmds, pipe.LLen(ctx, q.readyKey(k)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	var total int64
	for _, c := range cmds {
		total += c.Val()
	}
	return total, nil
}

func (q *RedisQueue) kindFor(ctx context.Context, jobID string) (string, bool) {
	kind, err := q.client.HGet(ctx, q.metaKey(jobID), "kind").Result()
	if err != nil || kind == "" {
		return "", false
	}
	return kind, true
}

var dequeueScript = redis.NewScript(`
local ready = KEYS[1]
local inflight = KEYS[2]
local job = redis.call('LPOP', ready)
if job then
  redis.call('ZADD', inflight, ARGV[1], job)
  return job
end
return nil
`)
