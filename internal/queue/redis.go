package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/frahmantamala/storefront-payments/internal"
)

// KEYS: job, waiting, delayed. ARGV: job json, id, available-at ms or "".
var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX') then
  return 0
end
if ARGV[3] ~= '' then
  redis.call('ZADD', KEYS[3], ARGV[3], ARGV[2])
else
  redis.call('RPUSH', KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: waiting, delayed, active, owners. ARGV: now ms, lease deadline ms, owner.
var reserveScript = redis.NewScript(`
local due = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1], 'LIMIT', 0, 100)
for _, id in ipairs(due) do
  redis.call('ZREM', KEYS[2], id)
  redis.call('RPUSH', KEYS[1], id)
end
local id = redis.call('LPOP', KEYS[1])
if not id then
  return false
end
redis.call('ZADD', KEYS[3], ARGV[2], id)
redis.call('HSET', KEYS[4], id, ARGV[3])
return id
`)

// KEYS: active, owners, completed, job. ARGV: id, owner, job json, keep, job key prefix.
var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SET', KEYS[4], ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[1])
local keep = tonumber(ARGV[4])
if keep > 0 then
  local stale = redis.call('LRANGE', KEYS[3], keep, -1)
  for _, old in ipairs(stale) do
    redis.call('DEL', ARGV[5] .. old)
  end
  redis.call('LTRIM', KEYS[3], 0, keep - 1)
end
return 1
`)

// KEYS: active, owners, failed, delayed, job. ARGV: id, owner, job json, keep, job key prefix, retry-at ms or "".
var failScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SET', KEYS[5], ARGV[3])
if ARGV[6] ~= '' then
  redis.call('ZADD', KEYS[4], ARGV[6], ARGV[1])
  return 1
end
redis.call('LPUSH', KEYS[3], ARGV[1])
local keep = tonumber(ARGV[4])
if keep > 0 then
  local stale = redis.call('LRANGE', KEYS[3], keep, -1)
  for _, old in ipairs(stale) do
    redis.call('DEL', ARGV[5] .. old)
  end
  redis.call('LTRIM', KEYS[3], 0, keep - 1)
end
return 1
`)

// KEYS: active, owners, waiting, job. ARGV: id, owner, job json.
var releaseScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
redis.call('SET', KEYS[4], ARGV[3])
redis.call('LPUSH', KEYS[3], ARGV[1])
return 1
`)

// KEYS: active, owners, waiting. ARGV: now ms.
var reclaimScript = redis.NewScript(`
local stalled = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1])
for _, id in ipairs(stalled) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[2], id)
  redis.call('RPUSH', KEYS[3], id)
end
return stalled
`)

// KEYS: failed, waiting, job. ARGV: id, job json.
var retryScript = redis.NewScript(`
if redis.call('LREM', KEYS[1], 0, ARGV[1]) == 0 then
  return 0
end
redis.call('SET', KEYS[3], ARGV[2])
redis.call('RPUSH', KEYS[2], ARGV[1])
return 1
`)

// RedisBroker persists jobs in Redis. Job records are JSON strings; per-queue
// lists and sorted sets hold ids, and every state move runs as one Lua script.
type RedisBroker struct {
	client redis.UniversalClient
	prefix string
	now    func() time.Time
	logger *slog.Logger
}

type RedisOption func(*RedisBroker)

func WithRedisClock(now func() time.Time) RedisOption {
	return func(b *RedisBroker) {
		b.now = now
	}
}

func NewRedisBroker(client redis.UniversalClient, prefix string, logger *slog.Logger, opts ...RedisOption) *RedisBroker {
	if prefix == "" {
		prefix = "storefront"
	}
	b := &RedisBroker{
		client: client,
		prefix: prefix,
		now:    time.Now,
		logger: logger,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

func (b *RedisBroker) jobPrefix() string {
	return b.prefix + ":job:"
}

func (b *RedisBroker) jobKey(id string) string {
	return b.jobPrefix() + id
}

func (b *RedisBroker) key(queue, list string) string {
	return fmt.Sprintf("%s:queue:%s:%s", b.prefix, queue, list)
}

func millis(t time.Time) string {
	return strconv.FormatInt(t.UnixMilli(), 10)
}

func (b *RedisBroker) Enqueue(ctx context.Context, job *Job) error {
	if job.AvailableAt.After(b.now()) {
		job.State = StateDelayed
	} else {
		job.State = StateWaiting
	}
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	availableAt := ""
	if job.State == StateDelayed {
		availableAt = millis(job.AvailableAt)
	}
	keys := []string{b.jobKey(job.ID), b.key(job.Queue, "waiting"), b.key(job.Queue, "delayed")}
	n, err := enqueueScript.Run(ctx, b.client, keys, data, job.ID, availableAt).Int()
	if err != nil {
		return fmt.Errorf("enqueue job %s: %w", job.ID, err)
	}
	if n == 0 {
		return ErrDuplicate
	}
	return nil
}

func (b *RedisBroker) Reserve(ctx context.Context, queue, owner string, lease time.Duration) (*Job, error) {
	for {
		now := b.now()
		id, err := reserveScript.Run(ctx, b.client,
			[]string{b.key(queue, "waiting"), b.key(queue, "delayed"), b.key(queue, "active"), b.key(queue, "owners")},
			millis(now), millis(now.Add(lease)), owner,
		).Text()
		if errors.Is(err, redis.Nil) {
			return nil, ErrNoJob
		}
		if err != nil {
			return nil, fmt.Errorf("reserve from %s: %w", queue, err)
		}

		job, err := b.Get(ctx, id)
		if errors.Is(err, internal.ErrJobNotFound) {
			b.client.ZRem(ctx, b.key(queue, "active"), id)
			b.client.HDel(ctx, b.key(queue, "owners"), id)
			continue
		}
		if err != nil {
			return nil, err
		}

		job.Owner = owner
		if job.MaxAttempts > 0 && job.Attempts >= job.MaxAttempts {
			// reclaimed after its final attempt
			if err := b.Fail(ctx, job, stalledLimitMessage, nil, 0); err != nil {
				return nil, err
			}
			continue
		}

		leaseUntil := now.Add(lease)
		started := now
		job.Attempts++
		job.State = StateActive
		job.StartedAt = &started
		job.LeaseUntil = &leaseUntil
		job.FinishedAt = nil
		data, err := json.Marshal(job)
		if err != nil {
			return nil, err
		}
		if err := b.client.Set(ctx, b.jobKey(job.ID), data, 0).Err(); err != nil {
			return nil, fmt.Errorf("store reserved job %s: %w", job.ID, err)
		}
		return job, nil
	}
}

func (b *RedisBroker) Complete(ctx context.Context, job *Job, keep int) error {
	now := b.now()
	done := job.clone()
	done.State = StateCompleted
	done.FinishedAt = &now
	done.LeaseUntil = nil
	owner := done.Owner
	done.Owner = ""
	data, err := json.Marshal(done)
	if err != nil {
		return err
	}

	ok, err := completeScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.key(job.Queue, "owners"), b.key(job.Queue, "completed"), b.jobKey(job.ID)},
		job.ID, owner, data, keep, b.jobPrefix(),
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	*job = *done
	return nil
}

func (b *RedisBroker) Fail(ctx context.Context, job *Job, cause string, retryAt *time.Time, keep int) error {
	failed := job.clone()
	owner := failed.Owner
	failed.Owner = ""
	failed.LastError = cause
	failed.LeaseUntil = nil
	retryArg := ""
	if retryAt != nil {
		failed.State = StateDelayed
		failed.AvailableAt = *retryAt
		retryArg = millis(*retryAt)
	} else {
		now := b.now()
		failed.State = StateFailed
		failed.FinishedAt = &now
	}
	data, err := json.Marshal(failed)
	if err != nil {
		return err
	}

	ok, err := failScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.key(job.Queue, "owners"), b.key(job.Queue, "failed"), b.key(job.Queue, "delayed"), b.jobKey(job.ID)},
		job.ID, owner, data, keep, b.jobPrefix(), retryArg,
	).Int()
	if err != nil {
		return fmt.Errorf("fail job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	*job = *failed
	return nil
}

func (b *RedisBroker) Release(ctx context.Context, job *Job) error {
	released := job.clone()
	owner := released.Owner
	released.Owner = ""
	released.State = StateWaiting
	released.LeaseUntil = nil
	released.StartedAt = nil
	if released.Attempts > 0 {
		released.Attempts--
	}
	data, err := json.Marshal(released)
	if err != nil {
		return err
	}

	ok, err := releaseScript.Run(ctx, b.client,
		[]string{b.key(job.Queue, "active"), b.key(job.Queue, "owners"), b.key(job.Queue, "waiting"), b.jobKey(job.ID)},
		job.ID, owner, data,
	).Int()
	if err != nil {
		return fmt.Errorf("release job %s: %w", job.ID, err)
	}
	if ok == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (b *RedisBroker) ReclaimStalled(ctx context.Context, queue string) (int, error) {
	res, err := reclaimScript.Run(ctx, b.client,
		[]string{b.key(queue, "active"), b.key(queue, "owners"), b.key(queue, "waiting")},
		millis(b.now()),
	).Slice()
	if err != nil {
		return 0, fmt.Errorf("reclaim stalled in %s: %w", queue, err)
	}

	for _, raw := range res {
		id, _ := raw.(string)
		job, err := b.Get(ctx, id)
		if err != nil {
			continue
		}
		job.State = StateWaiting
		job.Owner = ""
		job.LeaseUntil = nil
		data, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := b.client.Set(ctx, b.jobKey(id), data, 0).Err(); err != nil {
			b.logger.Warn("failed to mark reclaimed job", "queue", queue, "job_id", id, "error", err)
		}
	}
	return len(res), nil
}

func (b *RedisBroker) Get(ctx context.Context, id string) (*Job, error) {
	data, err := b.client.Get(ctx, b.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, internal.ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}
	return &job, nil
}

func (b *RedisBroker) List(ctx context.Context, queue string, state State, limit int) ([]*Job, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	var ids []string
	var err error
	switch state {
	case StateWaiting, StateCompleted, StateFailed:
		ids, err = b.client.LRange(ctx, b.key(queue, string(state)), 0, stop).Result()
	case StateDelayed, StateActive:
		ids, err = b.client.ZRange(ctx, b.key(queue, string(state)), 0, stop).Result()
	default:
		return nil, fmt.Errorf("cannot list jobs in state %q", state)
	}
	if err != nil {
		return nil, fmt.Errorf("list %s jobs in %s: %w", state, queue, err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = b.jobKey(id)
	}
	values, err := b.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(values))
	for _, v := range values {
		s, ok := v.(string)
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			continue
		}
		jobs = append(jobs, &job)
	}
	return jobs, nil
}

func (b *RedisBroker) Retry(ctx context.Context, queue, id string) error {
	job, err := b.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Queue != queue {
		return internal.ErrJobNotFound
	}
	job.Attempts = 0
	job.State = StateWaiting
	job.AvailableAt = b.now()
	job.FinishedAt = nil
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}

	ok, err := retryScript.Run(ctx, b.client,
		[]string{b.key(queue, "failed"), b.key(queue, "waiting"), b.jobKey(id)},
		id, data,
	).Int()
	if err != nil {
		return fmt.Errorf("retry job %s: %w", id, err)
	}
	if ok == 0 {
		return ErrNotFailed
	}
	return nil
}

func (b *RedisBroker) Close() error {
	return b.client.Close()
}
