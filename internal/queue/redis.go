package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// requeueScript moves one id from the ledger to the pending tail atomically.
var requeueScript = redis.NewScript(`
local removed = redis.call('LREM', KEYS[1], 1, ARGV[1])
if removed > 0 then
	redis.call('RPUSH', KEYS[2], ARGV[1])
end
return removed
`)

type RedisQueue struct {
	rdb     redis.UniversalClient
	lockTTL time.Duration
}

func NewRedisQueue(rdb redis.UniversalClient, lockTTL time.Duration) *RedisQueue {
	if lockTTL <= 0 {
		lockTTL = LockTTL
	}
	return &RedisQueue{rdb: rdb, lockTTL: lockTTL}
}

func (q *RedisQueue) Submit(ctx context.Context, jobID string, admit AdmitFunc) (bool, error) {
	locked, err := q.rdb.SetNX(ctx, LockKey(jobID), "1", q.lockTTL).Result()
	if err != nil {
		return false, fmt.Errorf("acquiring submit lock for %s: %w", jobID, err)
	}
	if !locked {
		log.Warn().Str("job_id", jobID).Msg("duplicate submission dropped")
		return false, nil
	}

	if admit != nil {
		if err := admit(ctx); err != nil {
			q.releaseLock(jobID)
			return false, err
		}
	}

	if err := q.rdb.RPush(ctx, PendingKey, jobID).Err(); err != nil {
		q.releaseLock(jobID)
		return false, fmt.Errorf("enqueueing %s: %w", jobID, err)
	}
	return true, nil
}

func (q *RedisQueue) releaseLock(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := q.rdb.Del(ctx, LockKey(jobID)).Err(); err != nil {
		log.Warn().Err(err).Str("job_id", jobID).Msg("failed to release submit lock")
	}
}

func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (string, bool, error) {
	id, err := q.rdb.BLMove(ctx, PendingKey, ProcessingKey, "LEFT", "RIGHT", timeout).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		if ctx.Err() != nil {
			return "", false, ctx.Err()
		}
		return "", false, fmt.Errorf("claiming job: %w", err)
	}
	return id, true, nil
}

func (q *RedisQueue) Acknowledge(ctx context.Context, jobID string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, ProcessingKey, 1, jobID)
		pipe.Del(ctx, LockKey(jobID))
		return nil
	})
	if err != nil {
		return fmt.Errorf("acknowledging %s: %w", jobID, err)
	}
	return nil
}

func (q *RedisQueue) Processing(ctx context.Context) ([]string, error) {
	ids, err := q.rdb.LRange(ctx, ProcessingKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing processing ledger: %w", err)
	}
	return ids, nil
}

func (q *RedisQueue) Requeue(ctx context.Context, jobID string) (bool, error) {
	n, err := requeueScript.Run(ctx, q.rdb, []string{ProcessingKey, PendingKey}, jobID).Int64()
	if err != nil {
		return false, fmt.Errorf("requeueing %s: %w", jobID, err)
	}
	return n > 0, nil
}

func (q *RedisQueue) PendingLen(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, PendingKey).Result()
}

func (q *RedisQueue) DeadLetter(ctx context.Context, dl DeadLetter) error {
	data, err := json.Marshal(dl)
	if err != nil {
		return fmt.Errorf("encoding dead letter %s: %w", dl.JobID, err)
	}
	if err := q.rdb.RPush(ctx, DeadLetterKey, data).Err(); err != nil {
		return fmt.Errorf("pushing dead letter %s: %w", dl.JobID, err)
	}
	return nil
}

func (q *RedisQueue) DeadLetters(ctx context.Context, limit int) ([]DeadLetter, error) {
	if limit <= 0 {
		limit = 100
	}
	raw, err := q.rdb.LRange(ctx, DeadLetterKey, int64(-limit), -1).Result()
	if err != nil {
		return nil, fmt.Errorf("listing dead letters: %w", err)
	}

	out := make([]DeadLetter, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var dl DeadLetter
		if err := json.Unmarshal([]byte(raw[i]), &dl); err != nil {
			log.Warn().Err(err).Msg("skipping malformed dead letter")
			continue
		}
		out = append(out, dl)
	}
	return out, nil
}
