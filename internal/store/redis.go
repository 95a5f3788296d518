package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"compile-sandbox/internal/job"
)

const maxTxRetries = 3

// RedisStore keeps each record as a JSON string under job:<id>.
type RedisStore struct {
	rdb  redis.UniversalClient
	ttls TTLs
}

func NewRedisStore(rdb redis.UniversalClient, ttls TTLs) *RedisStore {
	return &RedisStore{rdb: rdb, ttls: ttls.normalize()}
}

func key(id string) string { return KeyPrefix + id }

func (s *RedisStore) Put(ctx context.Context, rec *job.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding job %s: %w", rec.ID, err)
	}
	ttl := Retention(rec.Status, s.ttls.Pending, s.ttls.Terminal)
	if err := s.rdb.Set(ctx, key(rec.ID), data, ttl).Err(); err != nil {
		return fmt.Errorf("storing job %s: %w", rec.ID, err)
	}
	return nil
}

func (s *RedisStore) Get(ctx context.Context, id string) (*job.Record, error) {
	data, err := s.rdb.Get(ctx, key(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading job %s: %w", id, err)
	}
	return decode(id, data)
}

// UpdateResult runs read-complete-write under WATCH so a concurrent Put of
// the same key aborts and retries instead of being silently overwritten.
func (s *RedisStore) UpdateResult(ctx context.Context, id string, success bool, output string) error {
	k := key(id)

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, k).Bytes()
		if errors.Is(err, redis.Nil) {
			return nil
		}
		if err != nil {
			return err
		}

		rec, err := decode(id, data)
		if err != nil {
			return err
		}
		if err := rec.Complete(success, output); err != nil {
			return err
		}
		updated, err := json.Marshal(rec)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, k, updated, s.ttls.Terminal)
			return nil
		})
		return err
	}

	for attempt := 0; attempt < maxTxRetries; attempt++ {
		err := s.rdb.Watch(ctx, txf, k)
		if err == nil {
			return nil
		}
		if !errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("updating job %s: %w", id, err)
		}
		log.Debug().Str("job_id", id).Int("attempt", attempt+1).Msg("job update raced, retrying")
	}
	return fmt.Errorf("updating job %s: %w", id, redis.TxFailedErr)
}

func decode(id string, data []byte) (*job.Record, error) {
	var rec job.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("decoding job %s: %w", id, err)
	}
	return &rec, nil
}
