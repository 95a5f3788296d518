package callback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
)

const (
	RetryKey = "compile:callback:retry"

	DefaultRetryCapacity = 1000
)

// Parker holds failed deliveries in a bounded FIFO. When full, the oldest
// entries are dropped.
type Parker interface {
	Park(ctx context.Context, p Parked) error
	Pop(ctx context.Context) (Parked, bool, error)
	Len(ctx context.Context) (int64, error)
}

type RedisParker struct {
	rdb      redis.UniversalClient
	capacity int64
}

func NewRedisParker(rdb redis.UniversalClient, capacity int64) *RedisParker {
	if capacity <= 0 {
		capacity = DefaultRetryCapacity
	}
	return &RedisParker{rdb: rdb, capacity: capacity}
}

func (r *RedisParker) Park(ctx context.Context, p Parked) error {
	data, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("encoding parked callback: %w", err)
	}
	pipe := r.rdb.TxPipeline()
	pipe.RPush(ctx, RetryKey, data)
	pipe.LTrim(ctx, RetryKey, -r.capacity, -1)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("parking callback for %s: %w", p.Payload.JobID, err)
	}
	return nil
}

func (r *RedisParker) Pop(ctx context.Context) (Parked, bool, error) {
	data, err := r.rdb.LPop(ctx, RetryKey).Bytes()
	if errors.Is(err, redis.Nil) {
		return Parked{}, false, nil
	}
	if err != nil {
		return Parked{}, false, fmt.Errorf("popping parked callback: %w", err)
	}
	var p Parked
	if err := json.Unmarshal(data, &p); err != nil {
		return Parked{}, false, fmt.Errorf("decoding parked callback: %w", err)
	}
	return p, true, nil
}

func (r *RedisParker) Len(ctx context.Context) (int64, error) {
	return r.rdb.LLen(ctx, RetryKey).Result()
}

type MemoryParker struct {
	mu       sync.Mutex
	items    []Parked
	capacity int
}

func NewMemoryParker(capacity int) *MemoryParker {
	if capacity <= 0 {
		capacity = DefaultRetryCapacity
	}
	return &MemoryParker{capacity: capacity}
}

func (m *MemoryParker) Park(_ context.Context, p Parked) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.items = append(m.items, p)
	if over := len(m.items) - m.capacity; over > 0 {
		m.items = m.items[over:]
	}
	return nil
}

func (m *MemoryParker) Pop(_ context.Context) (Parked, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.items) == 0 {
		return Parked{}, false, nil
	}
	p := m.items[0]
	m.items = m.items[1:]
	return p, true, nil
}

func (m *MemoryParker) Len(_ context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.items)), nil
}
