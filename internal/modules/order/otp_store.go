// README: Short-lived delivery codes kept in Redis (or memory for local runs).
package order

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"courierdispatch/internal/types"
)

// OTPStore keeps at most one live code per order line.
type OTPStore interface {
	Save(ctx context.Context, orderID, lineID types.ID, code string, ttl time.Duration) error
	// Lookup returns the live code, or ok=false when none exists or it expired.
	Lookup(ctx context.Context, orderID, lineID types.ID) (code string, ok bool, err error)
	Delete(ctx context.Context, orderID, lineID types.ID) error
}

type RedisOTPStore struct {
	rdb *redis.Client
}

func NewRedisOTPStore(rdb *redis.Client) *RedisOTPStore {
	return &RedisOTPStore{rdb: rdb}
}

func otpKey(orderID, lineID types.ID) string {
	return fmt.Sprintf("otp:delivery:%s:%s", orderID, lineID)
}

func (s *RedisOTPStore) Save(ctx context.Context, orderID, lineID types.ID, code string, ttl time.Duration) error {
	return s.rdb.Set(ctx, otpKey(orderID, lineID), code, ttl).Err()
}

func (s *RedisOTPStore) Lookup(ctx context.Context, orderID, lineID types.ID) (string, bool, error) {
	code, err := s.rdb.Get(ctx, otpKey(orderID, lineID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return code, true, nil
}

func (s *RedisOTPStore) Delete(ctx context.Context, orderID, lineID types.ID) error {
	return s.rdb.Del(ctx, otpKey(orderID, lineID)).Err()
}

type otpEntry struct {
	code    string
	expires time.Time
}

type MemoryOTPStore struct {
	mu    sync.Mutex
	codes map[string]otpEntry
	now   func() time.Time
}

func NewMemoryOTPStore() *MemoryOTPStore {
	return &MemoryOTPStore{codes: make(map[string]otpEntry), now: time.Now}
}

func (s *MemoryOTPStore) Save(_ context.Context, orderID, lineID types.ID, code string, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.codes[otpKey(orderID, lineID)] = otpEntry{code: code, expires: s.now().Add(ttl)}
	return nil
}

func (s *MemoryOTPStore) Lookup(_ context.Context, orderID, lineID types.ID) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := otpKey(orderID, lineID)
	e, ok := s.codes[key]
	if !ok {
		return "", false, nil
	}
	if !s.now().Before(e.expires) {
		delete(s.codes, key)
		return "", false, nil
	}
	return e.code, true, nil
}

func (s *MemoryOTPStore) Delete(_ context.Context, orderID, lineID types.ID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.codes, otpKey(orderID, lineID))
	return nil
}
