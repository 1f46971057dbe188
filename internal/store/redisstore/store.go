// Package redisstore provides a Redis-backed per-link lock so several server
// and worker processes can share one database safely.
package redisstore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"github.com/suPer8Hu/soundscribe/internal/common"
)

const (
	keyPrefix   = "soundscribe:lock:"
	defaultTTL  = 30 * time.Second
	retryPeriod = 25 * time.Millisecond
)

type Store struct {
	rdb    *redis.Client
	locker *redislock.Client
	ttl    time.Duration
}

func New(addr, password string, db int) *Store {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	return &Store{
		rdb:    rdb,
		locker: redislock.New(rdb),
		ttl:    defaultTTL,
	}
}

func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// Lock blocks until the key is acquired or ctx is done. The lock expires
// after the TTL so a crashed holder cannot wedge a link forever.
func (s *Store) Lock(ctx context.Context, key string) (func(), error) {
	token, err := common.NewULID()
	if err != nil {
		return nil, fmt.Errorf("redis lock token: %w", err)
	}
	opts := &redislock.Options{
		RetryStrategy: redislock.LinearBackoff(retryPeriod),
		Token:         token,
	}

	var lock *redislock.Lock
	for {
		lock, err = s.locker.Obtain(ctx, keyPrefix+key, s.ttl, opts)
		if err == nil {
			break
		}
		if cerr := ctx.Err(); cerr != nil {
			return nil, cerr
		}
		// without a caller deadline Obtain gives up after one ttl
		if errors.Is(err, redislock.ErrNotObtained) || errors.Is(err, context.DeadlineExceeded) {
			continue
		}
		return nil, fmt.Errorf("redis lock %s: %w", key, err)
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := lock.Release(uctx); err != nil && !errors.Is(err, redislock.ErrLockNotHeld) {
			// the TTL reclaims it
			log.Printf("redis unlock key=%s err=%v", key, err)
		}
	}, nil
}
