// Package lock guards periodic tasks so only one instance runs a given pass.
package lock

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"

	"github.com/congo-pay/paycore/internal/logging"
)

const keyPrefix = "lock:v1:"

// ErrEmptyKey rejects blank lock keys.
var ErrEmptyKey = errors.New("lock key is required")

// Locker runs fn only if the named lock could be taken without waiting. It
// reports false when another holder has it.
type Locker interface {
	TryRun(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error)
}

// Local is a process-local Locker for single-instance deployments and tests.
type Local struct {
	mu   sync.Mutex
	held map[string]struct{}
}

// NewLocal builds a process-local locker.
func NewLocal() *Local {
	return &Local{held: make(map[string]struct{})}
}

func (l *Local) TryRun(ctx context.Context, key string, _ time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	l.mu.Lock()
	if _, busy := l.held[key]; busy {
		l.mu.Unlock()
		return false, nil
	}
	l.held[key] = struct{}{}
	l.mu.Unlock()

	defer func() {
		l.mu.Lock()
		delete(l.held, key)
		l.mu.Unlock()
	}()
	return true, fn(ctx)
}

// Redis is a distributed Locker built on redsync.
type Redis struct {
	rs     *redsync.Redsync
	logger *slog.Logger
}

// NewRedis builds a distributed locker over client.
func NewRedis(client redis.UniversalClient, logger *slog.Logger) *Redis {
	return &Redis{
		rs:     redsync.New(goredis.NewPool(client)),
		logger: logging.Component(logger, "lock"),
	}
}

func (r *Redis) TryRun(ctx context.Context, key string, ttl time.Duration, fn func(ctx context.Context) error) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrEmptyKey
	}
	mutex := r.rs.NewMutex(keyPrefix+key,
		redsync.WithExpiry(ttl),
		redsync.WithTries(1),
	)
	if err := mutex.LockContext(ctx); err != nil {
		if contended(err) {
			r.logger.Debug("lock held elsewhere", slog.String("lock_key", key))
			return false, nil
		}
		return false, fmt.Errorf("acquire lock %s: %w", key, err)
	}
	defer func() {
		// the pass may outlive ctx; release with a fresh deadline
		unlockCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if ok, err := mutex.UnlockContext(unlockCtx); err != nil || !ok {
			r.logger.Warn("lock release failed", slog.String("lock_key", key), slog.Any("error", err))
		}
	}()
	return true, fn(ctx)
}

func contended(err error) bool {
	var taken *redsync.ErrTaken
	if errors.Is(err, redsync.ErrFailed) || errors.As(err, &taken) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "lock already taken") || strings.Contains(msg, "failed to acquire lock")
}
