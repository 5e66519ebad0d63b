// Package signerlock keeps two migration processes from signing with the
// same ledger identity at once. Sequence numbers are reserved locally, so a
// second process on the same key would collide on every submit.
package signerlock

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/bsm/redislock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// ErrHeld means another process owns the signer.
var ErrHeld = errors.New("signer is locked by another process")

const keyPrefix = "course-anchor:signer:"

type lease interface {
	Refresh(ctx context.Context, ttl time.Duration, opt *redislock.Options) error
	Release(ctx context.Context) error
}

type obtainFunc func(ctx context.Context, key string, ttl time.Duration) (lease, error)

type Locker struct {
	obtain obtainFunc
	ping   func(ctx context.Context) error
	close  func() error
	ttl    time.Duration
	log    *zap.Logger
}

// NewRedis builds a Locker on a single redis node.
func NewRedis(addr, password string, ttl time.Duration, log *zap.Logger) *Locker {
	rdb := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       0,
	})
	lc := redislock.New(rdb)

	obtain := func(ctx context.Context, key string, ttl time.Duration) (lease, error) {
		l, err := lc.Obtain(ctx, key, ttl, nil)
		if err != nil {
			return nil, err
		}
		return l, nil
	}
	ping := func(ctx context.Context) error { return rdb.Ping(ctx).Err() }
	return newLocker(obtain, ping, rdb.Close, ttl, log)
}

func newLocker(obtain obtainFunc, ping func(context.Context) error, closeFn func() error, ttl time.Duration, log *zap.Logger) *Locker {
	if log == nil {
		log = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 5 * time.Minute
	}
	return &Locker{obtain: obtain, ping: ping, close: closeFn, ttl: ttl, log: log.Named("signerlock")}
}

func (l *Locker) Ping(ctx context.Context) error {
	if err := l.ping(ctx); err != nil {
		return fmt.Errorf("signerlock: redis ping: %w", err)
	}
	return nil
}

func (l *Locker) Close() error {
	if l.close == nil {
		return nil
	}
	return l.close()
}

// Acquire takes the lock for address without waiting. The lock is refreshed
// in the background every ttl/2 until the handle is released.
func (l *Locker) Acquire(ctx context.Context, address string) (*Handle, error) {
	key := keyPrefix + address
	ls, err := l.obtain(ctx, key, l.ttl)
	if errors.Is(err, redislock.ErrNotObtained) {
		return nil, fmt.Errorf("%w: %s", ErrHeld, address)
	}
	if err != nil {
		return nil, fmt.Errorf("signerlock: obtain %s: %w", key, err)
	}

	h := &Handle{
		key:   key,
		lease: ls,
		ttl:   l.ttl,
		log:   l.log.With(zap.String("key", key)),
		stop:  make(chan struct{}),
		done:  make(chan struct{}),
		lost:  make(chan struct{}),
	}
	go h.keepAlive()
	l.log.Info("signer lock acquired", zap.String("key", key), zap.Duration("ttl", l.ttl))
	return h, nil
}

// Handle is a held signer lock.
type Handle struct {
	key   string
	lease lease
	ttl   time.Duration
	log   *zap.Logger

	stop chan struct{}
	done chan struct{}
	lost chan struct{}
	once sync.Once
}

// Lost is closed when a refresh finds the lock taken over or expired. The
// holder must stop signing.
func (h *Handle) Lost() <-chan struct{} { return h.lost }

func (h *Handle) keepAlive() {
	defer close(h.done)
	t := time.NewTicker(h.ttl / 2)
	defer t.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-t.C:
			ctx, cancel := context.WithTimeout(context.Background(), h.ttl/2)
			err := h.lease.Refresh(ctx, h.ttl, nil)
			cancel()
			if errors.Is(err, redislock.ErrNotObtained) {
				h.log.Error("signer lock lost")
				close(h.lost)
				return
			}
			if err != nil {
				h.log.Warn("signer lock refresh failed", zap.Error(err))
			}
		}
	}
}

// Release stops the refresher and frees the lock. Safe to call twice.
func (h *Handle) Release(ctx context.Context) error {
	var err error
	h.once.Do(func() {
		close(h.stop)
		<-h.done
		err = h.lease.Release(ctx)
		if errors.Is(err, redislock.ErrLockNotHeld) {
			h.log.Warn("signer lock expired before release")
			err = nil
		}
		if err == nil {
			h.log.Info("signer lock released")
		}
	})
	if err != nil {
		return fmt.Errorf("signerlock: release %s: %w", h.key, err)
	}
	return nil
}
