// Package lease implements the master lease backing the offline push
// round's leader election (spec.md §4.6, §9 glossary "Master lease"): a
// Redis key holding a UUID-valued owner with a TTL, renewed at TTL/2 by a
// dedicated goroutine.
package lease

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/dao"
)

// DefaultTTL is the spec.md §4.6 default lease TTL.
const DefaultTTL = 10 * time.Second

// Lease tracks whether this process currently holds the master lease and
// notifies a caller-supplied listener on acquire/lose transitions.
type Lease struct {
	dao    dao.LeaseDAO
	holder string
	ttl    time.Duration

	mu         sync.RWMutex
	held       bool
	onAcquired func()
	onLost     func()

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Lease with a fresh UUID holder token.
func New(d dao.LeaseDAO, ttl time.Duration) *Lease {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Lease{
		dao:    d,
		holder: uuid.NewString(),
		ttl:    ttl,
		stopCh: make(chan struct{}),
	}
}

// OnAcquired registers the callback invoked when this process becomes the
// master; OnLost registers the callback invoked on demotion. Both replace
// any previously registered callback.
func (l *Lease) OnAcquired(fn func()) { l.onAcquired = fn }
func (l *Lease) OnLost(fn func())    { l.onLost = fn }

// Held reports whether this process currently holds the lease.
func (l *Lease) Held() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.held
}

// Run starts the acquire/renew loop at interval ticks until ctx is
// cancelled or Stop is called.
func (l *Lease) Run(ctx context.Context, pollInterval time.Duration) {
	l.wg.Add(1)
	go l.loop(ctx, pollInterval)
}

func (l *Lease) loop(ctx context.Context, pollInterval time.Duration) {
	defer l.wg.Done()
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.tick(ctx)
		case <-l.stopCh:
			l.release(ctx)
			return
		case <-ctx.Done():
			l.release(ctx)
			return
		}
	}
}

func (l *Lease) tick(ctx context.Context) {
	if !l.Held() {
		acquired, err := l.dao.Acquire(ctx, l.holder, int(l.ttl.Seconds()))
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("lease: acquire attempt failed")
			return
		}
		if acquired {
			l.setHeld(true)
			logrus.WithField("holder", l.holder).Info("lease: acquired master lease")
			if l.onAcquired != nil {
				l.onAcquired()
			}
		}
		return
	}

	held, err := l.dao.Renew(ctx, l.holder, int(l.ttl.Seconds()))
	if err != nil || !held {
		l.setHeld(false)
		logrus.WithField("holder", l.holder).Warn("lease: lost master lease")
		if l.onLost != nil {
			l.onLost()
		}
	}
}

func (l *Lease) release(ctx context.Context) {
	if !l.Held() {
		return
	}
	_ = l.dao.Release(ctx, l.holder)
	l.setHeld(false)
}

func (l *Lease) setHeld(v bool) {
	l.mu.Lock()
	l.held = v
	l.mu.Unlock()
}

// Stop stops the renew loop, releasing the lease if held.
func (l *Lease) Stop() {
	close(l.stopCh)
	l.wg.Wait()
}

// RenewInterval returns TTL/2, the renewal cadence named by spec.md §4.6.
func (l *Lease) RenewInterval() time.Duration {
	return l.ttl / 2
}
