package lease

import (
	"context"
	"sync"
	"testing"
	"time"
)

type fakeLeaseDAO struct {
	mu         sync.Mutex
	owner      string
	acquireErr error
	renewFails bool
}

func (f *fakeLeaseDAO) Acquire(ctx context.Context, holder string, ttl int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.acquireErr != nil {
		return false, f.acquireErr
	}
	if f.owner != "" && f.owner != holder {
		return false, nil
	}
	f.owner = holder
	return true, nil
}

func (f *fakeLeaseDAO) Renew(ctx context.Context, holder string, ttl int) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.renewFails || f.owner != holder {
		return false, nil
	}
	return true, nil
}

func (f *fakeLeaseDAO) Release(ctx context.Context, holder string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == holder {
		f.owner = ""
	}
	return nil
}

func TestAcquireFiresOnAcquired(t *testing.T) {
	d := &fakeLeaseDAO{}
	l := New(d, 200*time.Millisecond)
	defer l.Stop()

	acquired := make(chan struct{})
	l.OnAcquired(func() { close(acquired) })

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx, 10*time.Millisecond)

	select {
	case <-acquired:
	case <-time.After(time.Second):
		t.Fatal("expected lease to be acquired")
	}
	if !l.Held() {
		t.Fatal("expected Held() to report true after acquisition")
	}
}

func TestRenewFailureFiresOnLost(t *testing.T) {
	d := &fakeLeaseDAO{}
	l := New(d, 200*time.Millisecond)
	defer l.Stop()

	lost := make(chan struct{})
	l.OnLost(func() {
		select {
		case <-lost:
		default:
			close(lost)
		}
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	l.Run(ctx, 10*time.Millisecond)

	waitUntil(t, l.Held)
	d.mu.Lock()
	d.renewFails = true
	d.mu.Unlock()

	select {
	case <-lost:
	case <-time.After(time.Second):
		t.Fatal("expected lease loss to be signalled")
	}
	if l.Held() {
		t.Fatal("expected Held() to report false after losing the lease")
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
