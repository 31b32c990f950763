// Package redisdao implements the Redis-backed halves of the dao
// contracts that spec.md keeps in scope as part of the core — the master
// lease, the offline-round queue storage, and the per-device message
// store — as opposed to account/device/key storage, which spec.md §1
// names as an explicit non-goal and which this module never backs with
// a concrete store.
package redisdao

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const defaultLeaseKey = "offline_round:master_lease"

// renewScript extends the lease's TTL only if holder still owns it
// (spec.md §4.6: "Renew extends the lease if holder still owns it").
const renewScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`

// releaseScript deletes the lease key only if holder still owns it.
const releaseScript = `
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`

// Lease implements dao.LeaseDAO against a single Redis key.
type Lease struct {
	client *redis.Client
	key    string
}

// NewLease constructs a Lease. An empty key uses defaultLeaseKey.
func NewLease(client *redis.Client, key string) *Lease {
	if key == "" {
		key = defaultLeaseKey
	}
	return &Lease{client: client, key: key}
}

// Acquire implements dao.LeaseDAO.
func (l *Lease) Acquire(ctx context.Context, holder string, ttl int) (bool, error) {
	ok, err := l.client.SetNX(ctx, l.key, holder, secondsToDuration(ttl)).Result()
	if err != nil {
		return false, fmt.Errorf("redisdao: lease acquire: %w", err)
	}
	return ok, nil
}

// Renew implements dao.LeaseDAO.
func (l *Lease) Renew(ctx context.Context, holder string, ttl int) (bool, error) {
	res, err := l.client.Eval(ctx, renewScript, []string{l.key}, holder, ttl*1000).Result()
	if err != nil {
		return false, fmt.Errorf("redisdao: lease renew: %w", err)
	}
	held, _ := res.(int64)
	return held == 1, nil
}

// Release implements dao.LeaseDAO.
func (l *Lease) Release(ctx context.Context, holder string) error {
	if err := l.client.Eval(ctx, releaseScript, []string{l.key}, holder).Err(); err != nil {
		return fmt.Errorf("redisdao: lease release: %w", err)
	}
	return nil
}
