package redisdao

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/redis/go-redis/v9"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/wire"
)

// Stored implements dao.StoredMessagesDAO — the durable per-device
// message-store gateway (spec.md §2's "DAO abstraction + message-store
// gateway" budget line, §3 StoredMessage) — over one Redis client. Each
// (destination, device) queue is a sorted set of ids ordering a hash of
// id -> JSON-encoded StoredMessage, with ids assigned by an INCR
// counter; a per-destination set tracks which devices have ever had a
// row, so Clear can find every device queue to drop.
type Stored struct {
	client *redis.Client
}

// NewStored constructs a Stored gateway.
func NewStored(client *redis.Client) *Stored {
	return &Stored{client: client}
}

func storedIDsKey(dest string, device uint32) string {
	return fmt.Sprintf("stored:%s:%d:ids", dest, device)
}
func storedDataKey(dest string, device uint32) string {
	return fmt.Sprintf("stored:%s:%d:data", dest, device)
}
func storedSeqKey(dest string, device uint32) string {
	return fmt.Sprintf("stored:%s:%d:seq", dest, device)
}
func storedDevicesKey(dest string) string {
	return "stored:" + dest + ":devices"
}

// storedRow is the JSON encoding of one hash field in a device queue's
// data hash.
type storedRow struct {
	DestinationRegistrationID uint32       `json:"destinationRegistrationId"`
	Source                    string       `json:"source"`
	Envelope                  wire.Envelope `json:"envelope"`
}

// Get implements dao.StoredMessagesDAO.
func (s *Stored) Get(ctx context.Context, destination string, destinationDevice uint32, limit int) ([]wire.StoredMessage, error) {
	ids, err := s.client.ZRangeWithScores(ctx, storedIDsKey(destination, destinationDevice), 0, int64(limit)-1).Result()
	if err != nil {
		return nil, fmt.Errorf("redisdao: ZRANGE stored ids: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	fields := make([]string, len(ids))
	for i, z := range ids {
		fields[i], _ = z.Member.(string)
	}
	vals, err := s.client.HMGet(ctx, storedDataKey(destination, destinationDevice), fields...).Result()
	if err != nil {
		return nil, fmt.Errorf("redisdao: HMGET stored data: %w", err)
	}

	out := make([]wire.StoredMessage, 0, len(vals))
	for i, v := range vals {
		str, ok := v.(string)
		if !ok || str == "" {
			continue
		}
		var row storedRow
		if err := json.Unmarshal([]byte(str), &row); err != nil {
			continue
		}
		id, _ := strconv.ParseUint(fields[i], 10, 64)
		out = append(out, wire.StoredMessage{
			ID: id, Destination: destination, DestinationDevice: destinationDevice,
			DestinationRegistrationID: row.DestinationRegistrationID,
			Source:                    row.Source,
			Envelope:                  row.Envelope,
		})
	}
	return out, nil
}

// Set implements dao.StoredMessagesDAO.
func (s *Stored) Set(ctx context.Context, destination string, destinationDevice uint32, destinationRegistrationID uint32, env wire.Envelope) (uint64, error) {
	id, err := s.client.Incr(ctx, storedSeqKey(destination, destinationDevice)).Result()
	if err != nil {
		return 0, fmt.Errorf("redisdao: INCR stored seq: %w", err)
	}

	encoded, err := json.Marshal(storedRow{
		DestinationRegistrationID: destinationRegistrationID,
		Source:                    env.Source,
		Envelope:                  env,
	})
	if err != nil {
		return 0, fmt.Errorf("redisdao: marshal stored row: %w", err)
	}

	idStr := strconv.FormatUint(uint64(id), 10)
	pipe := s.client.TxPipeline()
	pipe.HSet(ctx, storedDataKey(destination, destinationDevice), idStr, encoded)
	pipe.ZAdd(ctx, storedIDsKey(destination, destinationDevice), redis.Z{Score: float64(id), Member: idStr})
	pipe.SAdd(ctx, storedDevicesKey(destination), destinationDevice)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("redisdao: persist stored row: %w", err)
	}
	return uint64(id), nil
}

// Delete implements dao.StoredMessagesDAO.
func (s *Stored) Delete(ctx context.Context, destination string, destinationDevice uint32, id uint64) error {
	idStr := strconv.FormatUint(id, 10)
	pipe := s.client.TxPipeline()
	pipe.ZRem(ctx, storedIDsKey(destination, destinationDevice), idStr)
	pipe.HDel(ctx, storedDataKey(destination, destinationDevice), idStr)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redisdao: delete stored row: %w", err)
	}
	return nil
}

// Clear implements dao.StoredMessagesDAO, dropping every device's queue
// for destination.
func (s *Stored) Clear(ctx context.Context, destination string) error {
	devices, err := s.client.SMembers(ctx, storedDevicesKey(destination)).Result()
	if err != nil {
		return fmt.Errorf("redisdao: SMEMBERS stored devices: %w", err)
	}
	if len(devices) == 0 {
		return nil
	}
	keys := make([]string, 0, len(devices)*3+1)
	for _, d := range devices {
		dev, convErr := strconv.ParseUint(d, 10, 32)
		if convErr != nil {
			continue
		}
		keys = append(keys, storedIDsKey(destination, uint32(dev)), storedDataKey(destination, uint32(dev)), storedSeqKey(destination, uint32(dev)))
	}
	keys = append(keys, storedDevicesKey(destination))
	if err := s.client.Del(ctx, keys...).Err(); err != nil {
		return fmt.Errorf("redisdao: clear stored queues: %w", err)
	}
	return nil
}

// Badges implements dispatch.BadgeCounter, deleting the address's per-uid
// push-badge counter on reconnect (spec.md §6: "apns_uid_badge:<uid>
// key... deleted on (re)subscribe").
type Badges struct {
	client *redis.Client
}

// NewBadges constructs a Badges counter store.
func NewBadges(client *redis.Client) *Badges {
	return &Badges{client: client}
}

// Delete implements dispatch.BadgeCounter.
func (b *Badges) Delete(ctx context.Context, addr address.Address) error {
	if err := b.client.Del(ctx, "apns_uid_badge:"+addr.UID).Err(); err != nil {
		return fmt.Errorf("redisdao: delete badge counter: %w", err)
	}
	return nil
}
