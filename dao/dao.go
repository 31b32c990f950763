// Package dao defines the narrow synchronous storage interfaces the
// dispatch core depends on. Implementations (accounts, devices, group
// membership, stored messages, group keys, contacts, lease) are external
// collaborators per spec.md §1; the core depends only on these contracts.
//
// All methods are safe for concurrent use — "DAO client: thread-safe; no
// locking required at this layer" (spec.md §5).
package dao

import (
	"context"

	"github.com/bcmapp/groupdispatch/wire"
)

// AccountState mirrors spec.md §3: Account.state ∈ {NORMAL, DELETED}.
type AccountState int

const (
	AccountNormal AccountState = iota
	AccountDeleted
)

// Device is the subset of device attributes the dispatch core consumes
// (spec.md §3).
type Device struct {
	ID               uint32
	SignalingKey     string // base64, see envcrypto.DecodeSignalingKey
	RegistrationID   uint32
	APNSID           string
	APNSType         string
	VoipApnID        string
	FCMID            string
	UmengID          string
	OSType           string
	OSVersion        string
	PhoneModel       string
	ClientVersion    ClientVersion
	Pushable         bool
}

// ClientVersion is spec.md §3's Envelope-adjacent client gating info.
type ClientVersion struct {
	OSType       string
	BCMBuildCode int
}

// Account is the subset of account attributes the dispatch core consumes.
type Account struct {
	UID     string
	Devices []Device
	State   AccountState
}

// Device looks up one device by id, returning ok=false if absent.
func (a Account) Device(id uint32) (Device, bool) {
	for _, d := range a.Devices {
		if d.ID == id {
			return d, true
		}
	}
	return Device{}, false
}

// AccountsDAO resolves accounts/devices for P2P delivery and offline push
// token resolution.
type AccountsDAO interface {
	GetAccount(ctx context.Context, uid string) (Account, error)
	// GetAccounts batches lookups (spec.md §4.6: "fetch the account (batched
	// 20 at a time)").
	GetAccounts(ctx context.Context, uids []string) (map[string]Account, error)
}

// GroupRole is a user's role inside one group.
type GroupRole = wire.GroupRole

// JoinedGroup is one row of a user's joined-groups list (spec.md §4.4).
type JoinedGroup struct {
	GID  string
	Role GroupRole
}

// GroupUsersDAO resolves group membership for the online index and the
// offline round.
type GroupUsersDAO interface {
	// GetJoinedGroupsList returns every group uid belongs to, with role.
	GetJoinedGroupsList(ctx context.Context, uid string) ([]JoinedGroup, error)
	// GetGroupMembers returns the full (unmuted + muted) member uid set of
	// gid, used by the offline round to resolve BROADCAST recipients.
	GetGroupMembers(ctx context.Context, gid string) ([]GroupMember, error)
	// IsMember reports whether uid is still a member of gid, consulted by
	// the offline-round reconciliation pass (spec.md §4.6 step 5).
	IsMember(ctx context.Context, gid, uid string) (bool, error)
}

// GroupMember is one member row as returned by GetGroupMembers.
type GroupMember struct {
	UID   string
	Role  GroupRole
	Muted bool
}

// StoredMessagesDAO implements the durable per-device message queue
// (spec.md §3 StoredMessage).
type StoredMessagesDAO interface {
	// Get returns up to limit stored messages for (destination,
	// destinationDevice) in FIFO order by ID.
	Get(ctx context.Context, destination string, destinationDevice uint32, limit int) ([]wire.StoredMessage, error)
	// Set appends env to the per-device queue, returning the assigned ID.
	Set(ctx context.Context, destination string, destinationDevice uint32, destinationRegistrationID uint32, env wire.Envelope) (uint64, error)
	// Delete removes one stored row by ID after successful delivery.
	Delete(ctx context.Context, destination string, destinationDevice uint32, id uint64) error
	// Clear removes all devices' queues for destination atomically w.r.t.
	// subsequent Get calls (spec.md §3).
	Clear(ctx context.Context, destination string) error
}

// GroupKeysDAO resolves versioned group key material (spec.md §3
// GroupKeys). Implementations reaching an external service directly (e.g.
// httpdao.Keys) hit it on every call; groupkeys.Cache wraps one of these
// and satisfies the same interface with a bounded in-process Get cache.
type GroupKeysDAO interface {
	// Insert accepts only if version > latest known version for gid.
	Insert(ctx context.Context, gid string, version uint64, mode, creator string, keys []byte) error
	// LatestVersion returns the latest known version for gid, or 0 if none.
	LatestVersion(ctx context.Context, gid string) (uint64, error)
	// Get fetches one (gid, version) row.
	Get(ctx context.Context, gid string, version uint64) (mode, creator string, keys []byte, err error)
}

// ContactsDAO persists FRIEND events that failed delivery, so the next
// login can replay them (SPEC_FULL.md §3, grounded on
// original_source/src/dao/contacts.h).
type ContactsDAO interface {
	SaveFailed(ctx context.Context, uid string, evt wire.FriendEvent) error
	DrainFailed(ctx context.Context, uid string) ([]wire.FriendEvent, error)
}

// LeaseDAO is the Redis-held mutual-exclusion lock backing the offline
// push round's master election (spec.md §4.6, §9 glossary "Master lease").
type LeaseDAO interface {
	// Acquire attempts to take the lease under holder for ttl, returning
	// acquired=false if another holder already owns it.
	Acquire(ctx context.Context, holder string, ttl int) (acquired bool, err error)
	// Renew extends the lease if holder still owns it.
	Renew(ctx context.Context, holder string, ttl int) (held bool, err error)
	// Release drops the lease if holder still owns it.
	Release(ctx context.Context, holder string) error
}

// ScanRow is one raw member of the `group_msg_list` sorted set (spec.md
// §6), before the offline round parses its "gid_mid_pushType" encoding.
type ScanRow struct {
	Member string
	Score  int64 // enqueue unix seconds
}

// MulticastEntry is the decoded value of one `group_multi_msg_list` hash
// field "gid_mid_MULTICAST" (spec.md §6).
type MulticastEntry struct {
	FromUID string
	Members []string
}

// UserCursor is one `group_user_info:{gid}` hash field value: a user's
// per-group delivery watermark plus the push-token and device metadata
// the offline round needs to build a Notification (spec.md §4.6, §6).
type UserCursor struct {
	LastMid      uint64
	APNSID       string
	APNSType     string
	VoipApnID    string
	FCMID        string
	UmengID      string
	OSType       string
	OSVersion    string
	PhoneModel   string
	BCMBuildCode int
}

// HasPushToken reports whether any vendor token is present.
func (c UserCursor) HasPushToken() bool {
	return c.APNSID != "" || c.VoipApnID != "" || c.FCMID != "" || c.UmengID != ""
}

// OfflineQueueDAO is the Redis-backed storage the offline push round scans
// and mutates every round (spec.md §4.6, §6's "Redis storage keys
// (offline round)").
type OfflineQueueDAO interface {
	// ActiveShards returns the name of every configured shard whose
	// `group_active` marker is present.
	ActiveShards(ctx context.Context) ([]string, error)
	// ScanMsgList pages through `group_msg_list` in pageSize chunks,
	// returning members with minScore <= score <= maxScore.
	ScanMsgList(ctx context.Context, shard string, minScore, maxScore int64, pageSize int) ([]ScanRow, error)
	// RemoveMsgListMembers deletes the given raw members from
	// `group_msg_list` once their task has been queued for processing.
	RemoveMsgListMembers(ctx context.Context, shard string, members []string) error
	// GetMulticastEntries HMGETs `group_multi_msg_list` for the given
	// "gid_mid_MULTICAST" fields, returning only the fields present.
	GetMulticastEntries(ctx context.Context, shard string, fields []string) (map[string]MulticastEntry, error)
	// DeleteMulticastEntries HDELs the given fields from
	// `group_multi_msg_list` once recovered.
	DeleteMulticastEntries(ctx context.Context, shard string, fields []string) error
	// GetUserCursors HMGETs `group_user_info:{gid}` for the given uids.
	GetUserCursors(ctx context.Context, shard, gid string, uids []string) (map[string]UserCursor, error)
	// ScanUserCursors HSCANs the full `group_user_info:{gid}` hash in
	// pageSize pages.
	ScanUserCursors(ctx context.Context, shard, gid string, pageSize int) (map[string]UserCursor, error)
	// SetUserCursors HMSETs the given cursors back to
	// `group_user_info:{gid}`.
	SetUserCursors(ctx context.Context, shard, gid string, cursors map[string]UserCursor) error
	// DeleteUserCursor HDELs one stale `group_user_info:{gid}` field.
	DeleteUserCursor(ctx context.Context, shard, gid, uid string) error
}
