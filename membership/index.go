// Package membership implements the online group-membership index
// (spec.md §4.4): the per-process record of which users currently have a
// session and which groups each is a regular member of, driving group
// channel subscription and group-message fan-out.
package membership

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/dao"
)

// DefaultShards is the ioCtxPool size named by spec.md §5.
const DefaultShards = 5

// GroupChannels is the group-subscription port: the index asks it to
// subscribe/unsubscribe a group's Redis channel whenever that group's
// local member set crosses empty (spec.md §4.4).
type GroupChannels interface {
	Subscribe(gid string) error
	Unsubscribe(gid string) error
}

// Index is the online group-membership index.
type Index struct {
	dao      dao.GroupUsersDAO
	channels GroupChannels
	shards   *shardExecutor

	mu         sync.RWMutex
	byUID      map[string]map[address.Address]struct{}
	byGID      map[string]map[address.Address]struct{}
	uidVersion map[string]int
	muted      map[string]map[string]bool // gid -> uid -> muted
}

// New constructs an Index backed by d, subscribing/unsubscribing group
// channels through channels, with numShards serialization workers.
func New(d dao.GroupUsersDAO, channels GroupChannels, numShards int) *Index {
	if numShards <= 0 {
		numShards = DefaultShards
	}
	return &Index{
		dao:        d,
		channels:   channels,
		shards:     newShardExecutor(numShards),
		byUID:      make(map[string]map[address.Address]struct{}),
		byGID:      make(map[string]map[address.Address]struct{}),
		uidVersion: make(map[string]int),
		muted:      make(map[string]map[string]bool),
	}
}

// Close stops the shard workers.
func (idx *Index) Close() {
	idx.shards.stop()
}

// SetChannels binds the group-subscription port after construction, for
// callers whose GroupChannels implementation itself depends on this Index
// (e.g. an online message handler routing incoming group traffic back
// through it).
func (idx *Index) SetChannels(channels GroupChannels) {
	idx.mu.Lock()
	idx.channels = channels
	idx.mu.Unlock()
}

// OnUserOnline adds address to the uid index, loads the user's joined
// groups, and adds it to each regular-membership group's set, subscribing
// any group channel whose member set just became non-empty (spec.md
// §4.4).
func (idx *Index) OnUserOnline(ctx context.Context, addr address.Address, clientVersion int) error {
	var outerErr error
	idx.shards.run(addr.UID, func() {
		idx.mu.Lock()
		set := idx.byUID[addr.UID]
		if set == nil {
			set = make(map[address.Address]struct{})
			idx.byUID[addr.UID] = set
		}
		set[addr] = struct{}{}
		idx.uidVersion[addr.UID] = clientVersion
		idx.mu.Unlock()

		groups, err := idx.dao.GetJoinedGroupsList(ctx, addr.UID)
		if err != nil {
			outerErr = fmt.Errorf("membership: GetJoinedGroupsList(%s): %w", addr.UID, err)
			return
		}
		for _, g := range groups {
			if !g.Role.IsRegularMember() {
				continue
			}
			idx.addToGroup(g.GID, addr)
		}
	})
	return outerErr
}

// OnUserOffline removes address from the uid index and from every group it
// had been added to, unsubscribing any group channel whose set just
// became empty.
func (idx *Index) OnUserOffline(ctx context.Context, addr address.Address) error {
	var outerErr error
	idx.shards.run(addr.UID, func() {
		idx.mu.Lock()
		if set, ok := idx.byUID[addr.UID]; ok {
			delete(set, addr)
			if len(set) == 0 {
				delete(idx.byUID, addr.UID)
				delete(idx.uidVersion, addr.UID)
			}
		}
		idx.mu.Unlock()

		groups, err := idx.dao.GetJoinedGroupsList(ctx, addr.UID)
		if err != nil {
			outerErr = fmt.Errorf("membership: GetJoinedGroupsList(%s): %w", addr.UID, err)
			return
		}
		for _, g := range groups {
			idx.removeFromGroup(g.GID, addr)
		}
	})
	return outerErr
}

// OnUserEnterGroup adds every currently-online address of uid to gid's
// member set, if uid's role in gid is a regular membership role.
func (idx *Index) OnUserEnterGroup(ctx context.Context, uid, gid string) error {
	var outerErr error
	idx.shards.run(gid, func() {
		groups, err := idx.dao.GetJoinedGroupsList(ctx, uid)
		if err != nil {
			outerErr = fmt.Errorf("membership: GetJoinedGroupsList(%s): %w", uid, err)
			return
		}
		regular := false
		for _, g := range groups {
			if g.GID == gid && g.Role.IsRegularMember() {
				regular = true
				break
			}
		}
		if !regular {
			return
		}
		idx.mu.RLock()
		addrs := make([]address.Address, 0, len(idx.byUID[uid]))
		for a := range idx.byUID[uid] {
			addrs = append(addrs, a)
		}
		idx.mu.RUnlock()
		for _, a := range addrs {
			idx.addToGroup(gid, a)
		}
	})
	return outerErr
}

// OnUserLeaveGroup removes every address of uid from gid's member set,
// unsubscribing the group channel if the set just became empty.
func (idx *Index) OnUserLeaveGroup(ctx context.Context, uid, gid string) error {
	idx.shards.run(gid, func() {
		idx.mu.RLock()
		addrs := make([]address.Address, 0, len(idx.byUID[uid]))
		for a := range idx.byUID[uid] {
			addrs = append(addrs, a)
		}
		idx.mu.RUnlock()
		for _, a := range addrs {
			idx.removeFromGroup(gid, a)
		}
	})
	return nil
}

// OnUserMuteGroup and OnUserUnmuteGroup record a uid's mute state within
// gid; muting does not remove the uid's addresses from the group's
// fan-out set (mute only affects the offline push round's recipient
// filtering, spec.md §4.6 step 4).
func (idx *Index) OnUserMuteGroup(ctx context.Context, uid, gid string) error {
	idx.shards.run(gid, func() {
		idx.mu.Lock()
		if idx.muted[gid] == nil {
			idx.muted[gid] = make(map[string]bool)
		}
		idx.muted[gid][uid] = true
		idx.mu.Unlock()
	})
	return nil
}

func (idx *Index) OnUserUnmuteGroup(ctx context.Context, uid, gid string) error {
	idx.shards.run(gid, func() {
		idx.mu.Lock()
		delete(idx.muted[gid], uid)
		idx.mu.Unlock()
	})
	return nil
}

// GetGroupMembers is a shared-lock read of gid's current online address
// set (spec.md §4.4 "a shared-lock read").
func (idx *Index) GetGroupMembers(gid string) []address.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.byGID[gid]
	out := make([]address.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// GetUserSessions returns uid's currently online addresses, a shared-lock
// read used by the online message handler to fold in a mentioned uid's
// sessions even when that uid is not yet reflected in the group's member
// set (spec.md §4.5 step 2, MEMBER_UPDATE).
func (idx *Index) GetUserSessions(uid string) []address.Address {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	set := idx.byUID[uid]
	out := make([]address.Address, 0, len(set))
	for a := range set {
		out = append(out, a)
	}
	return out
}

// GetOnlineUsers is the noise-injection cursor-sweep query: it scans the
// uid index in uid-sorted order starting just after cursor, skips users
// below minVersion, excludes any address already a member of excludeGID,
// and returns up to limit addresses plus the advanced cursor (spec.md
// §4.4).
func (idx *Index) GetOnlineUsers(cursor string, minVersion, limit int, excludeGID string) ([]address.Address, string) {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	uids := make([]string, 0, len(idx.byUID))
	for u := range idx.byUID {
		uids = append(uids, u)
	}
	sort.Strings(uids)

	excluded := idx.byGID[excludeGID]
	var result []address.Address
	nextCursor := cursor
	started := cursor == ""

	for _, u := range uids {
		if !started {
			if u == cursor {
				started = true
			}
			continue
		}
		nextCursor = u
		if idx.uidVersion[u] < minVersion {
			continue
		}
		for a := range idx.byUID[u] {
			if _, excludedAddr := excluded[a]; excludedAddr {
				continue
			}
			result = append(result, a)
			if len(result) >= limit {
				return result, nextCursor
			}
		}
	}
	return result, nextCursor
}

func (idx *Index) addToGroup(gid string, addr address.Address) {
	idx.mu.Lock()
	set := idx.byGID[gid]
	wasEmpty := len(set) == 0
	if set == nil {
		set = make(map[address.Address]struct{})
		idx.byGID[gid] = set
	}
	_, already := set[addr]
	set[addr] = struct{}{}
	idx.mu.Unlock()

	if wasEmpty && !already && idx.channels != nil {
		_ = idx.channels.Subscribe(gid)
	}
}

func (idx *Index) removeFromGroup(gid string, addr address.Address) {
	idx.mu.Lock()
	set, ok := idx.byGID[gid]
	becameEmpty := false
	if ok {
		delete(set, addr)
		if len(set) == 0 {
			delete(idx.byGID, gid)
			becameEmpty = true
		}
	}
	idx.mu.Unlock()

	if becameEmpty && idx.channels != nil {
		_ = idx.channels.Unsubscribe(gid)
	}
}
