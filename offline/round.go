// Package offline implements the offline push round (spec.md §4.6): a
// leader-elected, interval-driven batch that drains the Redis-backed
// `group_msg_list` queue across every active shard, resolves recipients
// and push tokens, and dispatches to the local vendor sink or the peer
// offline server that owns it.
package offline

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/dao"
	"github.com/bcmapp/groupdispatch/wire"
)

// QueueStore is the subset of dao.OfflineQueueDAO the round depends on,
// named identically for documentation purposes.
type QueueStore = dao.OfflineQueueDAO

// Members resolves a group's member set.
type Members interface {
	GetGroupMembers(ctx context.Context, gid string) ([]dao.GroupMember, error)
	IsMember(ctx context.Context, gid, uid string) (bool, error)
}

// Accounts resolves push tokens for uids missing them from the cursor
// hash (spec.md §4.6 step 4: "fetch the account (batched 20 at a time)").
type Accounts interface {
	GetAccounts(ctx context.Context, uids []string) (map[string]dao.Account, error)
}

// LocalSubmitter dispatches one Notification to this process's local
// vendor sink, if it has one.
type LocalSubmitter interface {
	Handles(vendor string) bool
	Submit(ctx context.Context, notif wire.Notification) error
}

// PeerDispatcher posts a batch of group-push destinations to whichever
// peer offline server advertises a vendor.
type PeerDispatcher interface {
	DispatchGroupBatch(ctx context.Context, vendor, gid string, mid uint64, destinations map[string]wire.Notification) error
}

// LeaseHolder reports whether this process currently holds the master
// lease gating the round (spec.md §4.6: "Runs under a master lease").
type LeaseHolder interface {
	Held() bool
}

// Metrics is the narrow subset of metrics.Registry the round reports to.
type Metrics interface {
	Inc(name string, delta int64)
	Set(name string, value float64)
}

// Config holds the round's tunables (spec.md §4.6).
type Config struct {
	RoundInterval      time.Duration
	ScanPageSize       int
	MinRowAge          time.Duration
	MaxRowAge          time.Duration
	MemberReloadWindow time.Duration
	AccountBatchSize   int
	Workers            int
}

// DefaultConfig returns the spec.md §4.6 defaults.
func DefaultConfig() Config {
	return Config{
		RoundInterval:      30 * time.Second,
		ScanPageSize:       100,
		MinRowAge:          30 * time.Second,
		MaxRowAge:          30 * time.Minute,
		MemberReloadWindow: 10 * time.Second,
		AccountBatchSize:   20,
		Workers:            8,
	}
}

type memberCacheEntry struct {
	members  []dao.GroupMember
	byUID    map[string]dao.GroupMember
	loadedAt time.Time
}

// Round is one process's offline push round driver.
type Round struct {
	queue    QueueStore
	groups   Members
	accounts Accounts
	local    LocalSubmitter
	peers    PeerDispatcher
	lease    LeaseHolder
	metrics  Metrics
	cfg      Config
	pool     *pool

	memberMu    sync.RWMutex
	memberCache map[string]*memberCacheEntry

	watermarkMu sync.Mutex
	watermark   map[string]uint64 // gid -> highest mid surpassed

	running int32 // atomic; back-pressure, spec.md §4.6: "outstanding task counter must reach zero"
}

// New constructs a Round.
func New(queue QueueStore, groups Members, accounts Accounts, local LocalSubmitter, peers PeerDispatcher, lease LeaseHolder, metrics Metrics, cfg Config) *Round {
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultConfig().Workers
	}
	return &Round{
		queue:       queue,
		groups:      groups,
		accounts:    accounts,
		local:       local,
		peers:       peers,
		lease:       lease,
		metrics:     metrics,
		cfg:         cfg,
		pool:        newPool(cfg.Workers),
		memberCache: make(map[string]*memberCacheEntry),
		watermark:   make(map[string]uint64),
	}
}

// Close stops the worker pool.
func (r *Round) Close() {
	r.pool.stop()
}

// Run drives the round loop at cfg.RoundInterval until ctx is cancelled;
// a tick is skipped if the previous round has not completed or the lease
// is not held (spec.md §4.6: "the next round is skipped if the previous
// has not completed").
func (r *Round) Run(ctx context.Context) {
	interval := r.cfg.RoundInterval
	if interval <= 0 {
		interval = DefaultConfig().RoundInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !r.lease.Held() {
				continue
			}
			if !atomic.CompareAndSwapInt32(&r.running, 0, 1) {
				logrus.Warn("offline: previous round still running, skipping this tick")
				continue
			}
			go func() {
				defer atomic.StoreInt32(&r.running, 0)
				r.RunOnce(ctx)
			}()
		}
	}
}

// RunOnce executes one full round synchronously: scan every active
// shard, group rows by gid, and dispatch a task per gid to the round's
// worker pool, waiting for them all to finish (spec.md §4.6 steps 1-5).
func (r *Round) RunOnce(ctx context.Context) {
	start := time.Now()
	shards, err := r.queue.ActiveShards(ctx)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("offline: failed to list active shards")
		return
	}

	taskCount := 0
	var wg sync.WaitGroup
	for _, shard := range shards {
		rows, processedMembers, err := r.scanShard(ctx, shard)
		if err != nil {
			logrus.WithFields(logrus.Fields{"shard": shard, "error": err.Error()}).
				Warn("offline: failed to scan group_msg_list")
			continue
		}
		if len(processedMembers) > 0 {
			if err := r.queue.RemoveMsgListMembers(ctx, shard, processedMembers); err != nil {
				logrus.WithFields(logrus.Fields{"shard": shard, "error": err.Error()}).
					Warn("offline: failed to remove processed group_msg_list rows")
			}
		}

		byGID := make(map[string][]queueRow)
		for _, row := range rows {
			byGID[row.GID] = append(byGID[row.GID], row)
		}

		for gid, gidRows := range byGID {
			taskCount++
			wg.Add(1)
			shard, gid, gidRows := shard, gid, gidRows
			r.pool.submit(func() {
				defer wg.Done()
				r.processGidTask(ctx, shard, gid, gidRows)
			})
		}
	}
	wg.Wait()

	if r.metrics != nil {
		r.metrics.Set("OfflineRoundService/duration_ms", float64(time.Since(start).Milliseconds()))
		r.metrics.Set("OfflineRoundService/task_count", float64(taskCount))
	}
	logrus.WithFields(logrus.Fields{
		"duration_ms": time.Since(start).Milliseconds(),
		"task_count":  taskCount,
	}).Info("offline: round complete")
}

// scanShard pages through shard's group_msg_list within [now-maxRowAge,
// now-minRowAge], returning every parseable row and the full set of raw
// members to remove (malformed rows are removed but not returned as
// tasks, spec.md §4.6 step 2).
func (r *Round) scanShard(ctx context.Context, shard string) ([]queueRow, []string, error) {
	now := time.Now().Unix()
	minScore := now - int64(r.cfg.MaxRowAge.Seconds())
	maxScore := now - int64(r.cfg.MinRowAge.Seconds())
	if maxScore < minScore {
		return nil, nil, nil
	}

	raw, err := r.queue.ScanMsgList(ctx, shard, minScore, maxScore, r.cfg.ScanPageSize)
	if err != nil {
		return nil, nil, err
	}

	rows := make([]queueRow, 0, len(raw))
	members := make([]string, 0, len(raw))
	for _, zm := range raw {
		members = append(members, zm.Member)
		row, ok := parseQueueMember(zm.Member)
		if !ok {
			logrus.WithField("member", zm.Member).Warn("offline: dropping malformed group_msg_list row")
			continue
		}
		rows = append(rows, row)
	}
	return rows, members, nil
}

// processGidTask resolves recipients, tokens, and vendors for every row
// of one gid, dispatches the resulting batches, writes back the advanced
// cursors, and reconciles stale membership (spec.md §4.6 steps 4-5).
func (r *Round) processGidTask(ctx context.Context, shard, gid string, rows []queueRow) {
	sort.Slice(rows, func(i, j int) bool { return rows[i].Mid < rows[j].Mid })

	rows = r.dropSurpassedRows(gid, rows)
	if len(rows) == 0 {
		return
	}

	members, err := r.loadMembers(ctx, gid)
	if err != nil {
		logrus.WithFields(logrus.Fields{"gid": gid, "error": err.Error()}).
			Warn("offline: failed to load group member set")
		return
	}

	allMulticast := true
	multicastMids := make(map[uint64]struct{})
	for _, row := range rows {
		if row.PushType != wire.PushMulticast {
			allMulticast = false
			continue
		}
		multicastMids[row.Mid] = struct{}{}
	}

	multicastEntries := r.loadMulticastEntries(ctx, shard, gid, multicastMids)

	cursors, err := r.loadCursors(ctx, shard, gid, allMulticast, multicastEntries)
	if err != nil {
		logrus.WithFields(logrus.Fields{"gid": gid, "error": err.Error()}).
			Warn("offline: failed to load group_user_info cursors")
		return
	}

	type pendingDelivery struct {
		uid string
		mid uint64
	}
	var pending []pendingDelivery
	missingTokens := make(map[string]struct{})
	updated := make(map[string]dao.UserCursor)

	for _, row := range rows {
		recipients := recipientsFor(row, members.byUID, multicastEntries[row.Mid])
		for _, uid := range recipients {
			cur := cursors[uid]
			if cur.LastMid >= row.Mid {
				continue // spec.md §5: cursor is monotonically non-decreasing
			}
			if !cur.HasPushToken() {
				missingTokens[uid] = struct{}{}
			}
			pending = append(pending, pendingDelivery{uid: uid, mid: row.Mid})
			cur.LastMid = row.Mid
			cursors[uid] = cur
		}
	}

	accounts := r.resolveMissingAccounts(ctx, missingTokens)

	byVendor := make(map[string]map[string]wire.Notification)
	var maxMid uint64
	for _, p := range pending {
		if p.mid > maxMid {
			maxMid = p.mid
		}
		cur := cursors[p.uid]
		if !cur.HasPushToken() {
			acct, ok := accounts[p.uid]
			if !ok {
				_ = r.queue.DeleteUserCursor(ctx, shard, gid, p.uid)
				continue
			}
			merged, ok := mergeDeviceIntoCursor(cur, acct)
			if !ok {
				_ = r.queue.DeleteUserCursor(ctx, shard, gid, p.uid)
				continue
			}
			cur = merged
			cursors[p.uid] = cur
		}
		updated[p.uid] = cur

		notif := wire.Notification{
			UID: p.uid, DeviceID: address.MasterDevice, Badge: 1,
			GID: gid, MessageID: p.mid,
			APNSID: cur.APNSID, APNSType: cur.APNSType, VoipApnID: cur.VoipApnID,
			FCMID: cur.FCMID, UmengID: cur.UmengID,
			OSType: cur.OSType, OSVersion: cur.OSVersion, PhoneModel: cur.PhoneModel,
			BCMBuildCode: cur.BCMBuildCode,
		}
		vendor := notif.Vendor()
		if vendor == "" {
			continue
		}
		if byVendor[vendor] == nil {
			byVendor[vendor] = make(map[string]wire.Notification)
		}
		byVendor[vendor][p.uid] = notif
	}

	for vendor, destinations := range byVendor {
		r.dispatchVendorBatch(ctx, vendor, gid, maxMid, destinations)
	}

	if len(updated) > 0 {
		if err := r.queue.SetUserCursors(ctx, shard, gid, updated); err != nil {
			logrus.WithFields(logrus.Fields{"gid": gid, "error": err.Error()}).
				Warn("offline: failed to write back group_user_info cursors")
		}
	}

	r.setWatermark(gid, maxMid)
	r.reconcile(ctx, shard, gid, cursors, members.byUID)
}

func recipientsFor(row queueRow, members map[string]dao.GroupMember, entry dao.MulticastEntry) []string {
	switch row.PushType {
	case wire.PushBroadcast:
		out := make([]string, 0, len(members))
		for uid, m := range members {
			if !m.Muted {
				out = append(out, uid)
			}
		}
		return out
	case wire.PushMulticast:
		out := make([]string, 0, len(entry.Members))
		for _, uid := range entry.Members {
			if uid != entry.FromUID {
				out = append(out, uid)
			}
		}
		return out
	default:
		return nil
	}
}

func (r *Round) loadMulticastEntries(ctx context.Context, shard, gid string, mids map[uint64]struct{}) map[uint64]dao.MulticastEntry {
	out := make(map[uint64]dao.MulticastEntry, len(mids))
	if len(mids) == 0 {
		return out
	}
	fieldToMid := make(map[string]uint64, len(mids))
	fields := make([]string, 0, len(mids))
	for mid := range mids {
		f := multicastField(gid, mid)
		fieldToMid[f] = mid
		fields = append(fields, f)
	}
	entries, err := r.queue.GetMulticastEntries(ctx, shard, fields)
	if err != nil {
		logrus.WithFields(logrus.Fields{"gid": gid, "error": err.Error()}).
			Warn("offline: failed to recover group_multi_msg_list entries")
		return out
	}
	for field, entry := range entries {
		if mid, ok := fieldToMid[field]; ok {
			out[mid] = entry
		}
	}
	_ = r.queue.DeleteMulticastEntries(ctx, shard, fields)
	return out
}

func (r *Round) loadCursors(ctx context.Context, shard, gid string, allMulticast bool, multicastEntries map[uint64]dao.MulticastEntry) (map[string]dao.UserCursor, error) {
	if allMulticast {
		uidSet := make(map[string]struct{})
		for _, entry := range multicastEntries {
			for _, uid := range entry.Members {
				uidSet[uid] = struct{}{}
			}
		}
		uids := make([]string, 0, len(uidSet))
		for uid := range uidSet {
			uids = append(uids, uid)
		}
		return r.queue.GetUserCursors(ctx, shard, gid, uids)
	}
	return r.queue.ScanUserCursors(ctx, shard, gid, r.cfg.ScanPageSize*2)
}

func (r *Round) resolveMissingAccounts(ctx context.Context, missing map[string]struct{}) map[string]dao.Account {
	out := make(map[string]dao.Account, len(missing))
	if len(missing) == 0 {
		return out
	}
	uids := make([]string, 0, len(missing))
	for uid := range missing {
		uids = append(uids, uid)
	}
	sort.Strings(uids)

	batchSize := r.cfg.AccountBatchSize
	if batchSize <= 0 {
		batchSize = DefaultConfig().AccountBatchSize
	}
	for i := 0; i < len(uids); i += batchSize {
		end := i + batchSize
		if end > len(uids) {
			end = len(uids)
		}
		accts, err := r.accounts.GetAccounts(ctx, uids[i:end])
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("offline: failed to batch-resolve accounts")
			continue
		}
		for uid, acct := range accts {
			out[uid] = acct
		}
	}
	return out
}

func mergeDeviceIntoCursor(cur dao.UserCursor, acct dao.Account) (dao.UserCursor, bool) {
	dev, ok := acct.Device(address.MasterDevice)
	if !ok {
		return cur, false
	}
	cur.APNSID = dev.APNSID
	cur.APNSType = dev.APNSType
	cur.VoipApnID = dev.VoipApnID
	cur.FCMID = dev.FCMID
	cur.UmengID = dev.UmengID
	cur.OSType = dev.OSType
	cur.OSVersion = dev.OSVersion
	cur.PhoneModel = dev.PhoneModel
	cur.BCMBuildCode = dev.ClientVersion.BCMBuildCode
	if !cur.HasPushToken() {
		return cur, false // NO_CONFIG: absent push tokens even after account resolution
	}
	return cur, true
}

// dispatchVendorBatch submits destinations to the local sink (one at a
// time) if this process handles vendor, otherwise posts the whole batch
// to whichever peer advertises it (spec.md §4.6 step 4).
func (r *Round) dispatchVendorBatch(ctx context.Context, vendor, gid string, mid uint64, destinations map[string]wire.Notification) {
	if r.local != nil && r.local.Handles(vendor) {
		for uid, notif := range destinations {
			if err := r.local.Submit(ctx, notif); err != nil {
				logrus.WithFields(logrus.Fields{"uid": uid, "vendor": vendor, "error": err.Error()}).
					Warn("offline: local push submission failed")
			}
		}
		return
	}
	if r.peers == nil {
		logrus.WithField("vendor", vendor).Warn("offline: no local sink and no peer dispatcher configured")
		return
	}
	if err := r.peers.DispatchGroupBatch(ctx, vendor, gid, mid, destinations); err != nil {
		logrus.WithFields(logrus.Fields{"gid": gid, "vendor": vendor, "error": err.Error()}).
			Warn("offline: peer push batch dispatch failed")
	}
}

// loadMembers returns gid's member set, reusing the in-process cache
// within cfg.MemberReloadWindow (spec.md §4.6 step 4: "a 10s reload
// coalescing window").
func (r *Round) loadMembers(ctx context.Context, gid string) (*memberCacheEntry, error) {
	window := r.cfg.MemberReloadWindow
	if window <= 0 {
		window = DefaultConfig().MemberReloadWindow
	}

	r.memberMu.RLock()
	entry, ok := r.memberCache[gid]
	r.memberMu.RUnlock()
	if ok && time.Since(entry.loadedAt) < window {
		return entry, nil
	}

	members, err := r.groups.GetGroupMembers(ctx, gid)
	if err != nil {
		if ok {
			return entry, nil // serve stale cache rather than stall the task on a transient DAO error
		}
		return nil, err
	}

	byUID := make(map[string]dao.GroupMember, len(members))
	for _, m := range members {
		byUID[m.UID] = m
	}
	fresh := &memberCacheEntry{members: members, byUID: byUID, loadedAt: time.Now()}

	r.memberMu.Lock()
	r.memberCache[gid] = fresh
	r.memberMu.Unlock()
	return fresh, nil
}

func (r *Round) invalidateMemberCache(gid string) {
	r.memberMu.Lock()
	delete(r.memberCache, gid)
	r.memberMu.Unlock()
}

// reconcile drops cursor entries for uids no longer in gid (spec.md
// §4.6 step 5) and forces a membership reload when the DAO disagrees
// with the in-memory index.
func (r *Round) reconcile(ctx context.Context, shard, gid string, cursors map[string]dao.UserCursor, memberSet map[string]dao.GroupMember) {
	for uid := range cursors {
		if _, inSet := memberSet[uid]; inSet {
			continue
		}
		isMember, err := r.groups.IsMember(ctx, gid, uid)
		if err != nil {
			continue
		}
		if !isMember {
			_ = r.queue.DeleteUserCursor(ctx, shard, gid, uid)
		} else {
			r.invalidateMemberCache(gid)
		}
	}
}

// dropSurpassedRows filters out rows whose mid has already been surpassed
// by a prior round for gid, so a row that reappears in group_msg_list
// after its round already advanced the watermark (e.g. a removal that
// raced with a concurrent re-add) is not redelivered (spec.md §4.6 step 4:
// "subsequent rounds can detect and drop rows already surpassed").
func (r *Round) dropSurpassedRows(gid string, rows []queueRow) []queueRow {
	watermark := r.Watermark(gid)
	if watermark == 0 {
		return rows
	}
	out := rows[:0]
	for _, row := range rows {
		if row.Mid <= watermark {
			continue
		}
		out = append(out, row)
	}
	if len(out) < len(rows) {
		logrus.WithFields(logrus.Fields{"gid": gid, "watermark": watermark, "dropped": len(rows) - len(out)}).
			Debug("offline: dropped rows already surpassed by the watermark")
	}
	return out
}

func (r *Round) setWatermark(gid string, mid uint64) {
	if mid == 0 {
		return
	}
	r.watermarkMu.Lock()
	if mid > r.watermark[gid] {
		r.watermark[gid] = mid
	}
	r.watermarkMu.Unlock()
}

// Watermark returns gid's highest surpassed mid, used by later rounds to
// detect and drop rows already delivered (spec.md §4.6 step 4).
func (r *Round) Watermark(gid string) uint64 {
	r.watermarkMu.Lock()
	defer r.watermarkMu.Unlock()
	return r.watermark[gid]
}
