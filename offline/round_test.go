package offline

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bcmapp/groupdispatch/dao"
	"github.com/bcmapp/groupdispatch/wire"
)

type fakeQueue struct {
	mu         sync.Mutex
	shards     []string
	rows       map[string][]dao.ScanRow // shard -> rows
	removed    map[string][]string
	multicast  map[string]dao.MulticastEntry // field -> entry
	mcDeleted  []string
	cursors    map[string]map[string]dao.UserCursor // gid -> uid -> cursor
	setCalls   []map[string]dao.UserCursor
	deletedUID []string
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{
		rows:      make(map[string][]dao.ScanRow),
		removed:   make(map[string][]string),
		multicast: make(map[string]dao.MulticastEntry),
		cursors:   make(map[string]map[string]dao.UserCursor),
	}
}

func (f *fakeQueue) ActiveShards(ctx context.Context) ([]string, error) { return f.shards, nil }

func (f *fakeQueue) ScanMsgList(ctx context.Context, shard string, minScore, maxScore int64, pageSize int) ([]dao.ScanRow, error) {
	return f.rows[shard], nil
}

func (f *fakeQueue) RemoveMsgListMembers(ctx context.Context, shard string, members []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.removed[shard] = append(f.removed[shard], members...)
	return nil
}

func (f *fakeQueue) GetMulticastEntries(ctx context.Context, shard string, fields []string) (map[string]dao.MulticastEntry, error) {
	out := make(map[string]dao.MulticastEntry)
	for _, field := range fields {
		if e, ok := f.multicast[field]; ok {
			out[field] = e
		}
	}
	return out, nil
}

func (f *fakeQueue) DeleteMulticastEntries(ctx context.Context, shard string, fields []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.mcDeleted = append(f.mcDeleted, fields...)
	return nil
}

func (f *fakeQueue) GetUserCursors(ctx context.Context, shard, gid string, uids []string) (map[string]dao.UserCursor, error) {
	out := make(map[string]dao.UserCursor)
	for _, uid := range uids {
		if c, ok := f.cursors[gid][uid]; ok {
			out[uid] = c
		}
	}
	return out, nil
}

func (f *fakeQueue) ScanUserCursors(ctx context.Context, shard, gid string, pageSize int) (map[string]dao.UserCursor, error) {
	out := make(map[string]dao.UserCursor, len(f.cursors[gid]))
	for uid, c := range f.cursors[gid] {
		out[uid] = c
	}
	return out, nil
}

func (f *fakeQueue) SetUserCursors(ctx context.Context, shard, gid string, cursors map[string]dao.UserCursor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.setCalls = append(f.setCalls, cursors)
	if f.cursors[gid] == nil {
		f.cursors[gid] = make(map[string]dao.UserCursor)
	}
	for uid, c := range cursors {
		f.cursors[gid][uid] = c
	}
	return nil
}

func (f *fakeQueue) DeleteUserCursor(ctx context.Context, shard, gid, uid string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deletedUID = append(f.deletedUID, uid)
	delete(f.cursors[gid], uid)
	return nil
}

type fakeMembers struct {
	members map[string][]dao.GroupMember
}

func (f *fakeMembers) GetGroupMembers(ctx context.Context, gid string) ([]dao.GroupMember, error) {
	return f.members[gid], nil
}

func (f *fakeMembers) IsMember(ctx context.Context, gid, uid string) (bool, error) {
	for _, m := range f.members[gid] {
		if m.UID == uid {
			return true, nil
		}
	}
	return false, nil
}

type fakeAccounts struct {
	accounts map[string]dao.Account
}

func (f *fakeAccounts) GetAccounts(ctx context.Context, uids []string) (map[string]dao.Account, error) {
	out := make(map[string]dao.Account)
	for _, uid := range uids {
		if a, ok := f.accounts[uid]; ok {
			out[uid] = a
		}
	}
	return out, nil
}

type fakeLocal struct {
	mu      sync.Mutex
	vendor  string
	sent    []wire.Notification
}

func (f *fakeLocal) Handles(vendor string) bool { return vendor == f.vendor }

func (f *fakeLocal) Submit(ctx context.Context, notif wire.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, notif)
	return nil
}

type fakePeers struct {
	mu     sync.Mutex
	calls  []string
	dests  map[string]wire.Notification
}

func (f *fakePeers) DispatchGroupBatch(ctx context.Context, vendor, gid string, mid uint64, destinations map[string]wire.Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, vendor)
	f.dests = destinations
	return nil
}

type fakeLease struct{ held bool }

func (f *fakeLease) Held() bool { return f.held }

type fakeMetrics struct {
	mu       sync.Mutex
	counters map[string]int64
	gauges   map[string]float64
}

func newFakeMetrics() *fakeMetrics {
	return &fakeMetrics{counters: make(map[string]int64), gauges: make(map[string]float64)}
}
func (f *fakeMetrics) Inc(name string, delta int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.counters[name] += delta
}
func (f *fakeMetrics) Set(name string, value float64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.gauges[name] = value
}

func testConfig() Config {
	return Config{
		RoundInterval:      time.Second,
		ScanPageSize:       100,
		MinRowAge:          0,
		MaxRowAge:          time.Hour,
		MemberReloadWindow: time.Minute,
		AccountBatchSize:   20,
		Workers:            2,
	}
}

func TestBroadcastRoundDeliversToUnmutedMembersLocally(t *testing.T) {
	queue := newFakeQueue()
	queue.shards = []string{"shard0"}
	queue.rows["shard0"] = []dao.ScanRow{{Member: "g1_5_BROADCAST", Score: 1}}
	queue.cursors["g1"] = map[string]dao.UserCursor{
		"u1": {LastMid: 0, APNSID: "apns-u1"},
		"u2": {LastMid: 0, FCMID: "fcm-u2"},
	}
	members := &fakeMembers{members: map[string][]dao.GroupMember{
		"g1": {{UID: "u1", Muted: false}, {UID: "u2", Muted: false}, {UID: "u3", Muted: true}},
	}}
	local := &fakeLocal{vendor: "apns"}
	peers := &fakePeers{}
	lease := &fakeLease{held: true}
	metrics := newFakeMetrics()

	r := New(queue, members, &fakeAccounts{}, local, peers, lease, metrics, testConfig())
	defer r.Close()

	r.RunOnce(context.Background())

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.sent) != 1 || local.sent[0].UID != "u1" {
		t.Fatalf("expected u1's apns notification delivered locally, got %+v", local.sent)
	}
	peers.mu.Lock()
	defer peers.mu.Unlock()
	if len(peers.calls) != 1 || peers.calls[0] != "fcm" {
		t.Fatalf("expected u2's fcm notification routed to peer, got %+v", peers.calls)
	}
	if len(queue.removed["shard0"]) != 1 {
		t.Fatalf("expected processed row removed from group_msg_list, got %v", queue.removed)
	}
}

func TestCursorSkipsAlreadyDeliveredMessage(t *testing.T) {
	queue := newFakeQueue()
	queue.shards = []string{"shard0"}
	queue.rows["shard0"] = []dao.ScanRow{{Member: "g1_5_BROADCAST", Score: 1}}
	queue.cursors["g1"] = map[string]dao.UserCursor{"u1": {LastMid: 9, APNSID: "apns-u1"}}
	members := &fakeMembers{members: map[string][]dao.GroupMember{"g1": {{UID: "u1"}}}}
	local := &fakeLocal{vendor: "apns"}

	r := New(queue, members, &fakeAccounts{}, local, &fakePeers{}, &fakeLease{held: true}, newFakeMetrics(), testConfig())
	defer r.Close()

	r.RunOnce(context.Background())

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.sent) != 0 {
		t.Fatalf("expected delivery skipped for cursor.lastMid >= mid, got %+v", local.sent)
	}
}

func TestMulticastRoundExcludesSenderAndRecoversEntry(t *testing.T) {
	queue := newFakeQueue()
	queue.shards = []string{"shard0"}
	queue.rows["shard0"] = []dao.ScanRow{{Member: "g1_10_MULTICAST", Score: 1}}
	queue.multicast["g1_10_MULTICAST"] = dao.MulticastEntry{FromUID: "sender", Members: []string{"sender", "u1"}}
	queue.cursors["g1"] = map[string]dao.UserCursor{"u1": {APNSID: "apns-u1"}}
	local := &fakeLocal{vendor: "apns"}

	r := New(queue, &fakeMembers{}, &fakeAccounts{}, local, &fakePeers{}, &fakeLease{held: true}, newFakeMetrics(), testConfig())
	defer r.Close()

	r.RunOnce(context.Background())

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.sent) != 1 || local.sent[0].UID != "u1" {
		t.Fatalf("expected only u1 (sender excluded), got %+v", local.sent)
	}
	if len(queue.mcDeleted) != 1 {
		t.Fatalf("expected multicast entry HDEL'd after recovery, got %v", queue.mcDeleted)
	}
}

func TestMissingTokenResolvesAccountOrDropsOnNoConfig(t *testing.T) {
	queue := newFakeQueue()
	queue.shards = []string{"shard0"}
	queue.rows["shard0"] = []dao.ScanRow{{Member: "g1_1_BROADCAST", Score: 1}}
	queue.cursors["g1"] = map[string]dao.UserCursor{} // no tokens on file for either uid
	members := &fakeMembers{members: map[string][]dao.GroupMember{
		"g1": {{UID: "has-config"}, {UID: "no-config"}},
	}}
	accounts := &fakeAccounts{accounts: map[string]dao.Account{
		"has-config": {UID: "has-config", Devices: []dao.Device{{ID: 1, FCMID: "fcm-token"}}},
		"no-config":  {UID: "no-config", Devices: []dao.Device{{ID: 1}}}, // device present, no vendor token
	}}
	local := &fakeLocal{vendor: "fcm"}

	r := New(queue, members, accounts, local, &fakePeers{}, &fakeLease{held: true}, newFakeMetrics(), testConfig())
	defer r.Close()

	r.RunOnce(context.Background())

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.sent) != 1 || local.sent[0].UID != "has-config" {
		t.Fatalf("expected only has-config delivered, got %+v", local.sent)
	}
	found := false
	for _, uid := range queue.deletedUID {
		if uid == "no-config" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected stale cursor entry for NO_CONFIG account HDEL'd, got %v", queue.deletedUID)
	}
}

func TestWatermarkDropsRowsAlreadySurpassedByAPriorRound(t *testing.T) {
	queue := newFakeQueue()
	queue.cursors["g1"] = map[string]dao.UserCursor{"u1": {APNSID: "apns-u1"}}
	members := &fakeMembers{members: map[string][]dao.GroupMember{"g1": {{UID: "u1"}}}}
	local := &fakeLocal{vendor: "apns"}

	r := New(queue, members, &fakeAccounts{}, local, &fakePeers{}, &fakeLease{held: true}, newFakeMetrics(), testConfig())
	defer r.Close()

	row := queueRow{GID: "g1", Mid: 5, PushType: wire.PushBroadcast}
	r.processGidTask(context.Background(), "shard0", "g1", []queueRow{row})

	if got := r.Watermark("g1"); got != 5 {
		t.Fatalf("expected watermark advanced to 5, got %d", got)
	}
	local.mu.Lock()
	if len(local.sent) != 1 {
		local.mu.Unlock()
		t.Fatalf("expected first round to deliver once, got %+v", local.sent)
	}
	local.mu.Unlock()

	// Drop the per-user cursor so the only thing that can prevent
	// redelivery of the same row is the round's watermark.
	queue.mu.Lock()
	delete(queue.cursors["g1"], "u1")
	queue.mu.Unlock()

	r.processGidTask(context.Background(), "shard0", "g1", []queueRow{row})

	local.mu.Lock()
	defer local.mu.Unlock()
	if len(local.sent) != 1 {
		t.Fatalf("expected watermark to drop the already-surpassed row, got %+v", local.sent)
	}
}

func TestSkippedWhenLeaseNotHeldOrPreviousRoundRunning(t *testing.T) {
	queue := newFakeQueue()
	queue.shards = []string{"shard0"}
	queue.rows["shard0"] = []dao.ScanRow{{Member: "g1_1_BROADCAST", Score: 1}}
	lease := &fakeLease{held: false}
	r := New(queue, &fakeMembers{}, &fakeAccounts{}, &fakeLocal{}, &fakePeers{}, lease, newFakeMetrics(), testConfig())
	defer r.Close()

	ctx, cancel := context.WithCancel(context.Background())
	r.cfg.RoundInterval = 10 * time.Millisecond
	go r.Run(ctx)
	time.Sleep(30 * time.Millisecond)
	cancel()

	queue.mu.Lock()
	if len(queue.removed) != 0 {
		queue.mu.Unlock()
		t.Fatalf("expected no round activity while lease is unheld, got %v", queue.removed)
	}
	queue.mu.Unlock()

	// Lease held, but a previous round is still marked as running.
	busy := New(queue, &fakeMembers{}, &fakeAccounts{}, &fakeLocal{}, &fakePeers{}, &fakeLease{held: true}, newFakeMetrics(), testConfig())
	defer busy.Close()
	atomic.StoreInt32(&busy.running, 1)

	busyCtx, busyCancel := context.WithCancel(context.Background())
	busy.cfg.RoundInterval = 10 * time.Millisecond
	go busy.Run(busyCtx)
	time.Sleep(30 * time.Millisecond)
	busyCancel()

	queue.mu.Lock()
	defer queue.mu.Unlock()
	if len(queue.removed) != 0 {
		t.Fatalf("expected no round activity while a previous round is running, got %v", queue.removed)
	}
}
