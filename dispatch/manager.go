// Package dispatch implements the dispatch manager and per-session
// dispatch channel (spec.md §4.2, §4.3): the process-local authority over
// address -> channel mappings, connected-notify arbitration, stored
// message drain, P2P delivery, and receipts.
package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/dao"
	"github.com/bcmapp/groupdispatch/envcrypto"
	"github.com/bcmapp/groupdispatch/onlineredis"
	"github.com/bcmapp/groupdispatch/wire"
)

// Config holds the dispatch manager's tunables (spec.md §4.3.1).
type Config struct {
	DrainBatchLimit         int
	MinIOSClientVersion     int
	MinAndroidClientVersion int
	Workers                 int
	InboxSize               int
}

// DefaultConfig returns the spec.md §4.3.1 defaults.
func DefaultConfig() Config {
	return Config{
		DrainBatchLimit:         50,
		MinIOSClientVersion:     1235,
		MinAndroidClientVersion: 1105,
		Workers:                 8,
		InboxSize:               4096,
	}
}

// Partitioner is the subset of onlineredis.Partitioner the manager
// depends on; a narrow interface so tests can fake it.
type Partitioner interface {
	Subscribe(hashKey, channel string, h onlineredis.Handler) error
	Unsubscribe(hashKey, channel string) error
	Publish(hashKey, channel string, payload []byte, cb onlineredis.PublishCallback)
}

// Listener is notified on every first-subscribe and last-unsubscribe per
// address (spec.md §4.2 userStatusListeners).
type Listener interface {
	OnUserOnline(ctx context.Context, addr address.Address)
	OnUserOffline(ctx context.Context, addr address.Address)
}

// BadgeCounter deletes the per-address push-badge counter on reconnect
// (spec.md §4.2 step 4: "the counter resets on reconnection").
type BadgeCounter interface {
	Delete(ctx context.Context, addr address.Address) error
}

// PushSubmitter hands a constructed Notification to the offline dispatcher
// for vendor-specific delivery (spec.md §4.3.2 step 6).
type PushSubmitter interface {
	Submit(ctx context.Context, notif wire.Notification) error
}

type eventType int

const (
	evRedisSubscribed eventType = iota
	evRedisUnsubscribed
	evRedisMessage
	evGroupMessage
)

type event struct {
	typ     eventType
	addr    address.Address
	payload []byte
}

// GroupTarget is one (address, payload) pair produced by the group
// router for sendGroupMessage (spec.md §4.2).
type GroupTarget struct {
	Addr    address.Address
	Payload []byte
}

// Manager is the dispatch manager (spec.md §4.2).
type Manager struct {
	partitioner Partitioner
	stored      dao.StoredMessagesDAO
	contacts    dao.ContactsDAO
	push        PushSubmitter
	badges      BadgeCounter
	cfg         Config

	mu       sync.RWMutex
	channels map[address.Address]*Channel

	listenersMu sync.RWMutex
	listeners   []Listener

	nextIdentity atomic.Uint64

	inbox chan event
	pool  *workerPool
	done  chan struct{}
	wg    sync.WaitGroup
}

// New constructs a Manager. Run must be called to start its dispatch loop.
func New(partitioner Partitioner, stored dao.StoredMessagesDAO, contacts dao.ContactsDAO, push PushSubmitter, badges BadgeCounter, cfg Config) *Manager {
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = DefaultConfig().InboxSize
	}
	return &Manager{
		partitioner: partitioner,
		stored:      stored,
		contacts:    contacts,
		push:        push,
		badges:      badges,
		cfg:         cfg,
		channels:    make(map[address.Address]*Channel),
		inbox:       make(chan event, cfg.InboxSize),
		pool:        newWorkerPool(cfg.Workers),
		done:        make(chan struct{}),
	}
}

// AddListener registers a Listener for online/offline notifications.
func (m *Manager) AddListener(l Listener) {
	m.listenersMu.Lock()
	m.listeners = append(m.listeners, l)
	m.listenersMu.Unlock()
}

// Run starts the single-goroutine dispatch loop (spec.md §4.2 "bridge").
func (m *Manager) Run(ctx context.Context) {
	m.wg.Add(1)
	go m.loop(ctx)
}

// Stop halts the dispatch loop and worker pool.
func (m *Manager) Stop() {
	close(m.done)
	m.wg.Wait()
	m.pool.stop()
}

func (m *Manager) loop(ctx context.Context) {
	defer m.wg.Done()
	for {
		select {
		case ev := <-m.inbox:
			m.route(ctx, ev)
		case <-m.done:
			return
		case <-ctx.Done():
			return
		}
	}
}

// route dispatches one event to its target channel's handler on the
// worker pool, dropping unknown-address events (spec.md §4.2: "Unknown
// events are dropped").
func (m *Manager) route(ctx context.Context, ev event) {
	m.mu.RLock()
	ch := m.channels[ev.addr]
	m.mu.RUnlock()
	if ch == nil {
		return
	}
	m.pool.submit(ev.addr.String(), func() {
		switch ev.typ {
		case evRedisSubscribed:
			ch.onSubscribed(ctx)
		case evRedisUnsubscribed:
			ch.setState(stateUnavailable)
		case evRedisMessage:
			ch.onPubSubMessage(ctx, ev.payload)
		case evGroupMessage:
			ch.onGroupMessage(ctx, ev.payload)
		}
	})
}

// Subscribe installs a new Channel for address, arbitrating with any
// channel already at that address (spec.md §4.2).
func (m *Manager) Subscribe(ctx context.Context, addr address.Address, session Session) (uint64, error) {
	identity := m.nextIdentity.Add(1)
	ch := newChannel(addr, session, identity, m)

	m.mu.Lock()
	prior := m.channels[addr]
	m.channels[addr] = ch
	m.mu.Unlock()

	connectedPayload, _ := json.Marshal(wire.ConnectedPayload{Identity: identity})
	msg, _ := json.Marshal(wire.PubSubMessage{Type: wire.PubSubConnected, Content: connectedPayload})

	m.partitioner.Publish(addr.UID, addr.String(), msg, func(onlineredis.Status, onlineredis.Reply) {})

	if m.badges != nil {
		_ = m.badges.Delete(ctx, addr)
	}

	m.partitioner.Publish(addr.UID, addr.OnlineChannel(), msg, func(onlineredis.Status, onlineredis.Reply) {})

	if err := m.partitioner.Subscribe(addr.UID, addr.String(), channelHandler{m: m, addr: addr}); err != nil {
		return 0, fmt.Errorf("dispatch: subscribe %s: %w", addr.String(), err)
	}

	m.notifyOnline(ctx, addr)

	if prior != nil {
		m.teardown(prior, true)
	}

	return identity, nil
}

// Unsubscribe removes the channel at address iff its identity matches
// (CAS semantics); a stale session's teardown never removes a newer
// channel (spec.md §4.2).
func (m *Manager) Unsubscribe(ctx context.Context, addr address.Address, identity uint64) {
	m.mu.Lock()
	ch, ok := m.channels[addr]
	if !ok || ch.identity != identity {
		m.mu.Unlock()
		return
	}
	delete(m.channels, addr)
	m.mu.Unlock()

	ch.setState(stateUnavailable)
	_ = m.partitioner.Unsubscribe(addr.UID, addr.String())
	m.notifyOffline(ctx, addr)
}

// Kick unconditionally removes and disconnects the channel at address,
// ignoring identity (spec.md §4.2).
func (m *Manager) Kick(ctx context.Context, addr address.Address) {
	m.mu.Lock()
	ch, ok := m.channels[addr]
	if ok {
		delete(m.channels, addr)
	}
	m.mu.Unlock()
	if !ok {
		return
	}
	m.teardown(ch, false)
}

// teardown marks ch unavailable and disconnects its session. kicking is
// true when ch has just been replaced by a newer channel at the same
// address: the address's subscription and online status now belong to the
// replacement, so they are left in place.
func (m *Manager) teardown(ch *Channel, kicking bool) {
	ch.setState(stateUnavailable)
	if !kicking {
		_ = m.partitioner.Unsubscribe(ch.addr.UID, ch.addr.String())
	}
	ch.session.Disconnect()
	if !kicking {
		m.notifyOffline(context.Background(), ch.addr)
	}
}

// Publish delegates to the partitioner, blocking for the integer reply,
// and reports whether any subscriber received the message (spec.md §4.2).
func (m *Manager) Publish(addr address.Address, payload []byte) bool {
	result := make(chan bool, 1)
	m.partitioner.Publish(addr.UID, addr.String(), payload, func(status onlineredis.Status, reply onlineredis.Reply) {
		result <- status == onlineredis.StatusOK && reply.SubscriberCount > 0
	})
	return <-result
}

// SendGroupMessage enqueues one GROUP_MESSAGE event per target (spec.md
// §4.2).
func (m *Manager) SendGroupMessage(batch []GroupTarget) {
	for _, t := range batch {
		select {
		case m.inbox <- event{typ: evGroupMessage, addr: t.Addr, payload: t.Payload}:
		case <-m.done:
			return
		}
	}
}

func (m *Manager) notifyOnline(ctx context.Context, addr address.Address) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l.OnUserOnline(ctx, addr)
	}
}

func (m *Manager) notifyOffline(ctx context.Context, addr address.Address) {
	m.listenersMu.RLock()
	defer m.listenersMu.RUnlock()
	for _, l := range m.listeners {
		l.OnUserOffline(ctx, addr)
	}
}

// channelHandler adapts one address's partitioner callbacks into Manager
// inbox events (spec.md §4.2: "Partitioner callbacks... enqueue the
// corresponding event. They never call into channels directly.").
type channelHandler struct {
	m    *Manager
	addr address.Address
}

func (h channelHandler) OnSubscribed(string) {
	h.m.enqueue(event{typ: evRedisSubscribed, addr: h.addr})
}

func (h channelHandler) OnMessage(_ string, payload []byte) {
	h.m.enqueue(event{typ: evRedisMessage, addr: h.addr, payload: payload})
}

func (h channelHandler) OnUnsubscribed(string) {
	h.m.enqueue(event{typ: evRedisUnsubscribed, addr: h.addr})
}

func (h channelHandler) OnError(channel string, err error) {
	logrus.WithFields(logrus.Fields{"channel": channel, "error": err.Error()}).
		Warn("dispatch: partitioner subscription error")
}

func (m *Manager) enqueue(ev event) {
	select {
	case m.inbox <- ev:
	case <-m.done:
	}
}

// --- stored-message drain (spec.md §4.3.1) ---

func clientSupportsBatch(cv dao.ClientVersion, cfg Config) bool {
	switch cv.OSType {
	case "ios":
		return cv.BCMBuildCode >= cfg.MinIOSClientVersion
	case "android":
		return cv.BCMBuildCode >= cfg.MinAndroidClientVersion
	default:
		return false
	}
}

func (m *Manager) drainStored(ctx context.Context, ch *Channel) {
	for {
		msgs, err := m.stored.Get(ctx, ch.addr.UID, ch.addr.DeviceID, m.cfg.DrainBatchLimit)
		if err != nil || len(msgs) == 0 {
			return
		}
		account, err := ch.session.AuthenticatedAccount(ctx, false)
		if err != nil {
			return
		}
		device, ok := account.Device(ch.addr.DeviceID)
		if !ok {
			return
		}
		supportsEncryptedSender := clientSupportsBatch(device.ClientVersion, m.cfg)

		var stale, fresh []wire.StoredMessage
		for _, sm := range msgs {
			if sm.DestinationRegistrationID != 0 && sm.DestinationRegistrationID != device.RegistrationID &&
				sm.Source != "" && !supportsEncryptedSender {
				stale = append(stale, sm)
			} else {
				fresh = append(fresh, sm)
			}
		}
		for _, sm := range stale {
			m.sendStaleReceipt(ctx, ch, sm)
			_ = m.stored.Delete(ctx, ch.addr.UID, ch.addr.DeviceID, sm.ID)
		}
		if len(fresh) == 0 {
			continue
		}

		if !clientSupportsBatch(device.ClientVersion, m.cfg) {
			remain := len(fresh) > 1
			for _, sm := range fresh {
				id := sm.ID
				m.deliverP2P(ctx, ch, sm.Envelope, &id, remain)
			}
			return
		}

		keys, err := envcrypto.DecodeSignalingKey(device.SignalingKey)
		if err != nil {
			return
		}
		mailbox := wire.Mailbox{}
		for _, sm := range fresh {
			mailbox.Envelopes = append(mailbox.Envelopes, sm.Envelope)
		}
		plaintext, err := json.Marshal(mailbox)
		if err != nil {
			return
		}
		framed, err := envcrypto.Encrypt(keys, plaintext)
		if err != nil {
			return
		}
		status, _, err := ch.session.SendRequest(ctx, "PUT", "/api/v1/messages", framed)
		if err != nil || status/100 != 2 {
			return
		}
		for _, sm := range fresh {
			_ = m.stored.Delete(ctx, ch.addr.UID, ch.addr.DeviceID, sm.ID)
		}
		if len(fresh) == m.cfg.DrainBatchLimit {
			continue
		}
		_, _, _ = ch.session.SendRequest(ctx, "PUT", "/api/v1/queue/empty", nil)
		return
	}
}

func (m *Manager) drainFriendEvents(ctx context.Context, ch *Channel) {
	if m.contacts == nil {
		return
	}
	events, err := m.contacts.DrainFailed(ctx, ch.addr.UID)
	if err != nil || len(events) == 0 {
		return
	}
	body, err := json.Marshal(events)
	if err != nil {
		return
	}
	_, _, _ = ch.session.SendRequest(ctx, "PUT", "/api/v1/friends", body)
}

// --- P2P delivery (spec.md §4.3.2) ---

func (m *Manager) deliverP2P(ctx context.Context, ch *Channel, env wire.Envelope, storageID *uint64, remain bool) {
	account, err := ch.session.AuthenticatedAccount(ctx, false)
	if err != nil {
		return
	}
	device, ok := account.Device(ch.addr.DeviceID)
	if !ok {
		return
	}
	keys, err := envcrypto.DecodeSignalingKey(device.SignalingKey)
	if err != nil {
		return // abort, message stays in storage
	}
	plaintext, err := json.Marshal(env)
	if err != nil {
		return
	}
	framed, err := envcrypto.Encrypt(keys, plaintext)
	if err != nil {
		return
	}

	status, _, sendErr := ch.session.SendRequest(ctx, "PUT", "/api/v1/message", framed)

	switch {
	case sendErr == nil && status/100 == 2:
		if storageID != nil {
			_ = m.stored.Delete(ctx, ch.addr.UID, ch.addr.DeviceID, *storageID)
		}
		if remain {
			m.drainStored(ctx, ch)
		}

	case errors.Is(sendErr, ErrConnectionClosedWithoutResponse):
		if storageID != nil {
			return // replay; leave the already-stored row alone, don't republish
		}
		content, _ := json.Marshal(env)
		msg, _ := json.Marshal(wire.PubSubMessage{Type: wire.PubSubDeliver, Content: content})
		_ = m.Publish(ch.addr, msg)

	default:
		if env.IsNoise() {
			return
		}
		if storageID != nil {
			return // replay; leave the row for the next trigger
		}
		if _, setErr := m.stored.Set(ctx, ch.addr.UID, ch.addr.DeviceID, device.RegistrationID, env); setErr != nil {
			logrus.WithFields(logrus.Fields{"address": ch.addr.String(), "error": setErr.Error()}).
				Error("dispatch: failed to persist undelivered envelope")
			return
		}
		if ch.addr.IsMaster() && !env.IsReceipt() && env.Push != wire.PushSilent && device.Pushable && m.push != nil {
			notif := buildNotification(ch.addr, device)
			_ = m.push.Submit(ctx, notif)
		}
	}
}

func buildNotification(addr address.Address, device dao.Device) wire.Notification {
	return wire.Notification{
		UID:          addr.UID,
		DeviceID:     addr.DeviceID,
		Badge:        1,
		APNSID:       device.APNSID,
		APNSType:     device.APNSType,
		VoipApnID:    device.VoipApnID,
		FCMID:        device.FCMID,
		UmengID:      device.UmengID,
		OSType:       device.OSType,
		OSVersion:    device.OSVersion,
		PhoneModel:   device.PhoneModel,
		BCMBuildCode: device.ClientVersion.BCMBuildCode,
	}
}

// --- receipts (spec.md §4.3.3) ---

func (m *Manager) sendStaleReceipt(ctx context.Context, ch *Channel, sm wire.StoredMessage) {
	receipt := receiptEnvelope(ch, []byte("STALE"))
	destAddr := address.New(sm.Source, sm.Envelope.SourceDevice)

	content, _ := json.Marshal(receipt)
	msg, _ := json.Marshal(wire.PubSubMessage{Type: wire.PubSubDeliver, Content: content})

	if delivered := m.Publish(destAddr, msg); delivered {
		return
	}
	if _, err := m.stored.Set(ctx, destAddr.UID, destAddr.DeviceID, 0, receipt); err != nil {
		logrus.WithFields(logrus.Fields{"address": destAddr.String(), "error": err.Error()}).
			Warn("dispatch: failed to persist stale receipt")
	}
}

// --- friend event forwarding (spec.md §4.3) ---

func (m *Manager) forwardFriendEvent(ctx context.Context, ch *Channel, content []byte) {
	_, _, err := ch.session.SendRequest(ctx, "PUT", "/api/v1/friends", content)
	if err == nil {
		return
	}
	if errors.Is(err, ErrConnectionClosedWithoutResponse) {
		msg, _ := json.Marshal(wire.PubSubMessage{Type: wire.PubSubFriend, Content: content})
		_ = m.Publish(ch.addr, msg)
		return
	}
	if m.contacts == nil {
		return
	}
	var evt wire.FriendEvent
	if jsonErr := json.Unmarshal(content, &evt); jsonErr != nil {
		return
	}
	if saveErr := m.contacts.SaveFailed(ctx, ch.addr.UID, evt); saveErr != nil {
		logrus.WithFields(logrus.Fields{"uid": ch.addr.UID, "error": saveErr.Error()}).
			Error("dispatch: failed to persist failed friend event")
	}
}
