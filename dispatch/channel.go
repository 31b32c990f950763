package dispatch

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/wire"
)

// state is a Channel's position in the SUBSCRIBING/ACTIVE/UNAVAILABLE
// state machine (spec.md §4.3).
type state int

const (
	stateSubscribing state = iota
	stateActive
	stateUnavailable
)

// Channel is the per-(address, session) worker created at subscribe time
// and destroyed at unsubscribe (spec.md §3, §4.3).
type Channel struct {
	addr     address.Address
	session  Session
	identity uint64
	manager  *Manager

	mu    sync.Mutex
	state state
}

func newChannel(addr address.Address, session Session, identity uint64, m *Manager) *Channel {
	return &Channel{addr: addr, session: session, identity: identity, manager: m, state: stateSubscribing}
}

func (ch *Channel) getState() state {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

func (ch *Channel) setState(s state) {
	ch.mu.Lock()
	ch.state = s
	ch.mu.Unlock()
}

// Available reports whether the partitioner has confirmed this channel's
// subscription (spec.md §3 Channel.available).
func (ch *Channel) Available() bool {
	return ch.getState() == stateActive
}

// onSubscribed transitions SUBSCRIBING -> ACTIVE and drains outstanding
// work (spec.md §4.3: "On entry: drain the stored-message queue, and for
// master devices drain stored friend events").
func (ch *Channel) onSubscribed(ctx context.Context) {
	ch.setState(stateActive)
	ch.manager.drainStored(ctx, ch)
	if ch.addr.IsMaster() {
		ch.manager.drainFriendEvents(ctx, ch)
	}
}

// onPubSubMessage decodes one PubSubMessage received on this channel's
// address channel and dispatches it by type (spec.md §4.3). All inbound
// messages are dropped while SUBSCRIBING.
func (ch *Channel) onPubSubMessage(ctx context.Context, raw []byte) {
	if ch.getState() != stateActive {
		return
	}
	var msg wire.PubSubMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		logrus.WithFields(logrus.Fields{"address": ch.addr.String(), "error": err.Error()}).
			Warn("dispatch: dropping malformed pubsub message")
		return
	}

	switch msg.Type {
	case wire.PubSubQueryDB:
		ch.manager.drainStored(ctx, ch)

	case wire.PubSubDeliver:
		var env wire.Envelope
		if err := json.Unmarshal(msg.Content, &env); err != nil {
			return
		}
		ch.manager.deliverP2P(ctx, ch, env, nil, false)

	case wire.PubSubConnected:
		var payload wire.ConnectedPayload
		if err := json.Unmarshal(msg.Content, &payload); err != nil {
			return
		}
		if payload.Identity != ch.identity {
			ch.setState(stateUnavailable)
			ch.session.Disconnect()
		}

	case wire.PubSubMultiDevice:
		var evt wire.MultiDeviceEvent
		if err := json.Unmarshal(msg.Content, &evt); err != nil {
			return
		}
		_, _, _ = ch.session.SendRequest(ctx, "PUT", "/api/v1/devices", evt.Body)
		switch evt.Type {
		case wire.DeviceAuth, wire.DeviceKickedByOther, wire.DeviceKickedByMaster, wire.MasterLogout:
			ch.session.Disconnect()
		}

	case wire.PubSubFriend:
		ch.manager.forwardFriendEvent(ctx, ch, msg.Content)

	case wire.PubSubNotification:
		_, _, _ = ch.session.SendRequest(ctx, "PUT", "/api/v1/group_message", msg.Content)

	case wire.PubSubClose, wire.PubSubKeepalive, wire.PubSubCheck, wire.PubSubQueryOnline:
		// No action at this layer; consumed only by presence arbitration
		// elsewhere (spec.md §4.3).

	default:
		logrus.WithField("type", msg.Type).Debug("dispatch: dropping unknown pubsub message type")
	}
}

// onGroupMessage forwards an already-built group-message payload directly
// to the client (spec.md §4.2 sendGroupMessage, §4.3 NOTIFICATION).
func (ch *Channel) onGroupMessage(ctx context.Context, payload []byte) {
	if ch.getState() != stateActive {
		return
	}
	_, _, _ = ch.session.SendRequest(ctx, "PUT", "/api/v1/group_message", payload)
}

// receiptEnvelope builds an inverse-routed RECEIPT envelope from ch back
// toward destination (spec.md §4.3.3).
func receiptEnvelope(ch *Channel, content []byte) wire.Envelope {
	return wire.Envelope{
		Type:         wire.EnvelopeReceipt,
		Source:       ch.addr.UID,
		SourceDevice: ch.addr.DeviceID,
		Timestamp:    time.Now(),
		Content:      content,
	}
}
