package main

import (
	"context"
	"encoding/json"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/dao"
	"github.com/bcmapp/groupdispatch/dispatch"
	"github.com/bcmapp/groupdispatch/groupmsg"
	"github.com/bcmapp/groupdispatch/membership"
	"github.com/bcmapp/groupdispatch/onlineredis"
	"github.com/bcmapp/groupdispatch/wire"
)

// membershipListener bridges dispatch.Manager's per-address online/offline
// notifications into the membership index, which additionally needs the
// client's BCM build code for noise-injection version gating (spec.md
// §4.4); dispatch.Listener carries no version, so this adapter looks the
// device up through the accounts DAO (version 0 if the lookup fails).
type membershipListener struct {
	index    *membership.Index
	accounts dao.AccountsDAO
}

func (l *membershipListener) OnUserOnline(ctx context.Context, addr address.Address) {
	version := 0
	if acct, err := l.accounts.GetAccount(ctx, addr.UID); err == nil {
		if dev, ok := acct.Device(addr.DeviceID); ok {
			version = dev.ClientVersion.BCMBuildCode
		}
	}
	if err := l.index.OnUserOnline(ctx, addr, version); err != nil {
		logrus.WithFields(logrus.Fields{"addr": addr.String(), "error": err.Error()}).
			Warn("dispatchd: membership online update failed")
	}
}

func (l *membershipListener) OnUserOffline(ctx context.Context, addr address.Address) {
	if err := l.index.OnUserOffline(ctx, addr); err != nil {
		logrus.WithFields(logrus.Fields{"addr": addr.String(), "error": err.Error()}).
			Warn("dispatchd: membership offline update failed")
	}
}

// groupChannels adapts the group Redis partitioner's explicit-hashKey
// Subscribe/Unsubscribe into membership.GroupChannels' per-gid contract
// (spec.md §4.4), routing "group_<gid>" messages to the online message
// handler.
type groupChannels struct {
	partitioner *onlineredis.Partitioner
	handler     *groupmsg.Handler
	ctx         context.Context
}

func groupChannelName(gid string) string { return "group_" + gid }

func (g *groupChannels) Subscribe(gid string) error {
	return g.partitioner.Subscribe(gid, groupChannelName(gid), groupChannelHandler{g: g, gid: gid})
}

func (g *groupChannels) Unsubscribe(gid string) error {
	return g.partitioner.Unsubscribe(gid, groupChannelName(gid))
}

type groupChannelHandler struct {
	g   *groupChannels
	gid string
}

func (h groupChannelHandler) OnSubscribed(channel string) {
	logrus.WithField("channel", channel).Debug("dispatchd: subscribed group channel")
}

func (h groupChannelHandler) OnMessage(channel string, payload []byte) {
	h.g.handler.HandleGroupChannelMessage(h.g.ctx, payload)
}

func (h groupChannelHandler) OnUnsubscribed(channel string) {
	logrus.WithField("channel", channel).Debug("dispatchd: unsubscribed group channel")
}

func (h groupChannelHandler) OnError(channel string, err error) {
	logrus.WithFields(logrus.Fields{"channel": channel, "error": err.Error()}).
		Warn("dispatchd: group channel subscribe error")
}

// groupEventRouter subscribes the "groupEvent_<gid>" pattern (spec.md §6)
// on the group partitioner and routes decoded wire.GroupEvent values into
// the membership index.
type groupEventRouter struct {
	index *membership.Index
	ctx   context.Context
}

const groupEventPattern = "groupEvent_*"

func (r *groupEventRouter) Join(p *onlineredis.Partitioner, hashKey string) error {
	return p.PSubscribe(hashKey, groupEventPattern, r)
}

func (r *groupEventRouter) OnSubscribed(channel string) {
	logrus.WithField("pattern", channel).Info("dispatchd: joined group event pattern")
}

func (r *groupEventRouter) OnMessage(channel string, payload []byte) {
	var evt wire.GroupEvent
	if err := json.Unmarshal(payload, &evt); err != nil {
		logrus.WithField("error", err.Error()).Warn("dispatchd: malformed group event")
		return
	}
	var err error
	switch evt.Type {
	case wire.EventUserEnterGroup:
		err = r.index.OnUserEnterGroup(r.ctx, evt.UID, evt.GID)
	case wire.EventUserLeaveGroup:
		err = r.index.OnUserLeaveGroup(r.ctx, evt.UID, evt.GID)
	case wire.EventUserMuteGroup:
		err = r.index.OnUserMuteGroup(r.ctx, evt.UID, evt.GID)
	case wire.EventUserUnmuteGroup:
		err = r.index.OnUserUnmuteGroup(r.ctx, evt.UID, evt.GID)
	default:
		logrus.WithField("type", evt.Type).Warn("dispatchd: unrecognized group event type")
		return
	}
	if err != nil {
		logrus.WithFields(logrus.Fields{"gid": evt.GID, "uid": evt.UID, "error": err.Error()}).
			Warn("dispatchd: failed to apply group event")
	}
}

func (r *groupEventRouter) OnUnsubscribed(channel string) {
	logrus.WithField("pattern", channel).Warn("dispatchd: left group event pattern")
}

func (r *groupEventRouter) OnError(channel string, err error) {
	logrus.WithFields(logrus.Fields{"pattern": channel, "error": err.Error()}).
		Warn("dispatchd: group event subscribe error")
}

// cursorStore adapts dao.OfflineQueueDAO's SetUserCursors into
// groupmsg.CursorStore's single-uid AdvanceCursor contract (spec.md §4.5
// step 5), merging the new lastMid into whatever cursor fields the
// offline round has already stored for (gid, uid).
type cursorStore struct {
	queue       dao.OfflineQueueDAO
	partitioner *onlineredis.Partitioner
}

func (c *cursorStore) AdvanceCursor(ctx context.Context, gid, uid string, mid uint64) error {
	shard := c.partitioner.PartitionName(gid)
	existing, err := c.queue.GetUserCursors(ctx, shard, gid, []string{uid})
	if err != nil {
		return err
	}
	cur := existing[uid]
	if mid <= cur.LastMid {
		return nil
	}
	cur.LastMid = mid
	return c.queue.SetUserCursors(ctx, shard, gid, map[string]dao.UserCursor{uid: cur})
}
