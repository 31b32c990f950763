// Package groupmsg implements the online message handler (spec.md §4.5):
// it turns each JSON event received on a "group_<gid>" channel into
// DispatchManager-ready (address, payload) batches, with optional
// noise-injection decoy targets for traffic obfuscation.
package groupmsg

import (
	"context"
	"encoding/json"
	"math"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/address"
	"github.com/bcmapp/groupdispatch/dispatch"
	"github.com/bcmapp/groupdispatch/obfuscate"
	"github.com/bcmapp/groupdispatch/wire"
)

// MembershipIndex is the subset of membership.Index the handler depends
// on, narrowed for testability.
type MembershipIndex interface {
	GetGroupMembers(gid string) []address.Address
	GetUserSessions(uid string) []address.Address
	GetOnlineUsers(cursor string, minVersion, limit int, excludeGID string) ([]address.Address, string)
}

// CursorStore records the per-user, per-group delivery watermark (spec.md
// §4.5 step 5: "HMSET group_user_info:{gid} <uid> lastMid=mid").
type CursorStore interface {
	AdvanceCursor(ctx context.Context, gid, uid string, mid uint64) error
}

// GroupSender is the subset of dispatch.Manager the handler submits
// fan-out batches to.
type GroupSender interface {
	SendGroupMessage(batch []dispatch.GroupTarget)
}

// NoiseConfig controls decoy-target synthesis (spec.md §4.5 step 4).
type NoiseConfig struct {
	Enabled          bool
	Percentage       float64
	MinClientVersion int
}

// GroupKeysIndex is the subset of groupkeys.Cache (or dao.GroupKeysDAO
// directly) the handler needs to tell a stale SWITCH_GROUP_KEYS
// notification from a current one (spec.md §3 GroupKeys: "the latest
// version is never served stale").
type GroupKeysIndex interface {
	LatestVersion(ctx context.Context, gid string) (uint64, error)
}

// Handler is the online message handler for one process.
type Handler struct {
	membership MembershipIndex
	cursors    CursorStore
	sender     GroupSender
	noise      NoiseConfig
	groupKeys  GroupKeysIndex
}

// New constructs a Handler. groupKeys may be nil, in which case
// SWITCH_GROUP_KEYS notifications are always forwarded without a
// freshness check.
func New(membership MembershipIndex, cursors CursorStore, sender GroupSender, noise NoiseConfig, groupKeys GroupKeysIndex) *Handler {
	return &Handler{membership: membership, cursors: cursors, sender: sender, noise: noise, groupKeys: groupKeys}
}

// HandleGroupChannelMessage processes one raw JSON payload received on
// "group_<gid>" (spec.md §4.5).
func (h *Handler) HandleGroupChannelMessage(ctx context.Context, raw []byte) {
	var notif wire.GroupNotification
	if err := json.Unmarshal(raw, &notif); err != nil {
		logrus.WithField("error", err.Error()).Warn("groupmsg: dropping malformed group notification")
		return
	}
	h.Handle(ctx, notif)
}

// Handle builds and submits the real (and, when configured, noise)
// fan-out batches for notif.
func (h *Handler) Handle(ctx context.Context, notif wire.GroupNotification) {
	if notif.Type == wire.GroupSwitchGroupKeys && h.groupKeys != nil {
		stale, err := h.isStaleGroupKeysSwitch(ctx, notif)
		if err != nil {
			logrus.WithFields(logrus.Fields{"gid": notif.GID, "error": err.Error()}).
				Warn("groupmsg: failed to check group-keys freshness, forwarding anyway")
		} else if stale {
			logrus.WithField("gid", notif.GID).Info("groupmsg: dropping stale SWITCH_GROUP_KEYS notification")
			return
		}
	}

	recipients := h.recipientSet(notif)

	payload, err := buildPayload(notif)
	if err != nil {
		logrus.WithFields(logrus.Fields{"gid": notif.GID, "type": notif.Type, "error": err.Error()}).
			Warn("groupmsg: failed to build outbound payload")
		return
	}

	batch := make([]dispatch.GroupTarget, 0, len(recipients))
	for _, addr := range recipients {
		batch = append(batch, dispatch.GroupTarget{Addr: addr, Payload: payload})
		if addr.IsMaster() && h.cursors != nil {
			if err := h.cursors.AdvanceCursor(ctx, notif.GID, addr.UID, notif.MID); err != nil {
				logrus.WithFields(logrus.Fields{"gid": notif.GID, "uid": addr.UID, "error": err.Error()}).
					Warn("groupmsg: failed to advance delivery cursor")
			}
		}
	}

	if h.noise.Enabled && h.noise.Percentage > 0 {
		if noiseBatch := h.buildNoiseBatch(notif, len(recipients), len(payload)); len(noiseBatch) > 0 {
			batch = append(batch, noiseBatch...)
		}
	}

	h.sender.SendGroupMessage(batch)
}

// isStaleGroupKeysSwitch reports whether notif's nested version is behind
// (strictly lower than) the gid's latest known GroupKeys version.
func (h *Handler) isStaleGroupKeysSwitch(ctx context.Context, notif wire.GroupNotification) (bool, error) {
	if notif.Text == "" {
		return false, nil
	}
	var t wire.GroupSwitchGroupKeysText
	if err := json.Unmarshal([]byte(notif.Text), &t); err != nil {
		return false, err
	}
	latest, err := h.groupKeys.LatestVersion(ctx, notif.GID)
	if err != nil {
		return false, err
	}
	return t.Version < latest, nil
}

// recipientSet computes the real recipient address set from the
// membership index (spec.md §4.5 step 2-3). MEMBER_UPDATE additionally
// includes the online sessions of every mentioned uid, to capture newly
// added members not yet reflected in the in-memory index.
func (h *Handler) recipientSet(notif wire.GroupNotification) []address.Address {
	members := h.membership.GetGroupMembers(notif.GID)
	if notif.Type != wire.GroupMemberUpdate || len(notif.MentionedUIDs) == 0 {
		return members
	}

	seen := make(map[address.Address]struct{}, len(members))
	out := make([]address.Address, 0, len(members))
	for _, a := range members {
		if _, ok := seen[a]; !ok {
			seen[a] = struct{}{}
			out = append(out, a)
		}
	}
	for _, uid := range notif.MentionedUIDs {
		for _, a := range h.membership.GetUserSessions(uid) {
			if _, ok := seen[a]; !ok {
				seen[a] = struct{}{}
				out = append(out, a)
			}
		}
	}
	return out
}

// buildNoiseBatch synthesizes ceil(percentage * |online|) decoy targets
// from the cursor-sweep non-member pool and wraps them as TYPE_NOISE
// (spec.md §4.5 step 4).
func (h *Handler) buildNoiseBatch(notif wire.GroupNotification, onlineCount, payloadSize int) []dispatch.GroupTarget {
	target := int(math.Ceil(h.noise.Percentage * float64(onlineCount)))
	if target <= 0 {
		return nil
	}

	decoys, _ := h.membership.GetOnlineUsers("", h.noise.MinClientVersion, target, notif.GID)
	if len(decoys) == 0 {
		return nil
	}

	decoyNotif, err := obfuscate.GroupNotification(notif.GID, notif.MID, payloadSize)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("groupmsg: failed to build decoy payload")
		return nil
	}
	decoyPayload, err := json.Marshal(decoyNotif)
	if err != nil {
		return nil
	}

	batch := make([]dispatch.GroupTarget, 0, len(decoys))
	for _, addr := range decoys {
		batch = append(batch, dispatch.GroupTarget{Addr: addr, Payload: decoyPayload})
	}
	return batch
}
