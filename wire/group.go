package wire

import "encoding/json"

// GroupNotificationType enumerates the JSON-typed events published on
// "group_<gid>" and handled by the online message handler (spec.md §4.5).
type GroupNotificationType string

const (
	GroupChat                  GroupNotificationType = "CHAT"
	GroupChannel                GroupNotificationType = "CHANNEL"
	GroupInfoUpdate              GroupNotificationType = "INFO_UPDATE"
	GroupMemberUpdate            GroupNotificationType = "MEMBER_UPDATE"
	GroupRecall                 GroupNotificationType = "RECALL"
	GroupSwitchGroupKeys         GroupNotificationType = "SWITCH_GROUP_KEYS"
	GroupUpdateGroupKeysRequest  GroupNotificationType = "UPDATE_GROUP_KEYS_REQUEST"
	GroupNoise                  GroupNotificationType = "TYPE_NOISE"
)

// GroupNotification is the JSON event received on a "group_<gid>" channel,
// mirroring bcm_gmessager's group_msg_list row shape (original_source
// src/group/online_msg_handler.cpp's nlohmann::json field reads). Most
// types carry their type-specific fields JSON-encoded in Text; CHAT/CHANNEL
// instead use Text as the literal message body.
type GroupNotification struct {
	Type          GroupNotificationType `json:"type"`
	GID           string                `json:"gid"`
	MID           uint64                `json:"mid"`
	FromUID       string                `json:"from_uid"`
	FromUIDExtra  string                `json:"from_uid_extra,omitempty"`
	Text          string                `json:"text"`
	Status        int                   `json:"status,omitempty"`
	CreateTime    uint64                `json:"create_time,omitempty"`
	AtAll         int                   `json:"at_all,omitempty"`
	AtList        string                `json:"at_list,omitempty"`
	SourceExtra   string                `json:"source_extra,omitempty"`
	MentionedUIDs []string              `json:"mentionedUids,omitempty"`
}

// GroupMsgOut is the outbound payload a client receives, matching
// GroupMsgOut{type, body} from online_msg_handler.cpp's buildOutMessage:
// Body is the type's own marshaled body. Noise decoys do not use this
// shape: groupmsg sends them as a marshaled TYPE_NOISE GroupNotification.
type GroupMsgOut struct {
	Type GroupNotificationType `json:"type"`
	Body json.RawMessage       `json:"body"`
}

// GroupChatBody is the CHAT/CHANNEL body (buildChatMessageBody).
type GroupChatBody struct {
	GID         string   `json:"gid"`
	MID         uint64   `json:"mid"`
	FromUID     string   `json:"fromUid"`
	Text        string   `json:"text"`
	Status      int      `json:"status"`
	CreateTime  uint64   `json:"createTime"`
	AtAll       bool     `json:"atAll"`
	AtList      []string `json:"atList,omitempty"`
	SourceExtra string   `json:"sourceExtra,omitempty"`
}

// GroupInfoUpdateText is the nested JSON of GroupNotification.Text for an
// INFO_UPDATE event (buildInfoUpdateMessage).
type GroupInfoUpdateText struct {
	LastMid       uint64 `json:"last_mid"`
	Intro         string `json:"intro"`
	Broadcast     int    `json:"broadcast"`
	CreateTime    uint64 `json:"create_time"`
	UpdateTime    uint64 `json:"update_time"`
	Channel       string `json:"channel"`
	Name          string `json:"name,omitempty"`
	Icon          string `json:"icon,omitempty"`
	EncryptedName string `json:"encrypted_name,omitempty"`
	EncryptedIcon string `json:"encrypted_icon,omitempty"`
}

// GroupInfoUpdateBody is the outbound INFO_UPDATE body.
type GroupInfoUpdateBody struct {
	GID           string `json:"gid"`
	MID           uint64 `json:"mid"`
	FromUID       string `json:"fromUid"`
	LastMid       uint64 `json:"lastMid"`
	Intro         string `json:"intro"`
	Broadcast     int    `json:"broadcast"`
	CreateTime    uint64 `json:"createTime"`
	UpdateTime    uint64 `json:"updateTime"`
	Channel       string `json:"channel"`
	Name          string `json:"name,omitempty"`
	Icon          string `json:"icon,omitempty"`
	EncryptedName string `json:"encryptedName,omitempty"`
	EncryptedIcon string `json:"encryptedIcon,omitempty"`
}

// GroupSwitchGroupKeysText is the nested JSON of GroupNotification.Text for
// a SWITCH_GROUP_KEYS event (buildGroupSwitchGroupKeysMessage).
type GroupSwitchGroupKeysText struct {
	Version uint64 `json:"version"`
}

// GroupSwitchGroupKeysBody is the outbound SWITCH_GROUP_KEYS body.
type GroupSwitchGroupKeysBody struct {
	GID     string `json:"gid"`
	MID     uint64 `json:"mid"`
	FromUID string `json:"fromUid"`
	Version uint64 `json:"version"`
}

// GroupUpdateGroupKeysRequestText is the nested JSON of
// GroupNotification.Text for an UPDATE_GROUP_KEYS_REQUEST event
// (buildGroupUpdateGroupKeysRequestMessage).
type GroupUpdateGroupKeysRequestText struct {
	GroupKeysMode int32 `json:"group_keys_mode"`
}

// GroupUpdateGroupKeysRequestBody is the outbound UPDATE_GROUP_KEYS_REQUEST
// body.
type GroupUpdateGroupKeysRequestBody struct {
	GID       string `json:"gid"`
	MID       uint64 `json:"mid"`
	FromUID   string `json:"fromUid"`
	KeysMode  int32  `json:"keysMode"`
}

// GroupMemberUpdateText is the nested JSON of GroupNotification.Text for a
// MEMBER_UPDATE event (buildMemberUpdateMessage).
type GroupMemberUpdateText struct {
	Action  int                          `json:"action"`
	Members []GroupMemberUpdateTextEntry `json:"members"`
}

// GroupMemberUpdateTextEntry is one entry of GroupMemberUpdateText.Members.
type GroupMemberUpdateTextEntry struct {
	UID  string `json:"uid"`
	Nick string `json:"nick"`
	Role int    `json:"role"`
}

// GroupMemberUpdateBody is the outbound MEMBER_UPDATE body.
type GroupMemberUpdateBody struct {
	GID     string                  `json:"gid"`
	MID     uint64                  `json:"mid"`
	FromUID string                  `json:"fromUid"`
	Action  int                     `json:"action"`
	Members []GroupMemberUpdateTextEntry `json:"members"`
}

// GroupRecallText is the nested JSON of GroupNotification.Text for a RECALL
// event (buildRecallMessage).
type GroupRecallText struct {
	RecalledMid uint64 `json:"recalled_mid"`
}

// GroupRecallBody is the outbound RECALL body.
type GroupRecallBody struct {
	GID         string `json:"gid"`
	MID         uint64 `json:"mid"`
	FromUID     string `json:"fromUid"`
	RecalledMid uint64 `json:"recalledMid"`
	SourceExtra string `json:"sourceExtra,omitempty"`
}

// GroupEventType enumerates the membership change events on
// "groupEvent_<gid>" (spec.md §6).
type GroupEventType string

const (
	EventUserEnterGroup GroupEventType = "enter"
	EventUserLeaveGroup GroupEventType = "leave"
	EventUserMuteGroup  GroupEventType = "mute"
	EventUserUnmuteGroup GroupEventType = "unmute"
)

// GroupEvent is the JSON payload of a membership-change event:
// {type, uid, gid} per spec.md §6.
type GroupEvent struct {
	Type GroupEventType `json:"type"`
	UID  string         `json:"uid"`
	GID  string         `json:"gid"`
}

// GroupRole is a member's role within a group, consulted by the membership
// index to decide whether a user counts as a regular member for fan-out
// (spec.md §4.4: "owner/admin/member but not subscriber").
type GroupRole string

const (
	RoleOwner      GroupRole = "owner"
	RoleAdmin      GroupRole = "admin"
	RoleMember     GroupRole = "member"
	RoleSubscriber GroupRole = "subscriber"
)

// IsRegularMember reports whether this role counts toward group fan-out
// membership.
func (r GroupRole) IsRegularMember() bool {
	return r == RoleOwner || r == RoleAdmin || r == RoleMember
}

// PushType distinguishes a BROADCAST offline-push row (recipients = every
// unmuted member) from a MULTICAST row (recipients = an explicit set)
// (spec.md §3 OfflineQueueItem).
type PushType string

const (
	PushBroadcast PushType = "BROADCAST"
	PushMulticast PushType = "MULTICAST"
)
