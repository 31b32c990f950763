package groupmsg

import (
	"encoding/json"
	"fmt"

	"github.com/bcmapp/groupdispatch/wire"
)

// buildPayload builds the outbound group-message byte payload from notif,
// type-dispatching its shape the way bcm_gmessager's online message handler
// does (original_source/src/group/online_msg_handler.cpp): CHAT and CHANNEL
// share a body built straight from notif's own fields; the rest parse their
// own fields out of notif.Text's nested JSON.
func buildPayload(notif wire.GroupNotification) ([]byte, error) {
	body, err := buildBody(notif)
	if err != nil {
		return nil, err
	}
	return json.Marshal(wire.GroupMsgOut{Type: notif.Type, Body: body})
}

func buildBody(notif wire.GroupNotification) (json.RawMessage, error) {
	switch notif.Type {
	case wire.GroupChat, wire.GroupChannel:
		return marshalBody(chatBody(notif))
	case wire.GroupInfoUpdate:
		return buildInfoUpdateBody(notif)
	case wire.GroupSwitchGroupKeys:
		return buildSwitchGroupKeysBody(notif)
	case wire.GroupUpdateGroupKeysRequest:
		return buildUpdateGroupKeysRequestBody(notif)
	case wire.GroupMemberUpdate:
		return buildMemberUpdateBody(notif)
	case wire.GroupRecall:
		return buildRecallBody(notif)
	default:
		return nil, fmt.Errorf("groupmsg: unrecognized group notification type %q", notif.Type)
	}
}

func marshalBody(v interface{}) (json.RawMessage, error) {
	return json.Marshal(v)
}

// fromUID prefers FromUIDExtra over FromUID, matching buildChatMessageBody/
// buildRecallMessage's "from_uid_extra overrides from_uid" precedence.
func fromUID(notif wire.GroupNotification) string {
	if notif.FromUIDExtra != "" {
		return notif.FromUIDExtra
	}
	return notif.FromUID
}

func chatBody(notif wire.GroupNotification) wire.GroupChatBody {
	var atList []string
	if notif.AtList != "" {
		_ = json.Unmarshal([]byte(notif.AtList), &atList)
	}
	return wire.GroupChatBody{
		GID:         notif.GID,
		MID:         notif.MID,
		FromUID:     fromUID(notif),
		Text:        notif.Text,
		Status:      notif.Status,
		CreateTime:  notif.CreateTime,
		AtAll:       notif.AtAll == 1,
		AtList:      atList,
		SourceExtra: notif.SourceExtra,
	}
}

func buildInfoUpdateBody(notif wire.GroupNotification) (json.RawMessage, error) {
	if notif.Text == "" {
		return nil, fmt.Errorf("groupmsg: INFO_UPDATE notification has empty text")
	}
	var t wire.GroupInfoUpdateText
	if err := json.Unmarshal([]byte(notif.Text), &t); err != nil {
		return nil, fmt.Errorf("groupmsg: parse INFO_UPDATE text: %w", err)
	}
	return marshalBody(wire.GroupInfoUpdateBody{
		GID: notif.GID, MID: notif.MID, FromUID: fromUID(notif),
		LastMid: t.LastMid, Intro: t.Intro, Broadcast: t.Broadcast,
		CreateTime: t.CreateTime, UpdateTime: t.UpdateTime, Channel: t.Channel,
		Name: t.Name, Icon: t.Icon, EncryptedName: t.EncryptedName, EncryptedIcon: t.EncryptedIcon,
	})
}

func buildSwitchGroupKeysBody(notif wire.GroupNotification) (json.RawMessage, error) {
	if notif.Text == "" {
		return nil, fmt.Errorf("groupmsg: SWITCH_GROUP_KEYS notification has empty text")
	}
	var t wire.GroupSwitchGroupKeysText
	if err := json.Unmarshal([]byte(notif.Text), &t); err != nil {
		return nil, fmt.Errorf("groupmsg: parse SWITCH_GROUP_KEYS text: %w", err)
	}
	return marshalBody(wire.GroupSwitchGroupKeysBody{
		GID: notif.GID, MID: notif.MID, FromUID: fromUID(notif), Version: t.Version,
	})
}

func buildUpdateGroupKeysRequestBody(notif wire.GroupNotification) (json.RawMessage, error) {
	if notif.Text == "" {
		return nil, fmt.Errorf("groupmsg: UPDATE_GROUP_KEYS_REQUEST notification has empty text")
	}
	var t wire.GroupUpdateGroupKeysRequestText
	if err := json.Unmarshal([]byte(notif.Text), &t); err != nil {
		return nil, fmt.Errorf("groupmsg: parse UPDATE_GROUP_KEYS_REQUEST text: %w", err)
	}
	return marshalBody(wire.GroupUpdateGroupKeysRequestBody{
		GID: notif.GID, MID: notif.MID, FromUID: fromUID(notif), KeysMode: t.GroupKeysMode,
	})
}

func buildMemberUpdateBody(notif wire.GroupNotification) (json.RawMessage, error) {
	if notif.Text == "" {
		return nil, fmt.Errorf("groupmsg: MEMBER_UPDATE notification has empty text")
	}
	var t wire.GroupMemberUpdateText
	if err := json.Unmarshal([]byte(notif.Text), &t); err != nil {
		return nil, fmt.Errorf("groupmsg: parse MEMBER_UPDATE text: %w", err)
	}
	return marshalBody(wire.GroupMemberUpdateBody{
		GID: notif.GID, MID: notif.MID, FromUID: fromUID(notif),
		Action: t.Action, Members: t.Members,
	})
}

func buildRecallBody(notif wire.GroupNotification) (json.RawMessage, error) {
	if notif.Text == "" {
		return nil, fmt.Errorf("groupmsg: RECALL notification has empty text")
	}
	var t wire.GroupRecallText
	if err := json.Unmarshal([]byte(notif.Text), &t); err != nil {
		return nil, fmt.Errorf("groupmsg: parse RECALL text: %w", err)
	}
	return marshalBody(wire.GroupRecallBody{
		GID: notif.GID, MID: notif.MID, FromUID: fromUID(notif),
		RecalledMid: t.RecalledMid, SourceExtra: notif.SourceExtra,
	})
}
