package groupmsg

import (
	"encoding/json"
	"testing"

	"github.com/bcmapp/groupdispatch/wire"
)

func decodeOut(t *testing.T, payload []byte) wire.GroupMsgOut {
	t.Helper()
	var out wire.GroupMsgOut
	if err := json.Unmarshal(payload, &out); err != nil {
		t.Fatalf("unmarshal GroupMsgOut: %v", err)
	}
	return out
}

func TestBuildPayloadChatUsesLiteralTextAndAtList(t *testing.T) {
	notif := wire.GroupNotification{
		Type: wire.GroupChat, GID: "g1", MID: 5, FromUID: "u1",
		Text: "hello", AtAll: 1, AtList: `["u2","u3"]`, SourceExtra: "se",
	}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	out := decodeOut(t, payload)
	if out.Type != wire.GroupChat {
		t.Fatalf("expected type CHAT, got %v", out.Type)
	}
	var body wire.GroupChatBody
	if err := json.Unmarshal(out.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Text != "hello" || !body.AtAll || len(body.AtList) != 2 || body.FromUID != "u1" {
		t.Fatalf("unexpected chat body: %+v", body)
	}
}

func TestBuildPayloadChatPrefersFromUIDExtra(t *testing.T) {
	notif := wire.GroupNotification{Type: wire.GroupChat, GID: "g1", FromUID: "u1", FromUIDExtra: "u1-extra"}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var body wire.GroupChatBody
	if err := json.Unmarshal(decodeOut(t, payload).Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.FromUID != "u1-extra" {
		t.Fatalf("expected from_uid_extra to win, got %q", body.FromUID)
	}
}

func TestBuildPayloadChannelSharesChatBody(t *testing.T) {
	notif := wire.GroupNotification{Type: wire.GroupChannel, GID: "g1", Text: "channel text"}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	out := decodeOut(t, payload)
	if out.Type != wire.GroupChannel {
		t.Fatalf("expected type CHANNEL, got %v", out.Type)
	}
	var body wire.GroupChatBody
	if err := json.Unmarshal(out.Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Text != "channel text" {
		t.Fatalf("unexpected channel body: %+v", body)
	}
}

func TestBuildPayloadInfoUpdateParsesNestedText(t *testing.T) {
	notif := wire.GroupNotification{
		Type: wire.GroupInfoUpdate, GID: "g1", MID: 3, FromUID: "u1",
		Text: `{"last_mid":9,"intro":"hi","broadcast":1,"create_time":1,"update_time":2,"channel":"c"}`,
	}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var body wire.GroupInfoUpdateBody
	if err := json.Unmarshal(decodeOut(t, payload).Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.LastMid != 9 || body.Intro != "hi" || body.Channel != "c" {
		t.Fatalf("unexpected info update body: %+v", body)
	}
}

func TestBuildPayloadInfoUpdateRejectsEmptyText(t *testing.T) {
	_, err := buildPayload(wire.GroupNotification{Type: wire.GroupInfoUpdate, GID: "g1"})
	if err == nil {
		t.Fatal("expected error for empty INFO_UPDATE text")
	}
}

func TestBuildPayloadSwitchGroupKeysParsesVersion(t *testing.T) {
	notif := wire.GroupNotification{Type: wire.GroupSwitchGroupKeys, GID: "g1", Text: `{"version":42}`}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var body wire.GroupSwitchGroupKeysBody
	if err := json.Unmarshal(decodeOut(t, payload).Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Version != 42 {
		t.Fatalf("expected version 42, got %d", body.Version)
	}
}

func TestBuildPayloadUpdateGroupKeysRequestParsesMode(t *testing.T) {
	notif := wire.GroupNotification{Type: wire.GroupUpdateGroupKeysRequest, GID: "g1", Text: `{"group_keys_mode":2}`}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var body wire.GroupUpdateGroupKeysRequestBody
	if err := json.Unmarshal(decodeOut(t, payload).Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.KeysMode != 2 {
		t.Fatalf("expected keysMode 2, got %d", body.KeysMode)
	}
}

func TestBuildPayloadMemberUpdateParsesMembers(t *testing.T) {
	notif := wire.GroupNotification{
		Type: wire.GroupMemberUpdate, GID: "g1",
		Text: `{"action":1,"members":[{"uid":"u2","nick":"n","role":1}]}`,
	}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var body wire.GroupMemberUpdateBody
	if err := json.Unmarshal(decodeOut(t, payload).Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.Action != 1 || len(body.Members) != 1 || body.Members[0].UID != "u2" {
		t.Fatalf("unexpected member update body: %+v", body)
	}
}

func TestBuildPayloadRecallParsesRecalledMid(t *testing.T) {
	notif := wire.GroupNotification{Type: wire.GroupRecall, GID: "g1", Text: `{"recalled_mid":77}`}
	payload, err := buildPayload(notif)
	if err != nil {
		t.Fatalf("buildPayload: %v", err)
	}
	var body wire.GroupRecallBody
	if err := json.Unmarshal(decodeOut(t, payload).Body, &body); err != nil {
		t.Fatalf("unmarshal body: %v", err)
	}
	if body.RecalledMid != 77 {
		t.Fatalf("expected recalledMid 77, got %d", body.RecalledMid)
	}
}

func TestBuildPayloadRejectsUnknownType(t *testing.T) {
	_, err := buildPayload(wire.GroupNotification{Type: "BOGUS", GID: "g1"})
	if err == nil {
		t.Fatal("expected error for unrecognized notification type")
	}
}
