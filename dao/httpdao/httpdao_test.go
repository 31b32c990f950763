package httpdao

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bcmapp/groupdispatch/wire"
)

func TestAccountsGetAccountDecodesDevices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/internal/accounts/u1" {
			t.Fatalf("unexpected path %q", r.URL.Path)
		}
		json.NewEncoder(w).Encode(accountDTO{
			UID: "u1",
			Devices: []accountDeviceDTO{{ID: 1, FCMID: "fcm-tok"}},
		})
	}))
	defer srv.Close()

	a := NewAccounts(srv.URL, nil)
	acct, err := a.GetAccount(context.Background(), "u1")
	if err != nil {
		t.Fatalf("GetAccount: %v", err)
	}
	if acct.UID != "u1" {
		t.Fatalf("expected uid u1, got %q", acct.UID)
	}
	dev, ok := acct.Device(1)
	if !ok || dev.FCMID != "fcm-tok" {
		t.Fatalf("expected device 1 with fcm-tok, got %+v ok=%v", dev, ok)
	}
}

func TestAccountsGetAccountsBatchesRequest(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req getAccountsRequest
		json.NewDecoder(r.Body).Decode(&req)
		if len(req.UIDs) != 2 {
			t.Fatalf("expected 2 uids in batch request, got %v", req.UIDs)
		}
		json.NewEncoder(w).Encode(getAccountsResponse{Accounts: []accountDTO{
			{UID: "u1"}, {UID: "u2"},
		}})
	}))
	defer srv.Close()

	a := NewAccounts(srv.URL, nil)
	out, err := a.GetAccounts(context.Background(), []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("GetAccounts: %v", err)
	}
	if len(out) != 2 {
		t.Fatalf("expected 2 accounts, got %d", len(out))
	}
}

func TestAccountsGetAccountReturnsNotFoundErrorOn404(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := NewAccounts(srv.URL, nil)
	_, err := a.GetAccount(context.Background(), "ghost")
	if err == nil {
		t.Fatal("expected error for 404 response")
	}
	if !IsNotFound(err) {
		t.Fatalf("expected a not-found error for 404 response, got %v", err)
	}
}

func TestGroupsIsMemberTreats404AsNotMember(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	g := NewGroups(srv.URL, nil)
	ok, err := g.IsMember(context.Background(), "g1", "u1")
	if err != nil {
		t.Fatalf("IsMember: %v", err)
	}
	if ok {
		t.Fatal("expected false for 404 response")
	}
}

func TestGroupsGetGroupMembersDecodesMuted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(getGroupMembersResponse{Members: []groupMemberDTO{
			{UID: "u1", Role: wire.RoleOwner, Muted: false},
			{UID: "u2", Role: wire.RoleMember, Muted: true},
		}})
	}))
	defer srv.Close()

	g := NewGroups(srv.URL, nil)
	members, err := g.GetGroupMembers(context.Background(), "g1")
	if err != nil {
		t.Fatalf("GetGroupMembers: %v", err)
	}
	if len(members) != 2 || !members[1].Muted {
		t.Fatalf("expected u2 muted, got %+v", members)
	}
}

func TestKeysLatestVersionReturnsZeroOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	k := NewKeys(srv.URL, nil)
	v, err := k.LatestVersion(context.Background(), "g1")
	if err != nil {
		t.Fatalf("LatestVersion: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected 0, got %d", v)
	}
}

func TestKeysInsertAndGetRoundTripBase64Keys(t *testing.T) {
	var captured insertKeysRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodPost:
			json.NewDecoder(r.Body).Decode(&captured)
			w.WriteHeader(http.StatusOK)
		case http.MethodGet:
			json.NewEncoder(w).Encode(getKeysResponse{Mode: "aes", Creator: "u1", Keys: captured.Keys})
		}
	}))
	defer srv.Close()

	k := NewKeys(srv.URL, nil)
	if err := k.Insert(context.Background(), "g1", 1, "aes", "u1", []byte("secret-key-material")); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	mode, creator, keys, err := k.Get(context.Background(), "g1", 1)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if mode != "aes" || creator != "u1" || string(keys) != "secret-key-material" {
		t.Fatalf("expected round-tripped key material, got mode=%q creator=%q keys=%q", mode, creator, keys)
	}
}

func TestContactsDrainFailedReturnsEmptyOnNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	c := NewContacts(srv.URL, nil)
	events, err := c.DrainFailed(context.Background(), "u1")
	if err != nil {
		t.Fatalf("DrainFailed: %v", err)
	}
	if len(events) != 0 {
		t.Fatalf("expected no events, got %v", events)
	}
}

func TestContactsSaveAndDrainRoundTripsEventBody(t *testing.T) {
	var saved friendEventDTO
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodPost && r.URL.Path == "/internal/contacts/u1/failed":
			json.NewDecoder(r.Body).Decode(&saved)
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPost && r.URL.Path == "/internal/contacts/u1/failed/drain":
			json.NewEncoder(w).Encode(drainFailedResponse{Events: []friendEventDTO{saved}})
		}
	}))
	defer srv.Close()

	c := NewContacts(srv.URL, nil)
	evt := wire.FriendEvent{Kind: wire.FriendRequest, From: "u2", To: "u1", Body: []byte("hello")}
	if err := c.SaveFailed(context.Background(), "u1", evt); err != nil {
		t.Fatalf("SaveFailed: %v", err)
	}
	events, err := c.DrainFailed(context.Background(), "u1")
	if err != nil {
		t.Fatalf("DrainFailed: %v", err)
	}
	if len(events) != 1 || string(events[0].Body) != "hello" || events[0].From != "u2" {
		t.Fatalf("expected round-tripped friend event, got %+v", events)
	}
}
