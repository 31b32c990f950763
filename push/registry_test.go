package push

import (
	"encoding/json"
	"testing"

	"github.com/bcmapp/groupdispatch/onlineredis"
)

type fakePartitioner struct {
	hashKey, pattern string
	handler          onlineredis.Handler
}

func (f *fakePartitioner) PSubscribe(hashKey, pattern string, h onlineredis.Handler) error {
	f.hashKey, f.pattern, f.handler = hashKey, pattern, h
	return nil
}

func TestPresenceRegistryJoinSubscribesToImserverPattern(t *testing.T) {
	p := &fakePartitioner{}
	r := NewPresenceRegistry()
	if err := r.Join(p, "shard0"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	if p.pattern != "imserver_*" || p.hashKey != "shard0" {
		t.Fatalf("expected PSubscribe(shard0, imserver_*), got (%q, %q)", p.hashKey, p.pattern)
	}
}

func TestPresenceRegistryOnMessageBindsEveryAdvertisedVendor(t *testing.T) {
	r := NewPresenceRegistry()
	payload, _ := json.Marshal(struct {
		BaseURL string   `json:"baseUrl"`
		Vendors []string `json:"vendors"`
	}{BaseURL: "http://10.0.0.5:8080", Vendors: []string{"apns", "fcm"}})

	r.OnMessage("imserver_10.0.0.5:8080", payload)

	if url, ok := r.PeerForVendor("apns"); !ok || url != "http://10.0.0.5:8080" {
		t.Fatalf("expected apns bound to peer, got %q ok=%v", url, ok)
	}
	if url, ok := r.PeerForVendor("fcm"); !ok || url != "http://10.0.0.5:8080" {
		t.Fatalf("expected fcm bound to peer, got %q ok=%v", url, ok)
	}
	if _, ok := r.PeerForVendor("umeng"); ok {
		t.Fatal("expected umeng to remain unbound")
	}
}

func TestPresenceRegistryOnMessageIgnoresMalformedPayload(t *testing.T) {
	r := NewPresenceRegistry()
	r.OnMessage("imserver_x", []byte("not json"))
	if _, ok := r.PeerForVendor("apns"); ok {
		t.Fatal("expected malformed payload to bind nothing")
	}
}

func TestPresenceRegistryLifecycleCallbacksDoNotPanic(t *testing.T) {
	r := NewPresenceRegistry()
	r.OnSubscribed("imserver_*")
	r.OnUnsubscribed("imserver_*")
	r.OnError("imserver_*", errTestPresence)
}

var errTestPresence = fakeErr("boom")

type fakeErr string

func (e fakeErr) Error() string { return string(e) }
