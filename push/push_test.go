package push

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/bcmapp/groupdispatch/wire"
)

type recordingSink struct {
	notifs []wire.Notification
}

func (s *recordingSink) Send(ctx context.Context, notif wire.Notification) error {
	s.notifs = append(s.notifs, notif)
	return nil
}

func TestLocalRegistryRoutesByVendor(t *testing.T) {
	r := NewLocalRegistry()
	apns := &recordingSink{}
	r.Register("apns", apns)

	if !r.Handles("apns") || r.Handles("fcm") {
		t.Fatal("Handles should reflect exactly the registered vendors")
	}

	err := r.Submit(context.Background(), wire.Notification{UID: "u1", APNSID: "tok"})
	if err != nil {
		t.Fatalf("Submit: %v", err)
	}
	if len(apns.notifs) != 1 || apns.notifs[0].UID != "u1" {
		t.Fatalf("expected notification routed to apns sink, got %v", apns.notifs)
	}
}

func TestSubmitErrorsWithNoSinkForVendor(t *testing.T) {
	r := NewLocalRegistry()
	if err := r.Submit(context.Background(), wire.Notification{UID: "u1"}); err == nil {
		t.Fatal("expected error submitting a notification with no resolvable vendor")
	}
}

type staticPeerRegistry map[string]string

func (m staticPeerRegistry) PeerForVendor(vendor string) (string, bool) {
	v, ok := m[vendor]
	return v, ok
}

func TestPeerDispatcherPostsGroupBatch(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	reg := staticPeerRegistry{"fcm": srv.URL}
	d := NewPeerDispatcher(reg, nil)

	err := d.DispatchGroupBatch(context.Background(), "fcm", "g1", 42, map[string]wire.Notification{
		"u1": {UID: "u1", FCMID: "tok"},
	})
	if err != nil {
		t.Fatalf("DispatchGroupBatch: %v", err)
	}
	if gotPath != "/internal/pushGroupMsg" {
		t.Fatalf("expected POST to /internal/pushGroupMsg, got %q", gotPath)
	}
}

func TestPeerDispatcherErrorsWithNoPeer(t *testing.T) {
	d := NewPeerDispatcher(staticPeerRegistry{}, nil)
	err := d.DispatchGroupBatch(context.Background(), "umeng", "g1", 1, nil)
	if err == nil {
		t.Fatal("expected error when no peer advertises the vendor")
	}
}
