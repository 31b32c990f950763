// Package push implements the vendor adapter contract named by spec.md's
// non-goals ("push-vendor protocol details... treated as opaque
// send(token, payload) sinks") and wired by the offline push round
// (spec.md §4.6 step 4): either a local sink for a vendor this process
// handles, or an HTTP POST to the peer that advertises it.
package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/wire"
)

// Sink delivers one push Notification to its vendor. Implementations are
// opaque beyond this contract (spec.md non-goals).
type Sink interface {
	Send(ctx context.Context, notif wire.Notification) error
}

// LocalRegistry dispatches a Notification to the Sink registered for its
// vendor, as resolved by wire.Notification.Vendor().
type LocalRegistry struct {
	sinks map[string]Sink
}

// NewLocalRegistry constructs an empty LocalRegistry.
func NewLocalRegistry() *LocalRegistry {
	return &LocalRegistry{sinks: make(map[string]Sink)}
}

// Register binds vendor (one of "apns", "fcm", "umeng") to sink.
func (r *LocalRegistry) Register(vendor string, sink Sink) {
	r.sinks[vendor] = sink
}

// Handles reports whether this process has a local sink for vendor.
func (r *LocalRegistry) Handles(vendor string) bool {
	_, ok := r.sinks[vendor]
	return ok
}

// Submit delivers notif via its vendor's local sink, implementing
// dispatch.PushSubmitter and offline.LocalSubmitter for this process
// (spec.md §4.3.2 step 6, §4.6 step 4).
func (r *LocalRegistry) Submit(ctx context.Context, notif wire.Notification) error {
	vendor := notif.Vendor()
	sink, ok := r.sinks[vendor]
	if !ok {
		return fmt.Errorf("push: no local sink registered for vendor %q", vendor)
	}
	return sink.Send(ctx, notif)
}

// PeerRegistry resolves which offline-server peer advertises a given
// vendor and where to reach it (spec.md §4.6 step 4: "query the offline-
// server registry for any peer advertising that vendor").
type PeerRegistry interface {
	PeerForVendor(vendor string) (baseURL string, ok bool)
}

// GroupPushRequest is the body of POST /internal/pushGroupMsg (spec.md
// §4.6 step 4).
type GroupPushRequest struct {
	GID          string                      `json:"gid"`
	MID          uint64                      `json:"mid"`
	Destinations map[string]wire.Notification `json:"destinations"`
}

// PeerDispatcher POSTs a group push batch to the peer offline server that
// owns notif's vendor.
type PeerDispatcher struct {
	registry PeerRegistry
	client   *http.Client
}

// NewPeerDispatcher constructs a PeerDispatcher using client, or a
// default 5-second-timeout client if nil.
func NewPeerDispatcher(registry PeerRegistry, client *http.Client) *PeerDispatcher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &PeerDispatcher{registry: registry, client: client}
}

// DispatchGroupBatch posts destinations for gid/mid to whichever peer
// advertises vendor, returning an error if no peer is registered or the
// POST does not succeed.
func (d *PeerDispatcher) DispatchGroupBatch(ctx context.Context, vendor, gid string, mid uint64, destinations map[string]wire.Notification) error {
	baseURL, ok := d.registry.PeerForVendor(vendor)
	if !ok {
		return fmt.Errorf("push: no peer advertises vendor %q", vendor)
	}

	body, err := json.Marshal(GroupPushRequest{GID: gid, MID: mid, Destinations: destinations})
	if err != nil {
		return fmt.Errorf("push: marshal group batch: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/internal/pushGroupMsg", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("push: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: POST %s: %w", baseURL, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		return fmt.Errorf("push: peer %s returned status %d", baseURL, resp.StatusCode)
	}
	logrus.WithFields(logrus.Fields{"vendor": vendor, "gid": gid, "peer": baseURL}).
		Debug("push: group batch dispatched to peer")
	return nil
}
