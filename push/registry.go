package push

import (
	"encoding/json"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/onlineredis"
	"github.com/bcmapp/groupdispatch/wire"
)

// PeerPartitioner is the subset of onlineredis.Partitioner's API the
// presence registry needs to join the "imserver_*" pattern.
type PeerPartitioner interface {
	PSubscribe(hashKey, pattern string, h onlineredis.Handler) error
}

const imserverPattern = "imserver_*"

// PresenceRegistry maintains a vendor -> peer base URL map by subscribing
// to the "imserver_<ip>:<port>" presence pattern (spec.md §6), implementing
// push.PeerRegistry for PeerDispatcher.
type PresenceRegistry struct {
	mu       sync.RWMutex
	byVendor map[string]string
}

// NewPresenceRegistry constructs an empty PresenceRegistry.
func NewPresenceRegistry() *PresenceRegistry {
	return &PresenceRegistry{byVendor: make(map[string]string)}
}

// Join PSubscribes to the imserver presence pattern on p, hashed by
// hashKey, so subsequent PeerForVendor calls reflect every advertisement
// this process observes.
func (r *PresenceRegistry) Join(p PeerPartitioner, hashKey string) error {
	return p.PSubscribe(hashKey, imserverPattern, r)
}

// PeerForVendor implements push.PeerRegistry.
func (r *PresenceRegistry) PeerForVendor(vendor string) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	baseURL, ok := r.byVendor[vendor]
	return baseURL, ok
}

// OnSubscribed implements onlineredis.Handler.
func (r *PresenceRegistry) OnSubscribed(channel string) {
	logrus.WithField("pattern", channel).Info("push: joined presence pattern")
}

// OnMessage implements onlineredis.Handler, decoding a
// wire.PresenceAdvertisement and binding each vendor it carries to the
// advertisement's base URL.
func (r *PresenceRegistry) OnMessage(channel string, payload []byte) {
	var adv wire.PresenceAdvertisement
	if err := json.Unmarshal(payload, &adv); err != nil {
		logrus.WithError(err).Warn("push: malformed presence advertisement")
		return
	}
	if adv.BaseURL == "" {
		return
	}
	r.mu.Lock()
	for _, vendor := range adv.Vendors {
		r.byVendor[vendor] = adv.BaseURL
	}
	r.mu.Unlock()
}

// OnUnsubscribed implements onlineredis.Handler.
func (r *PresenceRegistry) OnUnsubscribed(channel string) {
	logrus.WithField("pattern", channel).Warn("push: left presence pattern")
}

// OnError implements onlineredis.Handler.
func (r *PresenceRegistry) OnError(channel string, err error) {
	logrus.WithError(err).WithField("pattern", channel).Warn("push: presence subscribe error")
}
