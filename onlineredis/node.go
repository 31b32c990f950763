package onlineredis

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

// reconnectDelay is the default delay before retrying a dropped connection
// (spec.md §4.1: "a delayed reconnect (default 500 ms)").
const reconnectDelay = 500 * time.Millisecond

// RedisNode is one connection target within a partition's ordered node
// list. The first node of a partition is its primary; the remainder are
// ordered replicas (spec.md §4.1).
type RedisNode struct {
	Name     string
	Addr     string
	Password string
	DB       int
}

// node wraps one RedisNode with its live connection, subscription state,
// and reconnect supervisor. There is no dedicated event-loop goroutine:
// the pub/sub connection and subscription sets are guarded by mu and may
// be changed from any caller's goroutine, and the "available" flag is
// atomic so any goroutine may read it.
type node struct {
	cfg    RedisNode
	client *redis.Client
	pubsub *redis.PubSub

	available atomic.Bool
	authFailed atomic.Bool // true once AUTH has failed; no further retries.

	mu       sync.Mutex
	channels map[string]bool // currently subscribed plain channels
	patterns map[string]bool // currently subscribed patterns

	onAvailable   func(n *node)
	onUnavailable func(n *node)
	onMessage     func(channel string, pattern bool, payload []byte)

	stopOnce sync.Once
	stopCh   chan struct{}
}

func newNode(cfg RedisNode, onAvailable, onUnavailable func(*node), onMessage func(string, bool, []byte)) *node {
	n := &node{
		cfg:           cfg,
		channels:      make(map[string]bool),
		patterns:      make(map[string]bool),
		onAvailable:   onAvailable,
		onUnavailable: onUnavailable,
		onMessage:     onMessage,
		stopCh:        make(chan struct{}),
	}
	n.client = redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return n
}

// start launches the reconnect-supervised connect and pub/sub relay loop
// in the background and returns at once; the first connect attempt and
// every reconnect happen on that background goroutine.
func (n *node) start(ctx context.Context) {
	go n.connectLoop(ctx)
}

func (n *node) connectLoop(ctx context.Context) {
	for {
		select {
		case <-n.stopCh:
			return
		default:
		}
		if n.authFailed.Load() {
			return
		}

		pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		err := n.client.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			if isAuthError(err) {
				logrus.WithFields(logrus.Fields{
					"node":  n.cfg.Name,
					"addr":  n.cfg.Addr,
					"error": err.Error(),
				}).Error("onlineredis: AUTH failed, node will not be retried")
				n.authFailed.Store(true)
				return
			}
			logrus.WithFields(logrus.Fields{
				"node":  n.cfg.Name,
				"addr":  n.cfg.Addr,
				"error": err.Error(),
			}).Warn("onlineredis: node unreachable, scheduling reconnect")
			n.markUnavailable()
			select {
			case <-time.After(reconnectDelay):
				continue
			case <-n.stopCh:
				return
			}
		}

		n.markAvailable(ctx)

		// Block until the pubsub connection drops, then loop to reconnect.
		n.runRelay(ctx)
		n.markUnavailable()

		select {
		case <-time.After(reconnectDelay):
		case <-n.stopCh:
			return
		}
	}
}

func (n *node) markAvailable(ctx context.Context) {
	n.mu.Lock()
	n.pubsub = n.client.Subscribe(ctx) // no channels yet; replay adds them below.
	n.mu.Unlock()
	n.available.Store(true)
	if n.onAvailable != nil {
		n.onAvailable(n)
	}
}

func (n *node) markUnavailable() {
	if !n.available.Swap(false) {
		return
	}
	n.mu.Lock()
	if n.pubsub != nil {
		_ = n.pubsub.Close()
		n.pubsub = nil
	}
	n.mu.Unlock()
	if n.onUnavailable != nil {
		n.onUnavailable(n)
	}
}

func (n *node) runRelay(ctx context.Context) {
	n.mu.Lock()
	ps := n.pubsub
	n.mu.Unlock()
	if ps == nil {
		return
	}
	ch := ps.Channel()
	for {
		select {
		case msg, ok := <-ch:
			if !ok {
				return
			}
			isPattern := msg.Pattern != "" && msg.Pattern != msg.Channel
			if n.onMessage != nil {
				n.onMessage(msg.Channel, isPattern, []byte(msg.Payload))
			}
		case <-n.stopCh:
			return
		}
	}
}

// subscribe adds channel to this node's live subscription (idempotent).
func (n *node) subscribe(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.channels[channel] = true
	if n.pubsub == nil {
		return nil // will be replayed on next markAvailable.
	}
	return n.pubsub.Subscribe(ctx, channel)
}

func (n *node) psubscribe(ctx context.Context, pattern string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.patterns[pattern] = true
	if n.pubsub == nil {
		return nil
	}
	return n.pubsub.PSubscribe(ctx, pattern)
}

func (n *node) unsubscribe(ctx context.Context, channel string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.channels, channel)
	if n.pubsub == nil {
		return nil
	}
	return n.pubsub.Unsubscribe(ctx, channel)
}

func (n *node) punsubscribe(ctx context.Context, pattern string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	delete(n.patterns, pattern)
	if n.pubsub == nil {
		return nil
	}
	return n.pubsub.PUnsubscribe(ctx, pattern)
}

// replay resubscribes every retained channel/pattern to a newly-available
// pub/sub connection (spec.md §4.1: "on any reconnect, every retained
// subscription is replayed to the newly available node").
func (n *node) replay(ctx context.Context) {
	n.mu.Lock()
	ps := n.pubsub
	channels := make([]string, 0, len(n.channels))
	for c := range n.channels {
		channels = append(channels, c)
	}
	patterns := make([]string, 0, len(n.patterns))
	for p := range n.patterns {
		patterns = append(patterns, p)
	}
	n.mu.Unlock()

	if ps == nil {
		return
	}
	if len(channels) > 0 {
		_ = ps.Subscribe(ctx, channels...)
	}
	if len(patterns) > 0 {
		_ = ps.PSubscribe(ctx, patterns...)
	}
}

// publish publishes payload on this node, returning the subscriber count.
func (n *node) publish(ctx context.Context, channel string, payload []byte) (int64, error) {
	return n.client.Publish(ctx, channel, payload).Result()
}

func (n *node) keepAlive(ctx context.Context) {
	// A no-op UNSUBSCRIBE keeps the connection's read loop exercised without
	// requiring any subscriber (spec.md §4.1: 30s keep-alive).
	_ = n.client.Do(ctx, "UNSUBSCRIBE", "onlineRedis:keepAlive").Err()
}

func (n *node) close() {
	n.stopOnce.Do(func() { close(n.stopCh) })
	n.mu.Lock()
	if n.pubsub != nil {
		_ = n.pubsub.Close()
	}
	n.mu.Unlock()
	_ = n.client.Close()
}

func isAuthError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToUpper(err.Error())
	return strings.Contains(s, "NOAUTH") || strings.Contains(s, "WRONGPASS") || strings.Contains(s, "INVALID PASSWORD")
}
