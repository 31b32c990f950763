// Package onlineredis implements a consistent-hash sharded, multi-replica
// Redis pub/sub client (spec.md §4.1): the "online Redis partitioner".
//
// Every call takes an explicit hashKey and routes through the partition it
// hashes to; spec.md §9 is explicit that groupRedis and onlineRedis
// topologies must never be merged into one pool, so callers construct one
// Partitioner per topology.
package onlineredis

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Status is the result handed to a PublishCallback.
type Status int

const (
	StatusOK Status = iota
	StatusErr
)

// Reply carries the integer reply of a publish call.
type Reply struct {
	SubscriberCount int64
}

// PublishCallback is invoked once the integer reply of a publish returns
// (spec.md §4.1).
type PublishCallback func(status Status, reply Reply)

// Handler receives subscription lifecycle and message events for one
// retained channel or pattern.
type Handler interface {
	OnSubscribed(channel string)
	OnMessage(channel string, payload []byte)
	OnUnsubscribed(channel string)
	OnError(channel string, err error)
}

// Metrics receives availability counters from the partitioner (spec.md
// §7: "counted as an availability metric (10001)").
type Metrics interface {
	RecordAvailabilityError(partition string)
}

// NoopMetrics discards every call; used when a caller does not wire a
// metrics sink.
type NoopMetrics struct{}

func (NoopMetrics) RecordAvailabilityError(string) {}

// Config maps a partition name to its ordered node list; the first entry
// is the partition's primary, the remainder are ordered replicas.
type Config map[string][]RedisNode

type partitionState struct {
	name  string
	nodes []*node
}

type retainedSub struct {
	channel   string
	pattern   bool
	handler   Handler
	partition string
	acked     bool
}

// Partitioner is the online Redis partitioner described by spec.md §4.1.
type Partitioner struct {
	ring       *ring
	partitions map[string]*partitionState
	metrics    Metrics

	mu       sync.RWMutex // guards retained; multi-reader/single-writer per spec.md §5.
	retained map[string]*retainedSub

	keepAliveStop chan struct{}
	ctx           context.Context
	cancel        context.CancelFunc
}

// New constructs a Partitioner from its node topology. Call Start to begin
// connecting.
func New(cfg Config, metrics Metrics) *Partitioner {
	if metrics == nil {
		metrics = NoopMetrics{}
	}
	names := make([]string, 0, len(cfg))
	partitions := make(map[string]*partitionState, len(cfg))
	for name := range cfg {
		names = append(names, name)
	}
	p := &Partitioner{
		ring:          newRing(names),
		partitions:    partitions,
		metrics:       metrics,
		retained:      make(map[string]*retainedSub),
		keepAliveStop: make(chan struct{}),
	}
	for name, nodes := range cfg {
		ps := &partitionState{name: name}
		for _, n := range nodes {
			ps.nodes = append(ps.nodes, newNode(n,
				p.nodeAvailable(name),
				p.nodeUnavailable(name),
				p.nodeMessage,
			))
		}
		partitions[name] = ps
	}
	return p
}

// Start connects every configured node and begins the 30s keep-alive.
func (p *Partitioner) Start(ctx context.Context) {
	p.ctx, p.cancel = context.WithCancel(ctx)
	for _, ps := range p.partitions {
		for _, n := range ps.nodes {
			n.start(p.ctx)
		}
	}
	go p.keepAliveLoop()
}

// Close stops all node connections and the keep-alive loop.
func (p *Partitioner) Close() {
	if p.cancel != nil {
		p.cancel()
	}
	close(p.keepAliveStop)
	for _, ps := range p.partitions {
		for _, n := range ps.nodes {
			n.close()
		}
	}
}

func (p *Partitioner) keepAliveLoop() {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			for _, ps := range p.partitions {
				for _, n := range ps.nodes {
					if n.available.Load() {
						n.keepAlive(p.ctx)
					}
				}
			}
		case <-p.keepAliveStop:
			return
		}
	}
}

func (p *Partitioner) partitionFor(hashKey string) (*partitionState, error) {
	name := p.ring.partitionFor(hashKey)
	ps, ok := p.partitions[name]
	if !ok {
		return nil, fmt.Errorf("onlineredis: no partition for hash key %q", hashKey)
	}
	return ps, nil
}

// PartitionName returns the name of the partition hashKey routes to,
// letting callers that share this partitioner's Redis topology for
// non-pub/sub storage (e.g. the offline round's group_msg_list scan) stay
// on the same shard a given gid's channel traffic uses.
func (p *Partitioner) PartitionName(hashKey string) string {
	return p.ring.partitionFor(hashKey)
}

// Subscribe subscribes channel on every currently connected node of the
// partition hashed from hashKey; on any reconnect the subscription is
// replayed (spec.md §4.1).
func (p *Partitioner) Subscribe(hashKey, channel string, h Handler) error {
	ps, err := p.partitionFor(hashKey)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.retained[channel] = &retainedSub{channel: channel, handler: h, partition: ps.name}
	p.mu.Unlock()

	return p.subscribeOnConnectedNodes(ps, channel, false)
}

// PSubscribe is Subscribe over pattern matching.
func (p *Partitioner) PSubscribe(hashKey, pattern string, h Handler) error {
	ps, err := p.partitionFor(hashKey)
	if err != nil {
		return err
	}

	p.mu.Lock()
	p.retained[pattern] = &retainedSub{channel: pattern, pattern: true, handler: h, partition: ps.name}
	p.mu.Unlock()

	return p.subscribeOnConnectedNodes(ps, pattern, true)
}

func (p *Partitioner) subscribeOnConnectedNodes(ps *partitionState, channelOrPattern string, pattern bool) error {
	acked := false
	for _, n := range ps.nodes {
		if !n.available.Load() {
			continue
		}
		var err error
		if pattern {
			err = n.psubscribe(p.ctx, channelOrPattern)
		} else {
			err = n.subscribe(p.ctx, channelOrPattern)
		}
		if err != nil {
			p.reportError(channelOrPattern, err)
			continue
		}
		acked = true
	}
	if acked {
		p.markAcked(channelOrPattern)
	}
	return nil
}

// Publish publishes on the highest-priority connected node of the target
// partition only (spec.md §4.1).
func (p *Partitioner) Publish(hashKey, channel string, payload []byte, cb PublishCallback) {
	ps, err := p.partitionFor(hashKey)
	if err != nil {
		cb(StatusErr, Reply{})
		return
	}
	for _, n := range ps.nodes {
		if !n.available.Load() {
			continue
		}
		count, pubErr := n.publish(p.ctx, channel, payload)
		if pubErr != nil {
			p.metrics.RecordAvailabilityError(ps.name)
			cb(StatusErr, Reply{})
			return
		}
		cb(StatusOK, Reply{SubscriberCount: count})
		return
	}
	// No connected node in this partition: resource-exhausted (spec.md §7).
	p.metrics.RecordAvailabilityError(ps.name)
	cb(StatusErr, Reply{})
}

// Unsubscribe removes channel from the retained map and from every
// connected node in the partition.
func (p *Partitioner) Unsubscribe(hashKey, channel string) error {
	ps, err := p.partitionFor(hashKey)
	if err != nil {
		return err
	}
	p.mu.Lock()
	sub := p.retained[channel]
	delete(p.retained, channel)
	p.mu.Unlock()

	for _, n := range ps.nodes {
		if n.available.Load() {
			_ = n.unsubscribe(p.ctx, channel)
		}
	}
	if sub != nil && sub.handler != nil {
		sub.handler.OnUnsubscribed(channel)
	}
	return nil
}

// PUnsubscribe is Unsubscribe over pattern matching.
func (p *Partitioner) PUnsubscribe(hashKey, pattern string) error {
	ps, err := p.partitionFor(hashKey)
	if err != nil {
		return err
	}
	p.mu.Lock()
	sub := p.retained[pattern]
	delete(p.retained, pattern)
	p.mu.Unlock()

	for _, n := range ps.nodes {
		if n.available.Load() {
			_ = n.punsubscribe(p.ctx, pattern)
		}
	}
	if sub != nil && sub.handler != nil {
		sub.handler.OnUnsubscribed(pattern)
	}
	return nil
}

// IsSubscribed checks the retained map; it never queries Redis (spec.md
// §4.1).
func (p *Partitioner) IsSubscribed(channel string) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	_, ok := p.retained[channel]
	return ok
}

func (p *Partitioner) markAcked(channel string) {
	p.mu.Lock()
	sub, ok := p.retained[channel]
	alreadyAcked := ok && sub.acked
	if ok {
		sub.acked = true
	}
	p.mu.Unlock()
	if ok && !alreadyAcked && sub.handler != nil {
		sub.handler.OnSubscribed(channel)
	}
}

func (p *Partitioner) reportError(channel string, err error) {
	p.mu.RLock()
	sub, ok := p.retained[channel]
	p.mu.RUnlock()
	if ok && sub.handler != nil {
		sub.handler.OnError(channel, err)
	}
}

// nodeAvailable returns the callback invoked when a node of partitionName
// transitions to available: it replays every retained subscription routed
// to that partition.
func (p *Partitioner) nodeAvailable(partitionName string) func(*node) {
	return func(n *node) {
		logrus.WithFields(logrus.Fields{
			"partition": partitionName,
			"node":      n.cfg.Name,
		}).Info("onlineredis: node available")

		p.mu.RLock()
		var channels, patterns []string
		for ch, sub := range p.retained {
			if sub.partition != partitionName {
				continue
			}
			if sub.pattern {
				patterns = append(patterns, ch)
			} else {
				channels = append(channels, ch)
			}
		}
		p.mu.RUnlock()

		n.replay(p.ctx)
		for _, ch := range channels {
			p.markAcked(ch)
		}
		for _, pt := range patterns {
			p.markAcked(pt)
		}
	}
}

func (p *Partitioner) nodeUnavailable(partitionName string) func(*node) {
	return func(n *node) {
		logrus.WithFields(logrus.Fields{
			"partition": partitionName,
			"node":      n.cfg.Name,
		}).Warn("onlineredis: node unavailable")
	}
}

func (p *Partitioner) nodeMessage(channel string, isPattern bool, payload []byte) {
	p.mu.RLock()
	sub, ok := p.retained[channel]
	p.mu.RUnlock()
	if !ok || sub.handler == nil {
		return
	}
	sub.handler.OnMessage(channel, payload)
}
