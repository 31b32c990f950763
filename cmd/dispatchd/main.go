// Command dispatchd runs the online/offline message dispatch core of the
// group-chat backend: the dispatch manager and its per-session channels,
// the online Redis partitioner, the online group-membership index, the
// online group message handler, and the offline push round — all wired
// over the DAO contracts spec.md keeps external (opd-ai-toxcore testnet
// cmd's flag-parsing and signal-handling style).
package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"

	"github.com/bcmapp/groupdispatch/config"
	"github.com/bcmapp/groupdispatch/dao/httpdao"
	"github.com/bcmapp/groupdispatch/dao/redisdao"
	"github.com/bcmapp/groupdispatch/dispatch"
	"github.com/bcmapp/groupdispatch/groupkeys"
	"github.com/bcmapp/groupdispatch/groupmsg"
	"github.com/bcmapp/groupdispatch/lease"
	"github.com/bcmapp/groupdispatch/membership"
	"github.com/bcmapp/groupdispatch/metrics"
	"github.com/bcmapp/groupdispatch/offline"
	"github.com/bcmapp/groupdispatch/onlineredis"
	"github.com/bcmapp/groupdispatch/push"
	"github.com/bcmapp/groupdispatch/wire"
)

func main() {
	os.Exit(run())
}

func run() int {
	flags := config.ParseFlags()
	cfg, err := config.Load(flags.ConfigPath)
	if err != nil {
		logrus.WithField("error", err.Error()).Error("dispatchd: failed to load configuration")
		return 1
	}
	cfg = flags.Apply(cfg)
	setupLogging(cfg.Logging)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	metricsReg := metrics.NewRegistry()

	onlinePartitioner := onlineredis.New(toPartitionerConfig(cfg.Redis.OnlinePartitions), metricsReg)
	groupPartitioner := onlineredis.New(toPartitionerConfig(cfg.Redis.GroupPartitions), metricsReg)
	onlinePartitioner.Start(ctx)
	groupPartitioner.Start(ctx)
	defer onlinePartitioner.Close()
	defer groupPartitioner.Close()

	groupShardClients := primaryClients(cfg.Redis.GroupPartitions)
	coordClient := firstClient(groupShardClients)
	if coordClient == nil {
		logrus.Error("dispatchd: no group Redis partitions configured; cannot host the offline round or master lease")
		return 1
	}

	queueDAO := redisdao.NewQueue(groupShardClients)
	storedDAO := redisdao.NewStored(coordClient)
	badgesDAO := redisdao.NewBadges(coordClient)
	leaseDAO := redisdao.NewLease(coordClient, "")

	accountsDAO := httpdao.NewAccounts(cfg.Accounts.BaseURL, nil)
	groupsDAO := httpdao.NewGroups(cfg.Groups.BaseURL, nil)
	contactsDAO := httpdao.NewContacts(cfg.Contacts.BaseURL, nil)
	groupKeysCache := groupkeys.NewCache(httpdao.NewKeys(cfg.GroupKeys.BaseURL, nil), cfg.Cache.GroupKeysLimit)

	peerRegistry := push.NewPresenceRegistry()
	if err := peerRegistry.Join(groupPartitioner, "imserver"); err != nil {
		logrus.WithField("error", err.Error()).Warn("dispatchd: failed to join presence pattern")
	}
	localPush := push.NewLocalRegistry()
	for _, vendor := range cfg.Push.LocalVendors {
		localPush.Register(vendor, push.LogSink{Vendor: vendor})
	}
	if cfg.Push.AdvertiseAddr != "" && cfg.Push.AdvertiseBaseURL != "" {
		advertisePresence(groupPartitioner, cfg.Push)
	}
	peerDispatcher := push.NewPeerDispatcher(peerRegistry, &http.Client{Timeout: 5 * time.Second})

	manager := dispatch.New(onlinePartitioner, storedDAO, contactsDAO, localPush, badgesDAO, dispatch.Config{
		DrainBatchLimit:         cfg.Dispatch.DrainBatchLimit,
		MinIOSClientVersion:     cfg.Dispatch.MinIOSClientVersion,
		MinAndroidClientVersion: cfg.Dispatch.MinAndroidClientVersion,
		Workers:                 cfg.Dispatch.Workers,
		InboxSize:               cfg.Dispatch.InboxSize,
	})
	index := membership.New(groupsDAO, nil, cfg.Membership.Shards)
	defer index.Close()
	manager.AddListener(&membershipListener{index: index, accounts: accountsDAO})

	msgHandler := groupmsg.New(index, &cursorStore{queue: queueDAO, partitioner: groupPartitioner}, manager, groupmsg.NoiseConfig{
		Enabled:          cfg.Noise.Enabled,
		Percentage:       cfg.Noise.Percentage,
		MinClientVersion: cfg.Noise.MinClientVersion,
	}, groupKeysCache)
	channels := &groupChannels{partitioner: groupPartitioner, handler: msgHandler, ctx: ctx}
	index.SetChannels(channels)

	eventRouter := &groupEventRouter{index: index, ctx: ctx}
	if err := eventRouter.Join(groupPartitioner, "groupEvent"); err != nil {
		logrus.WithField("error", err.Error()).Warn("dispatchd: failed to join group event pattern")
	}

	manager.Run(ctx)
	defer manager.Stop()

	leaseHolder := lease.New(leaseDAO, secondsToDuration(cfg.Offline.LeaseTTLSeconds, lease.DefaultTTL))
	leaseHolder.Run(ctx, leaseHolder.RenewInterval())
	defer leaseHolder.Stop()

	offlineRound := offline.New(queueDAO, groupsDAO, accountsDAO, localPush, peerDispatcher, leaseHolder, metricsReg, offline.Config{
		RoundInterval:      cfg.Offline.RoundInterval,
		ScanPageSize:       cfg.Offline.ScanPageSize,
		MinRowAge:          time.Duration(cfg.Offline.MinRowAgeSeconds) * time.Second,
		MaxRowAge:          time.Duration(cfg.Offline.MaxRowAgeSeconds) * time.Second,
		MemberReloadWindow: cfg.Offline.MemberReloadWindow,
		AccountBatchSize:   cfg.Offline.AccountBatchSize,
		Workers:            cfg.Offline.Workers,
	})
	defer offlineRound.Close()
	go offlineRound.Run(ctx)

	logrus.Info("dispatchd: started")
	<-ctx.Done()
	logrus.Info("dispatchd: shutting down")
	return 0
}

func setupLogging(cfg config.Logging) {
	if level, err := logrus.ParseLevel(cfg.Level); err == nil {
		logrus.SetLevel(level)
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			logrus.WithField("error", err.Error()).Warn("dispatchd: failed to open log file, logging to stderr")
			return
		}
		logrus.SetOutput(f)
	}
}

func setupSignalHandling(cancel context.CancelFunc) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logrus.WithField("signal", sig.String()).Info("dispatchd: received shutdown signal")
		cancel()
	}()
}

func toPartitionerConfig(partitions map[string][]config.RedisNodeConfig) onlineredis.Config {
	out := make(onlineredis.Config, len(partitions))
	for name, nodes := range partitions {
		converted := make([]onlineredis.RedisNode, len(nodes))
		for i, n := range nodes {
			converted[i] = onlineredis.RedisNode{Name: n.Name, Addr: n.Addr, Password: n.Password, DB: n.DB}
		}
		out[name] = converted
	}
	return out
}

// primaryClients constructs one *redis.Client per partition's primary
// (first) node, for use by components that read/write plain keys on the
// same Redis instances the pub/sub partitioner already targets.
func primaryClients(partitions map[string][]config.RedisNodeConfig) map[string]*redis.Client {
	out := make(map[string]*redis.Client, len(partitions))
	for name, nodes := range partitions {
		if len(nodes) == 0 {
			continue
		}
		primary := nodes[0]
		out[name] = redis.NewClient(&redis.Options{Addr: primary.Addr, Password: primary.Password, DB: primary.DB})
	}
	return out
}

// firstClient picks a deterministic single client (lowest shard name) from
// clients, used to host the process-wide master lease and the per-device
// stored-message/badge-counter keyspaces, neither of which is sharded by
// gid.
func firstClient(clients map[string]*redis.Client) *redis.Client {
	if len(clients) == 0 {
		return nil
	}
	names := make([]string, 0, len(clients))
	for name := range clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return clients[names[0]]
}

func secondsToDuration(seconds int, fallback time.Duration) time.Duration {
	if seconds <= 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

// advertisePresence publishes this process's vendor coverage on the
// "imserver_<ip>:<port>" pattern (spec.md §6) so peers' PresenceRegistry
// can route group pushes here for the vendors it names.
func advertisePresence(p *onlineredis.Partitioner, cfg config.Push) {
	adv := wire.PresenceAdvertisement{BaseURL: cfg.AdvertiseBaseURL, Vendors: cfg.LocalVendors}
	payload, err := json.Marshal(adv)
	if err != nil {
		logrus.WithField("error", err.Error()).Warn("dispatchd: failed to marshal presence advertisement")
		return
	}
	channel := "imserver_" + cfg.AdvertiseAddr
	p.Publish(channel, channel, payload, func(onlineredis.Status, onlineredis.Reply) {})
}
