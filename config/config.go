// Package config defines the dispatch core's configuration tree and its
// JSON-file plus command-line-flag loading, in the style of
// petervdpas-goop2's internal/config package (typed sub-structs, a
// Default() baseline, JSON tags matching the file format) combined with
// the flag-parsing conventions of opd-ai-toxcore's testnet CLI.
package config

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"time"
)

// Config is the root configuration tree for a dispatchd process.
type Config struct {
	Redis      Redis           `json:"redis"`
	Dispatch   Dispatch        `json:"dispatch"`
	Membership Membership      `json:"membership"`
	Offline    Offline         `json:"offline"`
	Noise      Noise           `json:"noise"`
	Push       Push            `json:"push"`
	Logging    Logging         `json:"logging"`
	Accounts   ExternalService `json:"accounts"`
	Groups     ExternalService `json:"groups"`
	GroupKeys  ExternalService `json:"group_keys"`
	Contacts   ExternalService `json:"contacts"`
	Cache      Cache           `json:"cache"`
}

// Cache configures the in-process caches sitting in front of external DAOs
// (spec.md §6 "cache.groupKeysLimit").
type Cache struct {
	GroupKeysLimit int `json:"group_keys_limit"`
}

// ExternalService configures one of the external-collaborator DAOs spec.md
// §1 keeps out of core scope (accounts, group membership, group keys,
// contacts), reached over HTTP by dao/httpdao.
type ExternalService struct {
	BaseURL string `json:"base_url"`
}

// RedisNodeConfig is one node entry of a partition's ordered node list.
type RedisNodeConfig struct {
	Name     string `json:"name"`
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// Redis configures the online and group Redis partitioner topologies
// (spec.md §4.1, §9: "groupRedis and onlineRedis... never merged").
type Redis struct {
	OnlinePartitions map[string][]RedisNodeConfig `json:"online_partitions"`
	GroupPartitions  map[string][]RedisNodeConfig `json:"group_partitions"`
}

// Dispatch configures the dispatch manager and channel (spec.md §4.3.1).
type Dispatch struct {
	DrainBatchLimit         int `json:"drain_batch_limit"`
	MinIOSClientVersion     int `json:"min_ios_client_version"`
	MinAndroidClientVersion int `json:"min_android_client_version"`
	Workers                 int `json:"workers"`
	InboxSize               int `json:"inbox_size"`
}

// Membership configures the online group-membership index (spec.md §5
// ioCtxPool).
type Membership struct {
	Shards int `json:"shards"`
}

// Offline configures the offline push round (spec.md §4.6).
type Offline struct {
	LeaseTTLSeconds    int           `json:"lease_ttl_seconds"`
	RoundInterval      time.Duration `json:"round_interval"`
	ScanPageSize       int           `json:"scan_page_size"`
	MinRowAgeSeconds   int           `json:"min_row_age_seconds"`
	MaxRowAgeSeconds   int           `json:"max_row_age_seconds"`
	MemberReloadWindow time.Duration `json:"member_reload_window"`
	AccountBatchSize   int           `json:"account_batch_size"`
	Workers            int           `json:"workers"`
}

// Push configures this process's local vendor handling and its
// presence advertisement to peer offline servers (spec.md §4.6 step 4,
// §6 "imserver_<ip>:<port>" pattern).
type Push struct {
	LocalVendors     []string `json:"local_vendors"`
	AdvertiseAddr    string   `json:"advertise_addr"` // e.g. "10.0.0.5:8080"
	AdvertiseBaseURL string   `json:"advertise_base_url"`
}

// Noise configures traffic obfuscation (spec.md §4.5 step 4).
type Noise struct {
	Enabled         bool    `json:"enabled"`
	Percentage      float64 `json:"percentage"`
	MinClientVersion int    `json:"min_client_version"`
}

// Logging configures logrus (SPEC_FULL.md §1 ambient stack).
type Logging struct {
	Level string `json:"level"`
	File  string `json:"file"`
}

// Default returns the baseline configuration, overridden by any loaded
// file and by CLI flags (petervdpas-goop2's Default() pattern).
func Default() Config {
	return Config{
		Dispatch: Dispatch{
			DrainBatchLimit:         50,
			MinIOSClientVersion:     1235,
			MinAndroidClientVersion: 1105,
			Workers:                 8,
			InboxSize:               4096,
		},
		Membership: Membership{
			Shards: 5,
		},
		Offline: Offline{
			LeaseTTLSeconds:    10,
			RoundInterval:      30 * time.Second,
			ScanPageSize:       100,
			MinRowAgeSeconds:   30,
			MaxRowAgeSeconds:   30 * 60,
			MemberReloadWindow: 10 * time.Second,
			AccountBatchSize:   20,
			Workers:            8,
		},
		Noise: Noise{
			Enabled:          false,
			Percentage:       0,
			MinClientVersion: 0,
		},
		Logging: Logging{
			Level: "info",
		},
		Cache: Cache{
			GroupKeysLimit: 4096,
		},
	}
}

// Load reads path as JSON over the Default() baseline; a missing file is
// not an error (the baseline is used as-is).
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	if err := json.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return cfg, nil
}

// CLIFlags holds the command-line overrides recognized by cmd/dispatchd
// (opd-ai-toxcore testnet/cmd's flag-parsing style).
type CLIFlags struct {
	ConfigPath string
	LogLevel   string
	LogFile    string
}

// ParseFlags parses os.Args[1:] into a CLIFlags.
func ParseFlags() *CLIFlags {
	f := &CLIFlags{}
	flag.StringVar(&f.ConfigPath, "config", "", "path to a JSON configuration file")
	flag.StringVar(&f.LogLevel, "log-level", "", "override the configured log level")
	flag.StringVar(&f.LogFile, "log-file", "", "override the configured log file path")
	flag.Parse()
	return f
}

// Apply overlays non-empty CLI flags onto cfg.
func (f *CLIFlags) Apply(cfg Config) Config {
	if f.LogLevel != "" {
		cfg.Logging.Level = f.LogLevel
	}
	if f.LogFile != "" {
		cfg.Logging.File = f.LogFile
	}
	return cfg
}
