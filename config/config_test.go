package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadMissingFileReturnsDefault(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.json"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.DrainBatchLimit != Default().Dispatch.DrainBatchLimit {
		t.Fatal("expected default config when file is absent")
	}
}

func TestLoadOverridesBaseline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "cfg.json")
	if err := os.WriteFile(path, []byte(`{"dispatch":{"drain_batch_limit":10}}`), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Dispatch.DrainBatchLimit != 10 {
		t.Fatalf("expected overridden drain_batch_limit 10, got %d", cfg.Dispatch.DrainBatchLimit)
	}
	if cfg.Membership.Shards != Default().Membership.Shards {
		t.Fatal("expected untouched fields to keep their default values")
	}
}

func TestCLIFlagsApplyOverridesNonEmptyFields(t *testing.T) {
	cfg := Default()
	f := &CLIFlags{LogLevel: "debug"}
	got := f.Apply(cfg)
	if got.Logging.Level != "debug" {
		t.Fatalf("expected log level overridden to debug, got %q", got.Logging.Level)
	}
	if got.Logging.File != cfg.Logging.File {
		t.Fatal("expected untouched LogFile to remain at its prior value")
	}
}
