package config

import (
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefault(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Peers.Options.MaxUpdatePeers != defaultMaxUpdatePeers {
		t.Fatalf("maxUpdatePeers = %d, want %d", cfg.Peers.Options.MaxUpdatePeers, defaultMaxUpdatePeers)
	}
	if cfg.MinVersion != defaultMinVersion {
		t.Fatalf("minVersion = %q, want %q", cfg.MinVersion, defaultMinVersion)
	}

	reloaded, err := Load(path)
	if err != nil {
		t.Fatalf("reload: %v", err)
	}
	if reloaded.NetHash != cfg.NetHash {
		t.Fatalf("nethash did not round-trip: got %q want %q", reloaded.NetHash, cfg.NetHash)
	}
}

func TestLoadAppliesDefaultsOverZeroValues(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := persist(path, &Config{NetHash: "testnet"}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Peers.Options.MaxUpdatePeers != defaultMaxUpdatePeers {
		t.Fatalf("maxUpdatePeers not defaulted: %d", cfg.Peers.Options.MaxUpdatePeers)
	}
	if cfg.Peers.Options.TimeoutMS != defaultTimeoutMS {
		t.Fatalf("timeout not defaulted: %d", cfg.Peers.Options.TimeoutMS)
	}
}

func TestLoadRejectsMissingNethash(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := persist(path, &Config{}); err != nil {
		t.Fatalf("persist: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected error for missing nethash")
	}
}
