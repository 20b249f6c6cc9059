// Package config loads the peernet process configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
)

// SeedPeer is an entry of the frozen whitelist (config.peers.list). Seed
// peers are immune to ban and removal — see peers.Directory.
type SeedPeer struct {
	IP   string `toml:"ip"`
	Port uint16 `toml:"port"`
}

// PeerOptions groups the peer-directory tunables spec.md §6 lists under
// config.peers.options.
type PeerOptions struct {
	MaxUpdatePeers int     `toml:"maxUpdatePeers"`
	TimeoutMS      int     `toml:"timeout"`
	RateLimit      float64 `toml:"rateLimit"`
	RateBurst      float64 `toml:"rateBurst"`
}

// Peers groups the frozen whitelist and its tunables.
type Peers struct {
	List    []SeedPeer  `toml:"list"`
	Options PeerOptions `toml:"options"`
}

// Config is the full peernet process configuration.
type Config struct {
	ListenAddress string `toml:"ListenAddress"`
	DataDir       string `toml:"DataDir"`

	NetHash string `toml:"nethash"`

	MinVersion     string `toml:"minVersion"`
	CurrentVersion string `toml:"currentVersion"`
	Build          string `toml:"build"`
	OS             string `toml:"os"`

	Peers Peers `toml:"peers"`
}

const (
	defaultListenAddress  = ":7001"
	defaultDataDir        = "./peernet-data"
	defaultMaxUpdatePeers = 20
	defaultTimeoutMS      = 5000
	defaultMinVersion     = "0.0.0"
	defaultCurrentVersion = "1.0.0"
	defaultOS             = "unknown"
	defaultRateLimit      = 20.0
	defaultRateBurst      = 40.0
)

// Load reads the configuration at path, applying defaults for zero-valued
// fields the same way the teacher's Load fills NetworkName/Bootnodes when a
// config.toml omits them. A missing file yields a default configuration
// written out to path rather than an error.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	if _, err := toml.DecodeFile(path, cfg); err != nil {
		return nil, fmt.Errorf("config: decode %s: %w", path, err)
	}

	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if strings.TrimSpace(cfg.ListenAddress) == "" {
		cfg.ListenAddress = defaultListenAddress
	}
	if strings.TrimSpace(cfg.DataDir) == "" {
		cfg.DataDir = defaultDataDir
	}
	if strings.TrimSpace(cfg.MinVersion) == "" {
		cfg.MinVersion = defaultMinVersion
	}
	if strings.TrimSpace(cfg.CurrentVersion) == "" {
		cfg.CurrentVersion = defaultCurrentVersion
	}
	if strings.TrimSpace(cfg.OS) == "" {
		cfg.OS = defaultOS
	}
	if cfg.Peers.Options.MaxUpdatePeers <= 0 {
		cfg.Peers.Options.MaxUpdatePeers = defaultMaxUpdatePeers
	}
	if cfg.Peers.Options.TimeoutMS <= 0 {
		cfg.Peers.Options.TimeoutMS = defaultTimeoutMS
	}
	if cfg.Peers.Options.RateLimit <= 0 {
		cfg.Peers.Options.RateLimit = defaultRateLimit
	}
	if cfg.Peers.Options.RateBurst <= 0 {
		cfg.Peers.Options.RateBurst = defaultRateBurst
	}
	if cfg.Peers.List == nil {
		cfg.Peers.List = []SeedPeer{}
	}
}

func validate(cfg *Config) error {
	if strings.TrimSpace(cfg.NetHash) == "" {
		return fmt.Errorf("config: nethash must be set")
	}
	for _, seed := range cfg.Peers.List {
		if strings.TrimSpace(seed.IP) == "" {
			return fmt.Errorf("config: peers.list entries require ip")
		}
	}
	return nil
}

// createDefault writes and returns a default configuration file, mirroring
// the teacher's createDefault for a missing config.toml.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:  defaultListenAddress,
		DataDir:        defaultDataDir,
		NetHash:        "devnet",
		MinVersion:     defaultMinVersion,
		CurrentVersion: defaultCurrentVersion,
		OS:             defaultOS,
		Peers: Peers{
			List: []SeedPeer{},
			Options: PeerOptions{
				MaxUpdatePeers: defaultMaxUpdatePeers,
				TimeoutMS:      defaultTimeoutMS,
				RateLimit:      defaultRateLimit,
				RateBurst:      defaultRateBurst,
			},
		},
	}
	if err := persist(path, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()
	return toml.NewEncoder(f).Encode(cfg)
}
