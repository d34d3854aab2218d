// Package config loads the optional daemon config file and applies
// WALKIE_* environment overrides on top of it.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportLibp2p = "libp2p"
	TransportQUIC   = "quic"

	defaultPprofAddr = "127.0.0.1:6060"
)

type Config struct {
	Transport string       `yaml:"transport"`
	Libp2p    Libp2pConfig `yaml:"libp2p"`
	QUIC      QUICConfig   `yaml:"quic"`
	LogLevel  string       `yaml:"log_level"`

	// FlushTimeout bounds how long a join waits for discovery to flush.
	FlushTimeout    time.Duration `yaml:"flush_timeout"`
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	PeerRate      float64 `yaml:"peer_rate"`
	PeerBurst     int     `yaml:"peer_burst"`
	OutboundQueue int     `yaml:"outbound_queue"`

	// PprofAddr enables the loopback profile endpoint; empty disables it.
	PprofAddr string `yaml:"pprof_addr"`
}

type Libp2pConfig struct {
	Listen    []string `yaml:"listen"`
	Bootstrap []string `yaml:"bootstrap"`
	MDNS      *bool    `yaml:"mdns"`
}

// MDNSEnabled defaults to true when unset.
func (c Libp2pConfig) MDNSEnabled() bool {
	return c.MDNS == nil || *c.MDNS
}

type QUICConfig struct {
	Listen        string   `yaml:"listen"`
	Peers         []string `yaml:"peers"`
	MaxConnsPerIP int      `yaml:"max_conns_per_ip"`
}

func Default() *Config {
	return &Config{
		Transport: TransportLibp2p,
		Libp2p: Libp2pConfig{
			Listen: []string{"/ip4/0.0.0.0/tcp/0", "/ip4/0.0.0.0/udp/0/quic-v1"},
		},
		QUIC: QUICConfig{
			Listen:        "0.0.0.0:7420",
			MaxConnsPerIP: 8,
		},
		LogLevel:        "info",
		FlushTimeout:    10 * time.Second,
		MetricsInterval: 5 * time.Second,
		PeerRate:        200,
		PeerBurst:       400,
		OutboundQueue:   256,
	}
}

// Load reads path if it exists, then applies environment overrides. A
// missing file is not an error.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse %s: %w", path, err)
			}
		case errors.Is(err, os.ErrNotExist):
		default:
			return nil, err
		}
	}
	cfg.applyEnv(os.Getenv)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) {
	if v := envString(getenv, "WALKIE_TRANSPORT"); v != "" {
		c.Transport = v
	}
	if envString(getenv, "WALKIE_DEBUG") == "1" {
		c.LogLevel = "debug"
	}
	if v := envString(getenv, "WALKIE_QUIC_LISTEN"); v != "" {
		c.QUIC.Listen = v
	}
	if v := envString(getenv, "WALKIE_QUIC_PEERS"); v != "" {
		c.QUIC.Peers = splitList(v)
	}
	if ms, ok := envInt(getenv, "WALKIE_FLUSH_TIMEOUT_MS"); ok && ms >= 0 {
		c.FlushTimeout = time.Duration(ms) * time.Millisecond
	}
	if v := envString(getenv, "WALKIE_PPROF_ADDR"); v != "" {
		c.PprofAddr = v
	}
	switch envString(getenv, "WALKIE_PPROF") {
	case "1":
		if c.PprofAddr == "" {
			c.PprofAddr = defaultPprofAddr
		}
	case "0":
		c.PprofAddr = ""
	}
}

func (c *Config) Validate() error {
	switch c.Transport {
	case TransportLibp2p, TransportQUIC:
	default:
		return fmt.Errorf("unknown transport %q", c.Transport)
	}
	if c.PeerRate < 0 || c.PeerBurst < 0 {
		return errors.New("peer_rate and peer_burst must not be negative")
	}
	if c.OutboundQueue <= 0 {
		return errors.New("outbound_queue must be positive")
	}
	if c.FlushTimeout < 0 || c.MetricsInterval < 0 {
		return errors.New("durations must not be negative")
	}
	return nil
}

func envString(getenv func(string) string, key string) string {
	return strings.TrimSpace(getenv(key))
}

func envInt(getenv func(string) string, key string) (int, bool) {
	raw := envString(getenv, key)
	if raw == "" {
		return 0, false
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false
	}
	return n, true
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
