// Package config holds the settings of a single HA instance and their YAML representation.
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

var ErrInvalidConfig = errors.New("invalid config")

// PushStrategy selects which slaves receive a committed transaction
type PushStrategy string

const (
	// StrategyFixed is an alias of StrategyFixedDescending
	StrategyFixed           PushStrategy = "fixed"
	StrategyFixedDescending PushStrategy = "fixed_descending"
	StrategyFixedAscending  PushStrategy = "fixed_ascending"
	StrategyRoundRobin      PushStrategy = "round_robin"
)

// Normalize resolves aliases to their canonical strategy
func (s PushStrategy) Normalize() PushStrategy {
	if s == StrategyFixed {
		return StrategyFixedDescending
	}
	return s
}

func (s PushStrategy) valid() bool {
	switch s {
	case StrategyFixed, StrategyFixedDescending, StrategyFixedAscending, StrategyRoundRobin:
		return true
	default:
		return false
	}
}

// Config is the configuration of one HA instance
type Config struct {
	// ServerID is the unique instance id within the cluster
	ServerID int `yaml:"server_id"`
	// ClusterServer is the address the cluster (membership and election) service listens on
	ClusterServer string `yaml:"cluster_server"`
	// HAServer is the address the master/slave service listens on
	HAServer string `yaml:"ha_server"`
	// InitialHosts lists the cluster addresses of every configured member, this instance included. Its length is
	// the cluster size quorum is computed against.
	InitialHosts HostList `yaml:"initial_hosts"`

	TxPushFactor   int          `yaml:"tx_push_factor"`
	TxPushStrategy PushStrategy `yaml:"tx_push_strategy"`

	// PullInterval of 0 disables background pulling
	PullInterval       Duration `yaml:"pull_interval"`
	HeartbeatInterval  Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout   Duration `yaml:"heartbeat_timeout"`
	StateSwitchTimeout Duration `yaml:"state_switch_timeout"`

	// StoreDir holds the transaction log. Empty means a temporary directory.
	StoreDir string `yaml:"store_dir"`
	LogLevel string `yaml:"log_level"`
}

// DefaultConfig returns a configuration with every optional setting filled in
func DefaultConfig() *Config {
	return &Config{
		TxPushFactor:       1,
		TxPushStrategy:     StrategyFixed,
		PullInterval:       Duration(time.Second),
		HeartbeatInterval:  Duration(5 * time.Second),
		HeartbeatTimeout:   Duration(40 * time.Second),
		StateSwitchTimeout: Duration(120 * time.Second),
		LogLevel:           "info",
	}
}

// Load reads and validates a YAML configuration file
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of DefaultConfig and validates the result
func Parse(data []byte) (*Config, error) {
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the configuration for missing or contradictory settings
func (c *Config) Validate() error {
	if c.ServerID <= 0 {
		return fmt.Errorf("%w: server_id must be positive", ErrInvalidConfig)
	}
	if c.ClusterServer == "" {
		return fmt.Errorf("%w: cluster_server is required", ErrInvalidConfig)
	}
	if c.HAServer == "" {
		return fmt.Errorf("%w: ha_server is required", ErrInvalidConfig)
	}
	if len(c.InitialHosts) == 0 {
		return fmt.Errorf("%w: initial_hosts is required", ErrInvalidConfig)
	}
	listed := make(map[string]bool, len(c.InitialHosts))
	for _, host := range c.InitialHosts {
		if listed[host] {
			return fmt.Errorf("%w: %s is listed twice in initial_hosts", ErrInvalidConfig, host)
		}
		listed[host] = true
	}
	if !listed[c.ClusterServer] {
		return fmt.Errorf("%w: cluster_server %s is not listed in initial_hosts", ErrInvalidConfig, c.ClusterServer)
	}
	if c.TxPushFactor < 0 {
		return fmt.Errorf("%w: tx_push_factor must not be negative", ErrInvalidConfig)
	}
	if !c.TxPushStrategy.valid() {
		return fmt.Errorf("%w: unknown tx_push_strategy %q", ErrInvalidConfig, c.TxPushStrategy)
	}
	if c.PullInterval < 0 {
		return fmt.Errorf("%w: pull_interval must not be negative", ErrInvalidConfig)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("%w: heartbeat_interval must be positive", ErrInvalidConfig)
	}
	if c.HeartbeatTimeout <= c.HeartbeatInterval {
		return fmt.Errorf("%w: heartbeat_timeout must be greater than heartbeat_interval", ErrInvalidConfig)
	}
	if c.StateSwitchTimeout <= 0 {
		return fmt.Errorf("%w: state_switch_timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// ClusterSize is the number of configured members
func (c *Config) ClusterSize() int {
	return len(c.InitialHosts)
}

// Duration is a time.Duration that decodes from Go duration strings ("5s", "250ms") or bare integers, which are
// read as milliseconds
type Duration time.Duration

func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

func (d Duration) String() string {
	return time.Duration(d).String()
}

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: duration must be a scalar", value.Line)
	}

	raw := strings.TrimSpace(value.Value)
	if ms, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*d = Duration(time.Duration(ms) * time.Millisecond)
		return nil
	}

	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: invalid duration %q: %w", value.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// HostList decodes from a YAML sequence or from a single comma separated string
type HostList []string

func (h *HostList) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.SequenceNode:
		var hosts []string
		if err := value.Decode(&hosts); err != nil {
			return err
		}
		*h = cleanHosts(hosts)
		return nil
	case yaml.ScalarNode:
		*h = ParseHosts(value.Value)
		return nil
	default:
		return fmt.Errorf("line %d: initial_hosts must be a list or a comma separated string", value.Line)
	}
}

// ParseHosts splits a comma separated host list, dropping blanks
func ParseHosts(s string) HostList {
	return cleanHosts(strings.Split(s, ","))
}

func cleanHosts(hosts []string) HostList {
	out := make(HostList, 0, len(hosts))
	for _, host := range hosts {
		host = strings.TrimSpace(host)
		if host != "" {
			out = append(out, host)
		}
	}
	return out
}
