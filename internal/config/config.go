// Package config handles settings loading for hosts and the sync server.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Settings holds the full configuration of one simulation host.
type Settings struct {
	// Turns is the number of DoTurn iterations in local-loop mode.
	// Ignored when the global sync server drives the clock.
	Turns uint32 `yaml:"turns"`
	// Islands is the number of island workers spawned on this host.
	Islands uint32 `yaml:"islands"`
	// IslandsSync enables the per-host barrier that keeps all local
	// islands on the same turn.
	IslandsSync bool            `yaml:"islands_sync"`
	Network     NetworkSettings `yaml:"network"`
	// LogLevel selects the slog level (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// NetworkSettings describes this host's place in the cluster.
type NetworkSettings struct {
	IsCoordinator      bool   `yaml:"is_coordinator"`
	HostsNum           int    `yaml:"hosts_num"`
	CoordinatorIP      string `yaml:"coordinator_ip"`
	CoordinatorRepPort int    `yaml:"coordinator_rep_port"`
	CoordinatorPubPort int    `yaml:"coordinator_pub_port"`
	// HostIP and PubPort form this host's publisher endpoint. The
	// "ip:port" pair doubles as the host's identity on the wire.
	HostIP      string             `yaml:"host_ip"`
	PubPort     int                `yaml:"pub_port"`
	MetricsPort int                `yaml:"metrics_port"`
	GlobalSync  GlobalSyncSettings `yaml:"global_sync"`
	Map         MapSettings        `yaml:"map"`
}

// GlobalSyncSettings configures the optional sync-server-driven turn loop.
type GlobalSyncSettings struct {
	Sync          bool   `yaml:"sync"`
	ServerIP      string `yaml:"server_ip"`
	ServerRepPort int    `yaml:"server_rep_port"`
	ServerPubPort int    `yaml:"server_pub_port"`
}

// MapSettings configures the optional sharded grid extension. A zero
// ChunkLen leaves the extension disabled.
type MapSettings struct {
	ChunkLen uint64 `yaml:"chunk_len"`
}

// ServerSettings holds the sync server configuration.
type ServerSettings struct {
	Hosts       int    `yaml:"hosts"`
	Turns       uint32 `yaml:"turns"`
	IP          string `yaml:"ip"`
	RepPort     int    `yaml:"rep_port"`
	PubPort     int    `yaml:"pub_port"`
	MetricsPort int    `yaml:"metrics_port"`
	LogLevel    string `yaml:"log_level"`
}

// Load reads and validates a host settings file.
func Load(path string) (*Settings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var s Settings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return &s, nil
}

// LoadServer reads and validates a sync server settings file.
func LoadServer(path string) (*ServerSettings, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read settings file: %w", err)
	}

	var s ServerSettings
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("parse settings file %s: %w", path, err)
	}
	if err := s.Validate(); err != nil {
		return nil, fmt.Errorf("invalid settings in %s: %w", path, err)
	}
	return &s, nil
}

// Validate reports the first missing or malformed host setting.
func (s *Settings) Validate() error {
	if s.Islands == 0 {
		return fmt.Errorf("islands must be at least 1")
	}
	n := &s.Network
	if n.HostIP == "" {
		return fmt.Errorf("network.host_ip is required")
	}
	if n.PubPort <= 0 {
		return fmt.Errorf("network.pub_port is required")
	}
	if n.GlobalSync.Sync {
		if n.GlobalSync.ServerIP == "" {
			return fmt.Errorf("network.global_sync.server_ip is required when sync is enabled")
		}
		if n.GlobalSync.ServerRepPort <= 0 || n.GlobalSync.ServerPubPort <= 0 {
			return fmt.Errorf("network.global_sync server ports are required when sync is enabled")
		}
		return nil
	}
	if s.Turns == 0 {
		return fmt.Errorf("turns must be at least 1")
	}
	if n.HostsNum < 1 {
		return fmt.Errorf("network.hosts_num must be at least 1")
	}
	if !n.IsCoordinator {
		if n.CoordinatorIP == "" {
			return fmt.Errorf("network.coordinator_ip is required for participants")
		}
		if n.CoordinatorRepPort <= 0 || n.CoordinatorPubPort <= 0 {
			return fmt.Errorf("network coordinator ports are required for participants")
		}
	}
	return nil
}

// Validate reports the first missing or malformed server setting.
func (s *ServerSettings) Validate() error {
	if s.Hosts < 1 {
		return fmt.Errorf("hosts must be at least 1")
	}
	if s.Turns == 0 {
		return fmt.Errorf("turns must be at least 1")
	}
	if s.IP == "" {
		return fmt.Errorf("ip is required")
	}
	if s.RepPort <= 0 || s.PubPort <= 0 {
		return fmt.Errorf("rep_port and pub_port are required")
	}
	return nil
}

// ParseArgs checks that os.Args matches the expected length declared by
// the caller and returns it. Binaries pick their settings paths out of
// the slice by index.
func ParseArgs(expected int) ([]string, error) {
	args := os.Args
	if len(args) != expected {
		return nil, fmt.Errorf("expected %d arguments, got %d", expected, len(args))
	}
	return args, nil
}
