package router

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/mulgadc/queryroute/auth"
	"github.com/pelletier/go-toml/v2"
)

// Config holds the router configuration, read from a TOML file.
type Config struct {
	ConfigPath string `toml:"-"`

	Host           string `toml:"host"`
	Port           int    `toml:"port"`
	Debug          bool   `toml:"debug"`
	DisableLogging bool   `toml:"disable_logging"`

	TLSCert string `toml:"tls_cert"`
	TLSKey  string `toml:"tls_key"`

	// MaxSessions caps concurrent client sessions; new connection
	// attempts beyond it are refused with service-unavailable while
	// existing sessions continue.
	MaxSessions int `toml:"max_sessions"`

	// SessionBuffer is the per-session outbound channel depth.
	SessionBuffer int `toml:"session_buffer"`

	// RouteTTLSecs expires trace routes with no activity.
	RouteTTLSecs int `toml:"route_ttl_secs"`

	// RerouteOnNodeDown re-resolves displaced routes on the updated
	// ring instead of failing the trace back to the client.
	RerouteOnNodeDown bool `toml:"reroute_on_node_down"`

	Ring    RingConfig    `toml:"ring"`
	Querier QuerierConfig `toml:"querier"`

	Auth  []auth.Credential `toml:"auth"`
	Nodes []NodeConfig      `toml:"nodes"`
}

// RingConfig tunes the consistent-hash ring.
type RingConfig struct {
	PartitionCount    int `toml:"partition_count"`
	ReplicationFactor int `toml:"replication_factor"`
}

// QuerierConfig tunes the querier connections.
type QuerierConfig struct {
	SendQueueSize         int `toml:"send_queue_size"`
	DialTimeoutSecs       int `toml:"dial_timeout_secs"`
	MaxDialRetries        int `toml:"max_dial_retries"`
	HeartbeatIntervalSecs int `toml:"heartbeat_interval_secs"`
	HeartbeatMisses       int `toml:"heartbeat_misses"`
	DrainTimeoutSecs      int `toml:"drain_timeout_secs"`
}

// NodeConfig is one statically configured querier node.
type NodeConfig struct {
	ID     string `toml:"id"`
	Host   string `toml:"host"`
	Port   int    `toml:"port"`
	Weight int    `toml:"weight"`
}

// Addr returns the node's dial address.
func (n NodeConfig) Addr() string {
	return fmt.Sprintf("%s:%d", n.Host, n.Port)
}

// ReadConfig loads and parses the TOML file at ConfigPath.
func (c *Config) ReadConfig() error {
	data, err := os.ReadFile(c.ConfigPath)
	if err != nil {
		errorMsg := fmt.Sprintf("Error reading %s %s", c.ConfigPath, err)
		slog.Warn(errorMsg)
		return errors.New(errorMsg)
	}

	if err := toml.Unmarshal(data, c); err != nil {
		errorMsg := fmt.Sprintf("Error parsing %s %s", c.ConfigPath, err)
		slog.Warn(errorMsg)
		return errors.New(errorMsg)
	}

	c.applyDefaults()
	return nil
}

func (c *Config) applyDefaults() {
	if c.Host == "" {
		c.Host = "0.0.0.0"
	}
	if c.Port == 0 {
		c.Port = 8443
	}
	if c.MaxSessions == 0 {
		c.MaxSessions = 10000
	}
	if c.SessionBuffer == 0 {
		c.SessionBuffer = 64
	}
	if c.RouteTTLSecs == 0 {
		c.RouteTTLSecs = 900
	}
}

// RouteTTL returns the route TTL as a duration.
func (c *Config) RouteTTL() time.Duration {
	return time.Duration(c.RouteTTLSecs) * time.Second
}
