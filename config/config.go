package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every tunable of the transport core and the example relay.
type Config struct {
	ServerIP        string `yaml:"server_ip"`
	ServerPort      int    `yaml:"server_port"`
	ClientIP        string `yaml:"client_ip"`
	ClientPortLower int    `yaml:"client_port_lower"`
	ClientPortUpper int    `yaml:"client_port_upper"`

	WindowCapacity   int           `yaml:"window_capacity"`   // receive credit per peer, in bytes
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"` // client wait for SYN-ACK
	SendTimeout      time.Duration `yaml:"send_timeout"`      // 0 waits for window credit forever

	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"` // client send period
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`  // server eviction after silence
	HeartbeatTick     time.Duration `yaml:"heartbeat_tick"`     // server monitor granularity

	KillLinger time.Duration `yaml:"kill_linger"` // how long the server collects FIN-ACKs after a kill
	KillSecret string        `yaml:"kill_secret"` // empty disables the check

	WorkerCount          int `yaml:"worker_count"`
	EventQueueSize       int `yaml:"event_queue_size"`
	PayloadPoolSize      int `yaml:"payload_pool_size"`
	BroadcastConcurrency int `yaml:"broadcast_concurrency"`

	IPTOS int `yaml:"ip_tos"`
	IPTTL int `yaml:"ip_ttl"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	Trace     bool   `yaml:"trace"`      // dissect every inbound segment at debug level
	PoolDebug bool   `yaml:"pool_debug"` // ring pool debug footprints
}

// AppConfig is the configuration loaded by the process entry points.
var AppConfig *Config

func DefaultConfig() *Config {
	return &Config{
		ServerIP:             "127.0.0.1",
		ServerPort:           1234,
		ClientIP:             "127.0.0.1",
		ClientPortLower:      32768,
		ClientPortUpper:      60999,
		WindowCapacity:       5 * 104,
		HandshakeTimeout:     5 * time.Second,
		SendTimeout:          10 * time.Second,
		HeartbeatInterval:    time.Second,
		HeartbeatTimeout:     10 * time.Second,
		HeartbeatTick:        time.Second,
		KillLinger:           2 * time.Second,
		WorkerCount:          8,
		EventQueueSize:       256,
		PayloadPoolSize:      4096,
		BroadcastConcurrency: 16,
		LogLevel:             "info",
		LogFormat:            "console",
	}
}

// ReadConfig reads a YAML file on top of DefaultConfig and validates the result.
func ReadConfig(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", filename, err)
	}
	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", filename, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects values the core cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.WindowCapacity <= 0 || c.WindowCapacity > 0xFFFF:
		return fmt.Errorf("window_capacity %d out of range (1..65535)", c.WindowCapacity)
	case c.ClientPortLower <= 0 || c.ClientPortUpper > 0xFFFF || c.ClientPortLower > c.ClientPortUpper:
		return fmt.Errorf("client port range %d..%d is invalid", c.ClientPortLower, c.ClientPortUpper)
	case c.HandshakeTimeout <= 0:
		return fmt.Errorf("handshake_timeout must be positive")
	case c.SendTimeout < 0:
		return fmt.Errorf("send_timeout must not be negative")
	case c.HeartbeatInterval <= 0:
		return fmt.Errorf("heartbeat_interval must be positive")
	case c.KillLinger < 0:
		return fmt.Errorf("kill_linger must not be negative")
	case c.HeartbeatTick <= 0 || c.HeartbeatTimeout < c.HeartbeatTick:
		return fmt.Errorf("heartbeat_timeout (%s) must be at least one heartbeat_tick (%s)", c.HeartbeatTimeout, c.HeartbeatTick)
	case c.WorkerCount <= 0:
		return fmt.Errorf("worker_count must be positive")
	case c.EventQueueSize <= 0:
		return fmt.Errorf("event_queue_size must be positive")
	case c.PayloadPoolSize <= 0:
		return fmt.Errorf("payload_pool_size must be positive")
	case c.BroadcastConcurrency <= 0:
		return fmt.Errorf("broadcast_concurrency must be positive")
	case c.IPTOS < 0 || c.IPTOS > 0xFF || c.IPTTL < 0 || c.IPTTL > 0xFF:
		return fmt.Errorf("ip_tos/ip_ttl out of range")
	}
	return nil
}

// HeartbeatCredit is the number of monitor ticks a silent peer survives.
func (c *Config) HeartbeatCredit() int {
	return int(c.HeartbeatTimeout / c.HeartbeatTick)
}
