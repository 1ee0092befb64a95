package config

import (
	"time"

	"github.com/jwen/streamkeeper/internal/model"
)

// Default values for optional configuration fields.
const (
	DefaultHandshakeTimeout = 10 * time.Second
	DefaultRegisterTimeout  = 10 * time.Second
	DefaultPingInterval     = 30 * time.Second
	DefaultPingTimeout      = 60 * time.Second
	DefaultWriteTimeout     = 5 * time.Second

	DefaultPollInterval     = 5 * time.Second
	DefaultBaseDelay        = 2 * time.Second
	DefaultMaxDelay         = 120 * time.Second
	DefaultSoftRepairLimit  = 2
	DefaultConnectTimeout   = 10 * time.Second
	DefaultConnectedTimeout = 15 * time.Second

	DefaultDedupCapacity = 2048
	DefaultDedupTTL      = 10 * time.Minute

	DefaultRoutingTTL      = 30 * time.Minute
	DefaultCleanupInterval = 1 * time.Minute

	DefaultReplyTimeout    = 10 * time.Second
	DefaultReplyMaxRetries = 3
	DefaultReplyRetryDelay = 1 * time.Second

	DefaultHealthPort = 8080
	DefaultHealthPath = "/healthz"
)

func (c *Config) applyDefaults() {
	for i := range c.Accounts {
		if c.Accounts[i].Key == "" {
			c.Accounts[i].Key = model.DefaultAccountKey
		}
	}

	// Transport defaults
	if c.Transport.HandshakeTimeout == 0 {
		c.Transport.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if c.Transport.RegisterTimeout == 0 {
		c.Transport.RegisterTimeout = DefaultRegisterTimeout
	}
	if c.Transport.PingInterval == 0 {
		c.Transport.PingInterval = DefaultPingInterval
	}
	if c.Transport.PingTimeout == 0 {
		c.Transport.PingTimeout = DefaultPingTimeout
	}
	if c.Transport.WriteTimeout == 0 {
		c.Transport.WriteTimeout = DefaultWriteTimeout
	}

	// Supervisor defaults
	if c.Supervisor.PollInterval == 0 {
		c.Supervisor.PollInterval = DefaultPollInterval
	}
	if c.Supervisor.BaseDelay == 0 {
		c.Supervisor.BaseDelay = DefaultBaseDelay
	}
	if c.Supervisor.MaxDelay == 0 {
		c.Supervisor.MaxDelay = DefaultMaxDelay
	}
	if c.Supervisor.SoftRepairLimit == 0 {
		c.Supervisor.SoftRepairLimit = DefaultSoftRepairLimit
	}
	if c.Supervisor.ConnectTimeout == 0 {
		c.Supervisor.ConnectTimeout = DefaultConnectTimeout
	}
	if c.Supervisor.ConnectedTimeout == 0 {
		c.Supervisor.ConnectedTimeout = DefaultConnectedTimeout
	}

	// Dedup defaults
	if c.Dedup.Capacity == 0 {
		c.Dedup.Capacity = DefaultDedupCapacity
	}
	if c.Dedup.TTL == 0 {
		c.Dedup.TTL = DefaultDedupTTL
	}

	// Routing defaults
	if c.Routing.DefaultTTL == 0 {
		c.Routing.DefaultTTL = DefaultRoutingTTL
	}
	if c.Routing.CleanupInterval == 0 {
		c.Routing.CleanupInterval = DefaultCleanupInterval
	}

	// Reply defaults
	if c.Reply.Timeout == 0 {
		c.Reply.Timeout = DefaultReplyTimeout
	}
	if c.Reply.MaxRetries == 0 {
		c.Reply.MaxRetries = DefaultReplyMaxRetries
	}
	if c.Reply.RetryDelay == 0 {
		c.Reply.RetryDelay = DefaultReplyRetryDelay
	}

	// Health defaults
	if c.Health.Port == 0 {
		c.Health.Port = DefaultHealthPort
	}
	if c.Health.Path == "" {
		c.Health.Path = DefaultHealthPath
	}
}
