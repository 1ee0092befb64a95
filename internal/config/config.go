package config

import (
	"time"

	"github.com/jwen/streamkeeper/internal/model"
)

// Config is the root configuration for a streamkeeper instance.
type Config struct {
	Instance   InstanceConfig   `yaml:"instance"`
	Accounts   []AccountConfig  `yaml:"accounts"`
	Transport  TransportConfig  `yaml:"transport"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Dedup      DedupConfig      `yaml:"dedup"`
	Routing    RoutingConfig    `yaml:"routing"`
	Reply      ReplyConfig      `yaml:"reply"`
	Health     HealthConfig     `yaml:"health"`
}

// InstanceConfig identifies this streamkeeper process.
type InstanceConfig struct {
	ID string `yaml:"id"`
}

// AccountConfig holds credentials and gateway settings for one logical account.
type AccountConfig struct {
	Key        string   `yaml:"key"` // defaults to "default" for single-tenant setups
	AppID      string   `yaml:"app_id"`
	AppSecret  string   `yaml:"app_secret"`
	GatewayURL string   `yaml:"gateway_url"`
	Topics     []string `yaml:"topics"`
}

// Account converts a config entry into the immutable runtime account.
// The topics slice is copied so no two accounts (or sessions rebuilt from the
// same account) ever share a mutable value.
func (a AccountConfig) Account() model.Account {
	topics := make([]string, len(a.Topics))
	copy(topics, a.Topics)
	return model.Account{
		Key:        a.Key,
		AppID:      a.AppID,
		AppSecret:  a.AppSecret,
		GatewayURL: a.GatewayURL,
		Topics:     topics,
	}
}

// TransportConfig holds WebSocket client settings.
type TransportConfig struct {
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	RegisterTimeout  time.Duration `yaml:"register_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	PingTimeout      time.Duration `yaml:"ping_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
}

// SupervisorConfig holds connection health supervisor settings.
type SupervisorConfig struct {
	PollInterval     time.Duration `yaml:"poll_interval"`
	BaseDelay        time.Duration `yaml:"base_delay"`
	MaxDelay         time.Duration `yaml:"max_delay"`
	SoftRepairLimit  int           `yaml:"soft_repair_limit"`
	ConnectTimeout   time.Duration `yaml:"connect_timeout"`
	ConnectedTimeout time.Duration `yaml:"connected_timeout"` // wait-until-connected bound
}

// DedupConfig holds event deduplication ledger settings.
type DedupConfig struct {
	Capacity int           `yaml:"capacity"`
	TTL      time.Duration `yaml:"ttl"`
}

// RoutingConfig holds reply endpoint cache settings.
type RoutingConfig struct {
	DefaultTTL      time.Duration `yaml:"default_ttl"` // used when an event carries no expiry
	CleanupInterval time.Duration `yaml:"cleanup_interval"`
}

// ReplyConfig holds outbound reply sender settings.
type ReplyConfig struct {
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"max_retries"`
	RetryDelay time.Duration `yaml:"retry_delay"`
}

// HealthConfig holds the readiness probe HTTP server settings.
type HealthConfig struct {
	Port int    `yaml:"port"`
	Path string `yaml:"path"`
}
