// internal/common/config/config.go
package config

import "fmt"

// Config is the main application configuration struct.
type Config struct {
	App           AppConfig          `mapstructure:"app"`
	Server        ServerConfig       `mapstructure:"server"`
	Webhook       WebhookConfig      `mapstructure:"webhook"`
	Vault         VaultConfig        `mapstructure:"vault"`
	Messaging     MessagingConfig    `mapstructure:"messaging"`
	Conversation  ConversationConfig `mapstructure:"conversation"`
	Tenants       TenantsConfig      `mapstructure:"tenants"`
	Camunda       CamundaConfig      `mapstructure:"camunda"`
	Database      DatabaseConfig     `mapstructure:"database"`
	Auth          AuthConfig         `mapstructure:"auth"`
	Notifications NotificationConfig `mapstructure:"notifications"`
	Logging       LoggingConfig      `mapstructure:"logging"`
	Tracing       TracingConfig      `mapstructure:"tracing"`
	LexiconPath   string             `mapstructure:"lexicon_path"`
}

// --- Core App/Infrastructure Config ---
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Version     string `mapstructure:"version"`
	Environment string `mapstructure:"environment"`
}

type ServerConfig struct {
	Address         string `mapstructure:"address"`
	ReadTimeout     int    `mapstructure:"read_timeout"`     // milliseconds
	WriteTimeout    int    `mapstructure:"write_timeout"`    // milliseconds
	ShutdownTimeout int    `mapstructure:"shutdown_timeout"` // milliseconds
}

// WebhookConfig holds the provider handshake secrets and dedup settings.
type WebhookConfig struct {
	VerifyToken     string `mapstructure:"verify_token"`
	AppSecret       string `mapstructure:"app_secret"`
	DedupBackend    string `mapstructure:"dedup_backend"` // "redis" or "memory"
	DedupTTL        int    `mapstructure:"dedup_ttl"`     // milliseconds
	DedupMaxEntries int    `mapstructure:"dedup_max_entries"`
	RawEventIndex   string `mapstructure:"raw_event_index"`
}

type VaultConfig struct {
	MasterKey string `mapstructure:"master_key"`
}

type MessagingConfig struct {
	BaseURL       string  `mapstructure:"base_url"`
	APIVersion    string  `mapstructure:"api_version"`
	Timeout       int     `mapstructure:"timeout"` // milliseconds
	RatePerSecond float64 `mapstructure:"rate_per_second"`
	Burst         int     `mapstructure:"burst"`
}

type ConversationConfig struct {
	HorizonDays   int      `mapstructure:"horizon_days"`
	HandoffTTL    int      `mapstructure:"handoff_ttl"`    // milliseconds
	ActorIdleTTL  int      `mapstructure:"actor_idle_ttl"` // milliseconds
	MailboxSize   int      `mapstructure:"mailbox_size"`
	ReservedWords []string `mapstructure:"reserved_words"`
}

type TenantsConfig struct {
	CacheTTL     int `mapstructure:"cache_ttl"` // milliseconds
	DefaultQuota int `mapstructure:"default_quota"`
}

type CamundaConfig struct {
	BrokerAddress  string `mapstructure:"broker_address"`
	MaxJobsActive  int    `mapstructure:"max_jobs_active"`
	Timeout        int    `mapstructure:"timeout"`         // milliseconds
	RequestTimeout int    `mapstructure:"request_timeout"` // milliseconds
	ProcessID      string `mapstructure:"process_id"`
	TLS            bool   `mapstructure:"tls"`
	StartAttempts  int    `mapstructure:"start_attempts"`
}

// Enabled reports whether a Zeebe gateway was configured.
func (c CamundaConfig) Enabled() bool {
	return c.BrokerAddress != ""
}

type DatabaseConfig struct {
	Postgres      PostgresConfig      `mapstructure:"postgres"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`
	Redis         RedisConfig         `mapstructure:"redis"`
}

type PostgresConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MaxIdle        int    `mapstructure:"max_idle"`
	SSLMode        string `mapstructure:"sslmode"`
}

// GetDSN returns the PostgreSQL connection string
func (p PostgresConfig) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		p.Host, p.Port, p.User, p.Password, p.Database, p.SSLMode,
	)
}

type ElasticsearchConfig struct {
	Addresses []string `mapstructure:"addresses"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	URL       string   `mapstructure:"url"`
}

// GetURL returns the first address or the URL field
func (e ElasticsearchConfig) GetURL() string {
	if e.URL != "" {
		return e.URL
	}
	if len(e.Addresses) > 0 {
		return e.Addresses[0]
	}
	return ""
}

// Enabled reports whether raw events should be mirrored to Elasticsearch.
func (e ElasticsearchConfig) Enabled() bool {
	return e.GetURL() != ""
}

// RedisConfig timeouts are in milliseconds.
type RedisConfig struct {
	Address      string `mapstructure:"address"`
	Password     string `mapstructure:"password"`
	DB           int    `mapstructure:"db"`
	QueueDB      int    `mapstructure:"queue_db"`
	PoolSize     int    `mapstructure:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns"`
	DialTimeout  int    `mapstructure:"dial_timeout"`
	ReadTimeout  int    `mapstructure:"read_timeout"`
	WriteTimeout int    `mapstructure:"write_timeout"`
}

// AuthConfig guards the admin API.
type AuthConfig struct {
	Keycloak struct {
		URL          string `mapstructure:"url"`
		Realm        string `mapstructure:"realm"`
		ClientID     string `mapstructure:"client_id"`
		ClientSecret string `mapstructure:"client_secret"`
	} `mapstructure:"keycloak"`
}

// NotificationConfig holds settings for escalation-contact delivery.
type NotificationConfig struct {
	QueueEnabled bool `mapstructure:"queue_enabled"`
	Concurrency  int  `mapstructure:"concurrency"`
	MaxRetry     int  `mapstructure:"max_retry"`
	AWS          struct {
		Region string `mapstructure:"region"`
	} `mapstructure:"aws"`
	Email struct {
		Enabled   bool   `mapstructure:"enabled"`
		FromEmail string `mapstructure:"from_email"`
	} `mapstructure:"email"`
	SMS struct {
		Enabled  bool   `mapstructure:"enabled"`
		SenderID string `mapstructure:"sender_id"`
	} `mapstructure:"sms"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

type TracingConfig struct {
	JaegerEndpoint string `mapstructure:"jaeger_endpoint"`
}
