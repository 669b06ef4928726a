// internal/workers/notification/notify-escalation/config.go
package notifyescalation

import (
	"fmt"
	"time"

	"appointment-bot/internal/common/config"
)

type Config struct {
	EmailEnabled bool
	SMSEnabled   bool
	Concurrency  int
	MaxRetry     int
	Queue        string
	Timeout      time.Duration
}

func DefaultConfig() *Config {
	return &Config{
		Concurrency: 5,
		MaxRetry:    5,
		Queue:       QueueName,
		Timeout:     30 * time.Second,
	}
}

// LoadConfig maps the notifications section of the application config.
func LoadConfig(cfg config.NotificationConfig) *Config {
	c := DefaultConfig()
	c.EmailEnabled = cfg.Email.Enabled
	c.SMSEnabled = cfg.SMS.Enabled
	if cfg.Concurrency > 0 {
		c.Concurrency = cfg.Concurrency
	}
	if cfg.MaxRetry > 0 {
		c.MaxRetry = cfg.MaxRetry
	}
	return c
}

func (c *Config) Validate() error {
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive")
	}
	if c.MaxRetry < 0 {
		return fmt.Errorf("max_retry must not be negative")
	}
	if c.Queue == "" {
		return fmt.Errorf("queue is required")
	}
	return nil
}
