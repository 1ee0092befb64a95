package config

import (
	"errors"
	"fmt"
)

// Validate checks that all required fields are set and values are valid.
func (c *Config) Validate() error {
	if c.Instance.ID == "" {
		return errors.New("instance.id is required")
	}

	if len(c.Accounts) == 0 {
		return errors.New("at least one account is required")
	}

	seen := make(map[string]struct{}, len(c.Accounts))
	for i := range c.Accounts {
		if err := c.Accounts[i].validate(fmt.Sprintf("accounts[%d]", i)); err != nil {
			return err
		}
		if _, dup := seen[c.Accounts[i].Key]; dup {
			return fmt.Errorf("duplicate account key %q", c.Accounts[i].Key)
		}
		seen[c.Accounts[i].Key] = struct{}{}
	}

	if c.Supervisor.BaseDelay > c.Supervisor.MaxDelay {
		return fmt.Errorf("supervisor.base_delay (%s) cannot exceed max_delay (%s)",
			c.Supervisor.BaseDelay, c.Supervisor.MaxDelay)
	}
	if c.Supervisor.SoftRepairLimit < 0 {
		return errors.New("supervisor.soft_repair_limit must be >= 0")
	}

	if c.Dedup.Capacity < 1 {
		return errors.New("dedup.capacity must be >= 1")
	}
	if c.Dedup.TTL <= 0 {
		return errors.New("dedup.ttl must be > 0")
	}

	if c.Reply.MaxRetries < 0 {
		return errors.New("reply.max_retries must be >= 0")
	}

	if c.Health.Port < 1 || c.Health.Port > 65535 {
		return fmt.Errorf("health.port must be between 1 and 65535, got %d", c.Health.Port)
	}

	return nil
}

func (a *AccountConfig) validate(prefix string) error {
	if a.AppID == "" {
		return fmt.Errorf("%s.app_id is required", prefix)
	}
	if a.AppSecret == "" {
		return fmt.Errorf("%s.app_secret is required", prefix)
	}
	if a.GatewayURL == "" {
		return fmt.Errorf("%s.gateway_url is required", prefix)
	}
	return nil
}
