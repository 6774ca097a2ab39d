package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DBFile          string
	APIAddr         string
	TokenExpiry     time.Duration
	HistorySize     int
	CooldownLimit   int
	CooldownWindow  time.Duration
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	PushSubscriber  string
}

func Load() (*Config, error) {
	tokenExpiry, err := time.ParseDuration(getEnv("TOKEN_EXPIRY", "12h"))
	if err != nil {
		return nil, fmt.Errorf("TOKEN_EXPIRY: %w", err)
	}

	cooldownWindow, err := time.ParseDuration(getEnv("COOLDOWN_WINDOW", "2s"))
	if err != nil {
		return nil, fmt.Errorf("COOLDOWN_WINDOW: %w", err)
	}

	historySize, err := strconv.Atoi(getEnv("HISTORY_SIZE", "50"))
	if err != nil {
		return nil, fmt.Errorf("HISTORY_SIZE: %w", err)
	}

	cooldownLimit, err := strconv.Atoi(getEnv("COOLDOWN_LIMIT", "1"))
	if err != nil {
		return nil, fmt.Errorf("COOLDOWN_LIMIT: %w", err)
	}

	cfg := &Config{
		DBFile:          getEnv("PARLOR_DB", "parlor.db"),
		APIAddr:         getEnv("API_ADDR", ":8080"),
		TokenExpiry:     tokenExpiry,
		HistorySize:     historySize,
		CooldownLimit:   cooldownLimit,
		CooldownWindow:  cooldownWindow,
		VAPIDPublicKey:  os.Getenv("VAPID_PUBLIC_KEY"),
		VAPIDPrivateKey: os.Getenv("VAPID_PRIVATE_KEY"),
		PushSubscriber:  getEnv("PUSH_SUBSCRIBER", "mailto:admin@localhost"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) Validate() error {
	if c.TokenExpiry <= 0 {
		return fmt.Errorf("TOKEN_EXPIRY must be greater than 0")
	}
	if c.HistorySize <= 0 {
		return fmt.Errorf("HISTORY_SIZE must be greater than 0")
	}
	if c.CooldownLimit <= 0 {
		return fmt.Errorf("COOLDOWN_LIMIT must be greater than 0")
	}
	if (c.VAPIDPublicKey == "") != (c.VAPIDPrivateKey == "") {
		return fmt.Errorf("VAPID_PUBLIC_KEY and VAPID_PRIVATE_KEY must be set together")
	}

	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}
