package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Account holds the connection parameters for one IMAP account.
// Read-only for the lifetime of its watcher.
type Account struct {
	Label    string
	Host     string
	Port     int
	Username string
	Password string
}

// Addr returns the host:port dial address.
func (a Account) Addr() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// Config application configuration
type Config struct {
	// Storage
	DatabasePath string `env:"DATABASE_PATH" envDefault:"./data/mailagent.db"`

	// HTTP surface
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8080"`
	APIToken   string `env:"API_TOKEN"` // empty means insecure mode

	// IMAP sync
	IMAPDialTimeout   time.Duration `env:"IMAP_DIAL_TIMEOUT" envDefault:"30s"`
	IMAPRenewInterval time.Duration `env:"IMAP_RENEW_INTERVAL" envDefault:"20m"`
	ReconnectMin      time.Duration `env:"RECONNECT_MIN" envDefault:"5s"`
	ReconnectMax      time.Duration `env:"RECONNECT_MAX" envDefault:"5m"`
	IncrementalCount  uint32        `env:"INCREMENTAL_COUNT" envDefault:"50"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"` // "json" or "text"

	// Accounts come from numbered ACCOUNT<i>_* groups, not env tags.
	Accounts []Account `env:"-"`
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if exists (ignore error if not found)
	_ = godotenv.Load()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	accounts, err := loadAccounts()
	if err != nil {
		return nil, err
	}
	cfg.Accounts = accounts

	if cfg.ReconnectMin <= 0 || cfg.ReconnectMax < cfg.ReconnectMin {
		return nil, fmt.Errorf("invalid reconnect window: min=%s max=%s", cfg.ReconnectMin, cfg.ReconnectMax)
	}

	return cfg, nil
}

// loadAccounts reads ACCOUNT1_*, ACCOUNT2_*, ... groups until the first
// index with no ACCOUNT<i>_HOST set.
func loadAccounts() ([]Account, error) {
	var accounts []Account
	seen := make(map[string]struct{})

	for i := 1; ; i++ {
		prefix := fmt.Sprintf("ACCOUNT%d_", i)
		host := os.Getenv(prefix + "HOST")
		if host == "" {
			break
		}

		acc := Account{
			Label:    os.Getenv(prefix + "LABEL"),
			Host:     host,
			Username: os.Getenv(prefix + "USERNAME"),
			Password: os.Getenv(prefix + "PASSWORD"),
		}
		if acc.Label == "" {
			acc.Label = acc.Username
		}
		if acc.Label == "" {
			return nil, fmt.Errorf("account %d: LABEL or USERNAME required", i)
		}
		if _, dup := seen[acc.Label]; dup {
			return nil, fmt.Errorf("account %d: duplicate label %q", i, acc.Label)
		}
		seen[acc.Label] = struct{}{}

		acc.Port = 993
		if p := os.Getenv(prefix + "PORT"); p != "" {
			port, err := strconv.Atoi(p)
			if err != nil {
				return nil, fmt.Errorf("account %d: invalid port %q: %w", i, p, err)
			}
			acc.Port = port
		}

		if acc.Username == "" || acc.Password == "" {
			return nil, fmt.Errorf("account %d (%s): USERNAME and PASSWORD required", i, acc.Label)
		}

		accounts = append(accounts, acc)
	}

	return accounts, nil
}
