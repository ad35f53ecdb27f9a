// Package config assembles daemon settings from defaults, an optional JSON
// or YAML file, the environment and command-line flags, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/dmitrijs2005/nostreward/internal/backup"
	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/flagx"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
	"github.com/dmitrijs2005/nostreward/internal/nwc"
	"github.com/dmitrijs2005/nostreward/internal/scheduler"
	"github.com/dmitrijs2005/nostreward/internal/zap"
)

var DefaultRelays = []string{
	"wss://relay.primal.net",
	"wss://relay.damus.io",
}

// Config holds runtime settings for the reward daemon.
type Config struct {
	BotSecret string
	NWCURL    string
	Relays    []string

	ZapAmountSats   int64
	ZapComment      string
	EnableZap       bool
	EnableRepost    bool
	EnableAllowList bool

	CodesFile       string
	AllowListFile   string
	RequiredHashtag string

	PaymentTimeout       time.Duration
	PaymentTimeoutPolicy string
	RetryInterval        time.Duration
	RetryDelay           time.Duration

	JournalDSN       string
	JournalRetention time.Duration

	AdminAddr      string
	HealthGRPCAddr string

	LogLevel string
	LogFile  string

	Backup backup.Config
}

// LoadDefaults populates Config with the values used when nothing else is set.
func (c *Config) LoadDefaults() {
	c.Relays = append([]string(nil), DefaultRelays...)
	c.ZapAmountSats = 21
	c.ZapComment = zap.DefaultComment
	c.CodesFile = "codes.json"
	c.AllowListFile = "whitelist.json"
	c.RequiredHashtag = "nostreward"
	c.PaymentTimeout = nwc.DefaultTimeout
	c.PaymentTimeoutPolicy = string(nwc.PolicyStrict)
	c.RetryInterval = scheduler.DefaultInterval
	c.RetryDelay = ledger.DefaultRetryDelay
	c.JournalDSN = "journal.db"
	c.LogLevel = "info"
}

// Load builds a Config from defaults, the file named by -c/-config, env
// (via getenv) and args, then validates it.
func Load(args []string, getenv func(string) string) (*Config, error) {
	cfg := &Config{}
	cfg.LoadDefaults()

	if path := flagx.ConfigFile(args); path != "" {
		if err := parseFile(cfg, path); err != nil {
			return nil, err
		}
	}
	if err := parseEnv(cfg, getenv); err != nil {
		return nil, err
	}
	if err := parseFlags(cfg, args); err != nil {
		return nil, err
	}
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) normalize() {
	c.RequiredHashtag = strings.ToLower(strings.TrimPrefix(strings.TrimSpace(c.RequiredHashtag), "#"))
	relays := c.Relays[:0]
	for _, r := range c.Relays {
		if r = strings.TrimSpace(r); r != "" {
			relays = append(relays, r)
		}
	}
	c.Relays = relays
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", common.ErrConfigurationInvalid, fmt.Sprintf(format, args...))
}

// Validate reports every problem at once. Each joined error matches
// common.ErrConfigurationInvalid.
func (c *Config) Validate() error {
	var errs []error

	if c.BotSecret == "" {
		errs = append(errs, invalid("BOT_NSEC is required"))
	} else if _, err := nostrx.ParseSecretKey(c.BotSecret); err != nil {
		errs = append(errs, invalid("BOT_NSEC is not a valid key"))
	}

	if len(c.Relays) == 0 {
		errs = append(errs, invalid("RELAYS must list at least one relay"))
	}
	for _, r := range c.Relays {
		if !strings.HasPrefix(r, "wss://") && !strings.HasPrefix(r, "ws://") {
			errs = append(errs, invalid("relay %q must be a ws:// or wss:// URL", r))
		}
	}

	if c.EnableZap {
		if c.NWCURL == "" {
			errs = append(errs, invalid("NWC_URL is required when ENABLE_ZAP=true"))
		} else if _, err := nwc.ParseURI(c.NWCURL); err != nil {
			errs = append(errs, err)
		}
		if c.ZapAmountSats <= 0 {
			errs = append(errs, invalid("ZAP_AMOUNT_SATS must be positive, got %d", c.ZapAmountSats))
		}
	}

	if _, err := nwc.ParsePolicy(c.PaymentTimeoutPolicy); err != nil {
		errs = append(errs, err)
	}
	if c.PaymentTimeout <= 0 {
		errs = append(errs, invalid("PAYMENT_TIMEOUT must be positive"))
	}
	if c.RetryInterval <= 0 {
		errs = append(errs, invalid("RETRY_INTERVAL must be positive"))
	}
	if c.RetryDelay <= 0 {
		errs = append(errs, invalid("RETRY_DELAY must be positive"))
	}
	if c.JournalRetention < 0 {
		errs = append(errs, invalid("JOURNAL_RETENTION must not be negative"))
	}
	if c.CodesFile == "" {
		errs = append(errs, invalid("CODES_FILE is required"))
	}
	if c.EnableAllowList && c.AllowListFile == "" {
		errs = append(errs, invalid("WHITELIST_FILE is required when ENABLE_WHITELIST=true"))
	}

	return errors.Join(errs...)
}
