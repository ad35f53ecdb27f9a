package config

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dmitrijs2005/nostreward/internal/common"
)

// parseEnv overlays environment variables read through getenv. Empty
// variables are treated as unset.
func parseEnv(c *Config, getenv func(string) string) error {
	str := func(name string, dst *string) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			*dst = v
		}
	}
	var errs envErrors
	boolean := func(name string, dst *bool) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			b, err := strconv.ParseBool(v)
			if err != nil {
				errs.add(name, v, "a boolean")
				return
			}
			*dst = b
		}
	}
	duration := func(name string, dst *time.Duration) {
		if v := strings.TrimSpace(getenv(name)); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs.add(name, v, "a duration such as 30s")
				return
			}
			*dst = d
		}
	}

	str("BOT_NSEC", &c.BotSecret)
	str("NWC_URL", &c.NWCURL)
	if v := strings.TrimSpace(getenv("RELAYS")); v != "" {
		c.Relays = strings.Split(v, ",")
	}
	if v := strings.TrimSpace(getenv("ZAP_AMOUNT_SATS")); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			errs.add("ZAP_AMOUNT_SATS", v, "an integer")
		} else {
			c.ZapAmountSats = n
		}
	}
	str("ZAP_COMMENT", &c.ZapComment)
	boolean("ENABLE_ZAP", &c.EnableZap)
	boolean("ENABLE_REPOST", &c.EnableRepost)
	boolean("ENABLE_WHITELIST", &c.EnableAllowList)
	str("CODES_FILE", &c.CodesFile)
	str("WHITELIST_FILE", &c.AllowListFile)
	str("REQUIRED_HASHTAG", &c.RequiredHashtag)
	duration("PAYMENT_TIMEOUT", &c.PaymentTimeout)
	str("PAYMENT_TIMEOUT_POLICY", &c.PaymentTimeoutPolicy)
	duration("RETRY_INTERVAL", &c.RetryInterval)
	duration("RETRY_DELAY", &c.RetryDelay)
	str("JOURNAL_DSN", &c.JournalDSN)
	duration("JOURNAL_RETENTION", &c.JournalRetention)
	str("ADMIN_ADDR", &c.AdminAddr)
	str("HEALTH_GRPC_ADDR", &c.HealthGRPCAddr)
	str("LOG_LEVEL", &c.LogLevel)
	str("LOG_FILE", &c.LogFile)
	str("BACKUP_S3_BUCKET", &c.Backup.Bucket)
	str("BACKUP_S3_PREFIX", &c.Backup.Prefix)
	str("BACKUP_S3_REGION", &c.Backup.Region)
	str("BACKUP_S3_ENDPOINT", &c.Backup.Endpoint)
	str("BACKUP_S3_ACCESS_KEY", &c.Backup.AccessKey)
	str("BACKUP_S3_SECRET_KEY", &c.Backup.SecretKey)

	return errs.err()
}

type envErrors []error

func (e *envErrors) add(name, value, want string) {
	*e = append(*e, fmt.Errorf("%w: %s=%q is not %s", common.ErrConfigurationInvalid, name, value, want))
}

func (e envErrors) err() error { return errors.Join(e...) }
