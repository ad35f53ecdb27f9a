package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/dmitrijs2005/nostreward/internal/backup"
	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/timex"
)

// FileConfig is the on-disk form of Config. Unset fields leave the current
// value alone; durations accept "30s" or integer nanoseconds.
type FileConfig struct {
	BotSecret            string          `json:"bot_nsec" yaml:"bot_nsec"`
	NWCURL               string          `json:"nwc_url" yaml:"nwc_url"`
	Relays               []string        `json:"relays" yaml:"relays"`
	ZapAmountSats        int64           `json:"zap_amount_sats" yaml:"zap_amount_sats"`
	ZapComment           string          `json:"zap_comment" yaml:"zap_comment"`
	EnableZap            *bool           `json:"enable_zap" yaml:"enable_zap"`
	EnableRepost         *bool           `json:"enable_repost" yaml:"enable_repost"`
	EnableAllowList      *bool           `json:"enable_whitelist" yaml:"enable_whitelist"`
	CodesFile            string          `json:"codes_file" yaml:"codes_file"`
	AllowListFile        string          `json:"whitelist_file" yaml:"whitelist_file"`
	RequiredHashtag      string          `json:"required_hashtag" yaml:"required_hashtag"`
	PaymentTimeout       *timex.Duration `json:"payment_timeout" yaml:"payment_timeout"`
	PaymentTimeoutPolicy string          `json:"payment_timeout_policy" yaml:"payment_timeout_policy"`
	RetryInterval        *timex.Duration `json:"retry_interval" yaml:"retry_interval"`
	RetryDelay           *timex.Duration `json:"retry_delay" yaml:"retry_delay"`
	JournalDSN           string          `json:"journal_dsn" yaml:"journal_dsn"`
	JournalRetention     *timex.Duration `json:"journal_retention" yaml:"journal_retention"`
	AdminAddr            string          `json:"admin_addr" yaml:"admin_addr"`
	HealthGRPCAddr       string          `json:"health_grpc_addr" yaml:"health_grpc_addr"`
	LogLevel             string          `json:"log_level" yaml:"log_level"`
	LogFile              string          `json:"log_file" yaml:"log_file"`
	Backup               *backup.Config  `json:"backup" yaml:"backup"`
}

// parseFile overlays the JSON or YAML file at path onto config. YAML is
// chosen by a .yaml or .yml extension.
func parseFile(config *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("%w: read config file: %v", common.ErrConfigurationInvalid, err)
	}

	var fc FileConfig
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		err = yaml.Unmarshal(data, &fc)
	default:
		err = json.Unmarshal(data, &fc)
	}
	if err != nil {
		return fmt.Errorf("%w: parse config file %s: %v", common.ErrConfigurationInvalid, path, err)
	}

	fc.apply(config)
	return nil
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func (fc *FileConfig) apply(c *Config) {
	setString(&c.BotSecret, fc.BotSecret)
	setString(&c.NWCURL, fc.NWCURL)
	if len(fc.Relays) > 0 {
		c.Relays = append([]string(nil), fc.Relays...)
	}
	if fc.ZapAmountSats != 0 {
		c.ZapAmountSats = fc.ZapAmountSats
	}
	setString(&c.ZapComment, fc.ZapComment)
	if fc.EnableZap != nil {
		c.EnableZap = *fc.EnableZap
	}
	if fc.EnableRepost != nil {
		c.EnableRepost = *fc.EnableRepost
	}
	if fc.EnableAllowList != nil {
		c.EnableAllowList = *fc.EnableAllowList
	}
	setString(&c.CodesFile, fc.CodesFile)
	setString(&c.AllowListFile, fc.AllowListFile)
	setString(&c.RequiredHashtag, fc.RequiredHashtag)
	if fc.PaymentTimeout != nil {
		c.PaymentTimeout = fc.PaymentTimeout.Duration
	}
	setString(&c.PaymentTimeoutPolicy, fc.PaymentTimeoutPolicy)
	if fc.RetryInterval != nil {
		c.RetryInterval = fc.RetryInterval.Duration
	}
	if fc.RetryDelay != nil {
		c.RetryDelay = fc.RetryDelay.Duration
	}
	setString(&c.JournalDSN, fc.JournalDSN)
	if fc.JournalRetention != nil {
		c.JournalRetention = fc.JournalRetention.Duration
	}
	setString(&c.AdminAddr, fc.AdminAddr)
	setString(&c.HealthGRPCAddr, fc.HealthGRPCAddr)
	setString(&c.LogLevel, fc.LogLevel)
	setString(&c.LogFile, fc.LogFile)
	if b := fc.Backup; b != nil {
		setString(&c.Backup.Bucket, b.Bucket)
		setString(&c.Backup.Prefix, b.Prefix)
		setString(&c.Backup.Region, b.Region)
		setString(&c.Backup.Endpoint, b.Endpoint)
		setString(&c.Backup.AccessKey, b.AccessKey)
		setString(&c.Backup.SecretKey, b.SecretKey)
	}
}
