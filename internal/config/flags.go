package config

import (
		"flag"
	"fmt"
	"io"
	"strings"

	"github.com/dmitrijs2005/nostreward/internal/common"
	"github.com/dmitrijs2005/nostreward/internal/flagx"
)

var flagNames = []string{
	"-relays", "-zap-amount", "-enable-zap", "-enable-repost", "-enable-whitelist",
	"-codes", "-whitelist", "-hashtag", "-payment-timeout", "-payment-timeout-policy",
	"-retry-interval", "-retry-delay", "-journal", "-journal-retention",
	"-admin-addr", "-health-grpc-addr", "-log-level", "-log-file",
}

// parseFlags overlays the flags it recognises in args. Secrets are only
// read from the file or the environment. Boolean flags take the -name or
// -name=false form.
//
//	-relays string              comma-separated relay URLs
//	-zap-amount int             reward in sats
//	-enable-zap, -enable-repost, -enable-whitelist
//	-codes, -whitelist string   document paths
//	-hashtag string             required hashtag
//	-payment-timeout duration   wallet wait
//	-payment-timeout-policy     strict | optimistic
//	-retry-interval duration    scheduler period
//	-retry-delay duration       wait before a failed payment is retried
//	-journal string             sqlite path or postgres:// DSN
//	-journal-retention duration prune journal rows older than this at startup
//	-admin-addr, -health-grpc-addr string
//	-log-level, -log-file string
func parseFlags(c *Config, args []string) error {
	fs := flag.NewFlagSet("nostreward", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	relays := fs.String("relays", strings.Join(c.Relays, ","), "comma-separated relay URLs")
	fs.Int64Var(&c.ZapAmountSats, "zap-amount", c.ZapAmountSats, "zap amount in sats")
	fs.BoolVar(&c.EnableZap, "enable-zap", c.EnableZap, "zap the redeeming note")
	fs.BoolVar(&c.EnableRepost, "enable-repost", c.EnableRepost, "repost the redeeming note")
	fs.BoolVar(&c.EnableAllowList, "enable-whitelist", c.EnableAllowList, "add the author to the allow-list")
	fs.StringVar(&c.CodesFile, "codes", c.CodesFile, "codes document")
	fs.StringVar(&c.AllowListFile, "whitelist", c.AllowListFile, "allow-list document")
	fs.StringVar(&c.RequiredHashtag, "hashtag", c.RequiredHashtag, "required hashtag")
	fs.DurationVar(&c.PaymentTimeout, "payment-timeout", c.PaymentTimeout, "wallet reply timeout")
	fs.StringVar(&c.PaymentTimeoutPolicy, "payment-timeout-policy", c.PaymentTimeoutPolicy, "strict or optimistic")
	fs.DurationVar(&c.RetryInterval, "retry-interval", c.RetryInterval, "retry scheduler period")
	fs.DurationVar(&c.RetryDelay, "retry-delay", c.RetryDelay, "delay before a failed payment is retried")
	fs.StringVar(&c.JournalDSN, "journal", c.JournalDSN, "journal sqlite path or postgres DSN")
	fs.DurationVar(&c.JournalRetention, "journal-retention", c.JournalRetention, "journal retention, 0 keeps everything")
	fs.StringVar(&c.AdminAddr, "admin-addr", c.AdminAddr, "admin HTTP listen address")
	fs.StringVar(&c.HealthGRPCAddr, "health-grpc-addr", c.HealthGRPCAddr, "gRPC health listen address")
	fs.StringVar(&c.LogLevel, "log-level", c.LogLevel, "debug, info, warn or error")
	fs.StringVar(&c.LogFile, "log-file", c.LogFile, "also log to this rotated file")

	if err := fs.Parse(flagx.FilterArgs(args, flagNames)); err != nil {
		return fmt.Errorf("%w: %v", common.ErrConfigurationInvalid, err)
	}
	c.Relays = strings.Split(*relays, ",")
	return nil
}
