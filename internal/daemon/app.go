// Package daemon wires the reward daemon together: stream monitor, reward
// orchestrator, retry scheduler and the optional journal, backup and admin
// surfaces, and runs them until a shutdown signal.
package daemon

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"github.com/dmitrijs2005/nostreward/internal/allowlist"
	"github.com/dmitrijs2005/nostreward/internal/backup"
	"github.com/dmitrijs2005/nostreward/internal/config"
	"github.com/dmitrijs2005/nostreward/internal/health"
	"github.com/dmitrijs2005/nostreward/internal/journal"
	"github.com/dmitrijs2005/nostreward/internal/ledger"
	"github.com/dmitrijs2005/nostreward/internal/logging"
	"github.com/dmitrijs2005/nostreward/internal/metrics"
	"github.com/dmitrijs2005/nostreward/internal/monitor"
	"github.com/dmitrijs2005/nostreward/internal/nostrx"
	"github.com/dmitrijs2005/nostreward/internal/nwc"
	"github.com/dmitrijs2005/nostreward/internal/rewards"
	"github.com/dmitrijs2005/nostreward/internal/scheduler"
	"github.com/dmitrijs2005/nostreward/internal/zap"
)

// resolutionAllowance is added to the wallet timeout to bound a whole zap.
const resolutionAllowance = 30 * time.Second

type Option func(*App)

// WithDialer replaces the websocket relay dialer.
func WithDialer(d nostrx.Dialer) Option { return func(a *App) { a.dialer = d } }

// WithSignals controls whether SIGINT/SIGTERM cancel Run. On by default.
func WithSignals(on bool) Option { return func(a *App) { a.signals = on } }

type App struct {
	config  *config.Config
	logger  logging.Logger
	dialer  nostrx.Dialer
	signals bool

	signer       *nostrx.KeySigner
	ledger       *ledger.Ledger
	journal      *journal.Store
	pool         *nostrx.Pool
	monitor      *monitor.Monitor
	orchestrator *rewards.Orchestrator
	scheduler    *scheduler.Scheduler
	metrics      *metrics.Metrics
	registry     *prometheus.Registry
	grpcHealth   *health.GRPCServer
	snapshotter  *backup.Snapshotter
}

func NewApp(ctx context.Context, c *config.Config, logger logging.Logger, opts ...Option) (*App, error) {
	app := &App{
		config:  c,
		logger:  logger,
		dialer:  nostrx.RelayDialer{},
		signals: true,
	}
	for _, opt := range opts {
		opt(app)
	}

	secret, err := nostrx.ParseSecretKey(c.BotSecret)
	if err != nil {
		return nil, fmt.Errorf("bot key: %w", err)
	}
	if app.signer, err = nostrx.NewKeySigner(secret); err != nil {
		return nil, fmt.Errorf("bot key: %w", err)
	}

	app.registry = prometheus.NewRegistry()
	app.registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	app.metrics = metrics.New(app.registry)

	ledgerOpts := []ledger.Option{ledger.AsOwner(), ledger.WithRetryDelay(c.RetryDelay)}
	if c.Backup.Enabled() {
		client, err := backup.NewS3Client(ctx, c.Backup)
		if err != nil {
			return nil, fmt.Errorf("backup init error: %w", err)
		}
		app.snapshotter = backup.New(client, c.Backup.Bucket, c.Backup.Prefix, logger)
		ledgerOpts = append(ledgerOpts, ledger.WithPersistHook(app.snapshotter.Offer))
	}
	if app.ledger, err = ledger.Open(c.CodesFile, ledgerOpts...); err != nil {
		return nil, fmt.Errorf("ledger init error: %w", err)
	}

	// The journal is an audit trail; rewards keep flowing without it.
	if c.JournalDSN != "" {
		if app.journal, err = journal.Open(ctx, c.JournalDSN, nil); err != nil {
			logger.Warn(ctx, "journal unavailable, continuing without it", "error", err)
			app.journal = nil
		}
	}

	app.pool = nostrx.NewPool(app.dialer, c.Relays, logger)

	rewardOpts := []rewards.Option{
		rewards.WithLogger(logger),
		rewards.WithMetrics(app.metrics),
		rewards.WithRequiredHashtag(c.RequiredHashtag),
		rewards.WithPaymentBudget(c.PaymentTimeout + resolutionAllowance),
	}
	if app.journal != nil {
		rewardOpts = append(rewardOpts, rewards.WithJournal(app.journal))
	}
	if c.EnableZap {
		zapper, err := app.newZapper()
		if err != nil {
			return nil, err
		}
		rewardOpts = append(rewardOpts, rewards.WithZapper(zapper))
	}
	if c.EnableRepost {
		rewardOpts = append(rewardOpts, rewards.WithReposter(rewards.NewPoolReposter(app.pool, app.signer)))
	}
	if c.EnableAllowList {
		rewardOpts = append(rewardOpts, rewards.WithAllowList(allowlist.New(c.AllowListFile, nil)))
	}
	app.orchestrator = rewards.New(app.ledger, app.signer.PublicKey(), rewardOpts...)

	if c.HealthGRPCAddr != "" {
		app.grpcHealth = health.NewGRPCServer(c.HealthGRPCAddr, logger)
	}

	app.monitor = monitor.New(app.dialer, c.Relays, c.RequiredHashtag, time.Now(),
		monitor.WithLogger(logger.With("module", "monitor")),
		monitor.WithStateHook(app.onSubscriptions),
	)
	// Without a wallet there is nothing to retry.
	if c.EnableZap {
		app.scheduler = scheduler.New(app.ledger, app.orchestrator,
			scheduler.WithInterval(c.RetryInterval),
			scheduler.WithLogger(logger.With("module", "scheduler")),
		)
	}
	return app, nil
}

func (app *App) newZapper() (*zap.Zapper, error) {
	c := app.config
	uri, err := nwc.ParseURI(c.NWCURL)
	if err != nil {
		return nil, err
	}
	policy, err := nwc.ParsePolicy(c.PaymentTimeoutPolicy)
	if err != nil {
		return nil, err
	}
	wallet, err := nwc.New(uri, app.dialer,
		nwc.WithTimeout(c.PaymentTimeout),
		nwc.WithPolicy(policy),
		nwc.WithLogger(app.logger.With("module", "nwc")),
	)
	if err != nil {
		return nil, fmt.Errorf("wallet client: %w", err)
	}
	resolver := zap.NewResolver(app.pool, app.signer, c.Relays)
	return zap.NewZapper(resolver, wallet, c.ZapAmountSats, c.ZapComment), nil
}

func (app *App) onSubscriptions(n int) {
	app.metrics.RelaysSubscribed(n)
	if app.grpcHealth != nil {
		app.grpcHealth.SetSubscribed(n)
	}
}

func (app *App) refreshLedgerGauges() {
	s := app.ledger.Stats()
	app.metrics.Ledger(s.PendingRetry, s.Unknown)
}

func (app *App) initSignalHandler(ctx context.Context, cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		defer signal.Stop(sigs)
		select {
		case <-sigs:
			cancelFunc()
		case <-ctx.Done():
		}
	}()
}

// reportUnknown warns about payments whose outcome was lost in a crash.
// They are not retried automatically.
func (app *App) reportUnknown(ctx context.Context) {
	for _, r := range app.ledger.Unknown() {
		app.logger.Warn(ctx, "payment outcome unknown, check the wallet and requeue if unpaid",
			"code", ledger.Short(r.Fingerprint), "event", r.EventID, "author", r.Author)
	}
}

func (app *App) pruneJournal(ctx context.Context) {
	if app.journal == nil || app.config.JournalRetention <= 0 {
		return
	}
	n, err := app.journal.Prune(ctx, time.Now().Add(-app.config.JournalRetention))
	if err != nil {
		app.logger.Warn(ctx, "journal prune failed", "error", err)
		return
	}
	if n > 0 {
		app.logger.Info(ctx, "journal pruned", "rows", n)
	}
}

// Run blocks until ctx is cancelled, a shutdown signal arrives or a listener
// fails, then waits for every component, in-flight rewards included, to
// finish. Only listener failures are returned.
func (app *App) Run(ctx context.Context) error {
	ctx, cancelFunc := context.WithCancel(ctx)
	defer cancelFunc()

	app.logger.Info(ctx, "Starting nostreward...",
		"pubkey", app.signer.PublicKey(),
		"relays", app.config.Relays,
		"hashtag", app.config.RequiredHashtag,
		"zap", app.config.EnableZap,
		"repost", app.config.EnableRepost,
		"allowlist", app.config.EnableAllowList,
	)
	if app.signals {
		app.initSignalHandler(ctx, cancelFunc)
	}

	app.reportUnknown(ctx)
	app.refreshLedgerGauges()
	app.pruneJournal(ctx)

	var (
		wg      sync.WaitGroup
		errOnce sync.Once
		runErr  error
	)
	fail := func(err error) {
		errOnce.Do(func() { runErr = err })
		cancelFunc()
	}
	spawn := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}

	spawn(func() {
		if err := app.ledger.Watch(ctx, app.logger, app.refreshLedgerGauges); err != nil {
			app.logger.Warn(ctx, "ledger watcher stopped", "error", err)
		}
	})
	if app.scheduler != nil {
		spawn(func() { app.scheduler.Run(ctx) })
	}
	// Backups outlive the root context so writes made by rewards still in
	// flight at shutdown are uploaded.
	backupCtx, stopBackup := context.WithCancel(context.WithoutCancel(ctx))
	defer stopBackup()
	if app.snapshotter != nil {
		spawn(func() { app.snapshotter.Run(backupCtx) })
	}
	if addr := app.config.AdminAddr; addr != "" {
		admin := health.NewAdminServer(app.ledger, app.monitor, app.history(), app.registry, nil)
		srv := &http.Server{Addr: addr, Handler: admin, ReadHeaderTimeout: 5 * time.Second}
		spawn(func() {
			app.logger.Info(ctx, "Starting admin server", "address", addr)
			if err := health.Serve(ctx, srv); err != nil {
				app.logger.Error(ctx, "admin server failed", "error", err)
				fail(fmt.Errorf("admin server: %w", err))
			}
		})
	}
	if app.grpcHealth != nil {
		spawn(func() {
			if err := app.grpcHealth.Run(ctx); err != nil {
				app.logger.Error(ctx, "gRPC health server failed", "error", err)
				fail(fmt.Errorf("grpc health server: %w", err))
			}
		})
	}

	// Codes are claimed in arrival order on this goroutine; reward actions
	// run in the background so a slow wallet does not stall the stream.
	var rewarding sync.WaitGroup
	for msg := range app.monitor.Run(ctx) {
		claim, ok, err := app.orchestrator.Claim(ctx, msg)
		if err != nil || !ok {
			continue
		}
		rewarding.Add(1)
		go func() {
			defer rewarding.Done()
			app.orchestrator.Reward(ctx, claim)
		}()
	}

	app.logger.Info(ctx, "Stopping nostreward...")
	rewarding.Wait()
	stopBackup()
	wg.Wait()
	app.close()
	return runErr
}

func (app *App) history() health.History {
	if app.journal == nil {
		return nil
	}
	return app.journal
}

func (app *App) close() {
	app.pool.Close()
	if app.journal != nil {
		if err := app.journal.Close(); err != nil {
			app.logger.Warn(context.Background(), "journal close failed", "error", err)
		}
	}
}
