package app

import (
	"context"
	"errors"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"

	"chainwatch/internal/alerts"
	"chainwatch/internal/borrowers"
	"chainwatch/internal/chain"
	"chainwatch/internal/config"
	"chainwatch/internal/diagnostics"
	"chainwatch/internal/format"
	"chainwatch/internal/handlers"
	"chainwatch/internal/history"
	"chainwatch/internal/notify"
	"chainwatch/internal/oracle"
	"chainwatch/internal/pipeline"
	"chainwatch/internal/pricegraph"
	"chainwatch/internal/spot"
	"chainwatch/internal/workqueue"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger()}
}

// Services is the wired component graph of one run.
type Services struct {
	Registry    *prometheus.Registry
	Client      *chain.Client
	Assets      *chain.Registry
	Prices      *pricegraph.Graph
	Format      *format.Formatter
	Broadcaster *notify.Broadcaster
	Alerts      *alerts.Manager
	Borrowers   *borrowers.Monitor
	Oracle      *oracle.Monitor
	Handlers    *handlers.Handlers
	Pipeline    *pipeline.Pipeline

	borrowerQueue *workqueue.Queue
	oracleQueue   *workqueue.Queue
	logger        zerolog.Logger
}

// buildOptions select the outward-facing collaborators.
type buildOptions struct {
	// live delivers chat messages and operator alerts. Otherwise they are
	// only logged and recorded.
	live bool
	// source feeds the pipeline; nil uses chain.source.
	source chain.DataSource
	// router quotes spot prices; nil uses the configured quote API.
	router spot.Router
}

func (a *App) newSink() notify.Sink {
	cfg := a.Config.Notify.Telegram
	if !cfg.Enabled {
		return nil
	}
	return notify.NewTelegram(cfg.BotToken, cfg.ChatID, cfg.APIBase, cfg.ParseMode, cfg.Timeout, a.Logger)
}

func (a *App) newDispatcher(reg prometheus.Registerer) alerts.Dispatcher {
	cfg := a.Config.Alerting
	if len(cfg.Webhooks) == 0 {
		return nil
	}
	return alerts.NewWebhook(cfg.Webhooks, alerts.WebhookOptions{
		Timeout:       cfg.Timeout,
		RatePerSecond: cfg.RatePerSecond,
		Burst:         cfg.Burst,
	}, a.Logger, reg)
}

// newSource opens the block source selected by chain.source.
func (a *App) newSource(client *chain.Client) (chain.DataSource, error) {
	cfg := a.Config.Chain
	if cfg.Source == config.SourceFile {
		src, err := chain.OpenFileSource(cfg.EventsFile, chain.FileOptions{PollInterval: cfg.PollInterval}, a.Logger)
		if err != nil {
			return nil, err
		}
		a.Logger.Info().Str("file", cfg.EventsFile).Int("blocks", src.Blocks()).Msg("serving recorded blocks")
		return src, nil
	}
	return chain.NewEVMSource(client, chain.EVMOptions{PollInterval: cfg.PollInterval}, a.Logger), nil
}

func (a *App) build(opts buildOptions) (*Services, error) {
	cfg := a.Config
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	client := chain.NewClient(cfg.Chain.RPCURL, cfg.Chain.RequestTimeout)
	assets := chain.NewRegistry(client, cfg.Currencies.CacheSize)
	assets.Preload(cfg.Currencies.Preload()...)

	prices := pricegraph.New()
	formatter := format.New(assets, prices, format.Options{
		USDAsset: chain.AssetID(cfg.Currencies.USDAssetID),
		WhaleUSD: decimal.NewFromFloat(cfg.Currencies.WhaleAmount),
		Emojis:   cfg.Currencies.Emojis,
	})

	var (
		sink       notify.Sink
		dispatcher alerts.Dispatcher
	)
	if opts.live {
		sink = a.newSink()
		dispatcher = a.newDispatcher(reg)
	}

	broadcaster := notify.NewBroadcaster(sink, notify.Options{
		Mute:          cfg.Notify.Mute,
		OnceCacheSize: cfg.Notify.OnceCacheSize,
	}, a.Logger, reg)

	manager := alerts.NewManager(dispatcher, alerts.Options{
		Rules:       cfg.Alerting.Rules(),
		HistoryMax:  cfg.Alerting.HistoryMax,
		HistoryTrim: cfg.Alerting.HistoryTrim,
	}, a.Logger, reg)

	deltas, err := oracle.NewDeltaTracker(cfg.Alerting.PriceDeltas)
	if err != nil {
		return nil, err
	}

	router := opts.router
	if router == nil {
		router = spot.NewHTTPRouter(spot.Options{
			BaseURL:   cfg.Spot.BaseURL,
			Timeout:   cfg.Spot.RequestTimeout,
			UserAgent: cfg.Spot.UserAgent,
		}, a.Logger)
	}

	borrowerQueue := workqueue.New("borrowers", workqueue.Options{
		Concurrency: cfg.Borrowers.Concurrency,
		Timeout:     cfg.Borrowers.TaskTimeout,
	}, a.Logger, reg)
	oracleQueue := workqueue.New("oracle", workqueue.Options{
		Concurrency: cfg.Oracle.Concurrency,
		Timeout:     cfg.Oracle.TaskTimeout,
	}, a.Logger, reg)

	borrowerMonitor := borrowers.New(chain.NewLendingPool(client), borrowerQueue, broadcaster, manager, formatter,
		borrowers.Options{LiquidationAlert: cfg.Borrowers.LiquidationAlert}, a.Logger, reg)
	oracleMonitor := oracle.New(router, assets, manager, broadcaster, deltas, oracleQueue, oracle.Options{
		DivergenceThreshold: cfg.Oracle.DivergenceThreshold,
		SeriesSize:          cfg.Oracle.SeriesSize,
	}, a.Logger, reg)

	h := handlers.New(handlers.Deps{
		Notifier:  broadcaster,
		Format:    formatter,
		Prices:    prices,
		Borrowers: borrowerMonitor,
		Oracle:    oracleMonitor,
		Webhooks:  manager,
		Rates:     manager,
	}, handlers.Options{
		DCAWindow:        cfg.Aggregator.DCAWindow,
		ReferralWindows:  cfg.Aggregator.ReferralWindows,
		ReferralPot:      cfg.Aggregator.ReferralPot,
		NativeAsset:      chain.AssetID(cfg.Currencies.NativeAssetID),
		LendingPools:     cfg.Chain.LendingPoolAddresses(),
		OracleContracts:  cfg.Chain.OracleAddresses(),
		ReserveAssets:    cfg.Chain.ReserveAssetIDs(),
		LockdownMentions: cfg.Alerting.LockdownMentions,
		HSMAccount:       cfg.Aggregator.HSMAccount,
		HSMWindow:        cfg.Aggregator.HSMWindow,
	}, a.Logger)

	source := opts.source
	if source == nil {
		if source, err = a.newSource(client); err != nil {
			return nil, err
		}
	}
	p := pipeline.New(source, pipeline.Options{
		Delay:           cfg.Chain.FinalityDelay,
		WatchdogTimeout: cfg.Chain.WatchdogTimeout,
		CacheSize:       cfg.Chain.BlockCacheSize,
		MaxCatchUp:      cfg.Chain.MaxCatchUp,
	}, a.Logger, reg)
	h.Register(p)

	return &Services{
		Registry:      reg,
		Client:        client,
		Assets:        assets,
		Prices:        prices,
		Format:        formatter,
		Broadcaster:   broadcaster,
		Alerts:        manager,
		Borrowers:     borrowerMonitor,
		Oracle:        oracleMonitor,
		Handlers:      h,
		Pipeline:      p,
		borrowerQueue: borrowerQueue,
		oracleQueue:   oracleQueue,
		logger:        a.Logger,
	}, nil
}

// Start launches the monitor queues under ctx.
func (s *Services) Start(ctx context.Context) {
	s.borrowerQueue.Start(ctx)
	s.oracleQueue.Start(ctx)
}

// Settle waits until both monitor queues are idle.
func (s *Services) Settle(ctx context.Context) error {
	if err := s.borrowerQueue.Wait(ctx); err != nil {
		return err
	}
	return s.oracleQueue.Wait(ctx)
}

// Shutdown flushes buffered trades and accrual windows and waits for the
// chat queue to empty, all within grace.
func (s *Services) Shutdown(grace time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()

	err := s.Handlers.Flush(ctx)
	if drainErr := s.Broadcaster.Drain(ctx); drainErr != nil {
		s.logger.Warn().Err(drainErr).Msg("chat queue not drained before grace period")
		err = errors.Join(err, drainErr)
	}
	return err
}

// Close releases the node connection.
func (s *Services) Close() {
	s.Client.Close()
}

// bootstrap seeds the monitors from the historical index.
func (a *App) bootstrap(ctx context.Context, s *Services) error {
	if !a.Config.Borrowers.Bootstrap && !a.Config.Oracle.Bootstrap {
		return nil
	}
	if a.Config.History.DSN == "" {
		a.Logger.Warn().Msg("history.dsn not configured; skipping bootstrap")
		return nil
	}

	store, err := history.Open(ctx, a.Config.History)
	if err != nil {
		return err
	}
	defer store.Close()

	if a.Config.Borrowers.Bootstrap {
		head, err := s.Client.BlockNumber(ctx)
		if err != nil {
			return err
		}
		n, err := s.Borrowers.Bootstrap(ctx, store, head)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("positions", n).Uint64("head", head).Msg("borrowers bootstrapped")
	}
	if a.Config.Oracle.Bootstrap {
		n, err := s.Oracle.Bootstrap(ctx, store)
		if err != nil {
			return err
		}
		a.Logger.Info().Int("prices", n).Msg("oracle prices bootstrapped")
	}
	return nil
}

// Run executes the long-running watcher until a signal arrives or the head
// watchdog expires.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	s, err := a.build(buildOptions{live: true})
	if err != nil {
		return err
	}
	defer s.Close()

	// The chat worker outlives ctx so Shutdown can drain it.
	chatCtx, stopChat := context.WithCancel(context.Background())
	defer stopChat()
	go func() { _ = s.Broadcaster.Run(chatCtx) }()

	s.Start(ctx)
	if err := a.bootstrap(ctx, s); err != nil {
		a.Logger.Error().Err(err).Msg("bootstrap failed; monitors start empty")
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return s.Pipeline.Watch(gctx) })
	if a.Config.Diagnostics.Enabled {
		srv := diagnostics.New(a.Config.Diagnostics.Listen, diagnostics.Deps{
			Borrowers: s.Borrowers,
			Oracle:    s.Oracle,
			Alerts:    s.Alerts,
			Gatherer:  s.Registry,
		}, a.Logger)
		g.Go(func() error { return srv.Run(gctx) })
	}

	a.Logger.Info().Int("listeners", s.Pipeline.Listeners()).Msg("starting chain watcher")
	err = g.Wait()

	if shutdownErr := s.Shutdown(a.Config.Shutdown.GracePeriod); shutdownErr != nil {
		a.Logger.Warn().Err(shutdownErr).Msg("graceful shutdown incomplete")
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("watcher terminated with error")
		return err
	}

	a.Logger.Info().Msg("watcher stopped")
	return nil
}
