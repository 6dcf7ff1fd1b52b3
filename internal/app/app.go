package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"fx-rate-pipeline/internal/alerting"
	"fx-rate-pipeline/internal/api"
	"fx-rate-pipeline/internal/broadcast"
	"fx-rate-pipeline/internal/cache"
	"fx-rate-pipeline/internal/config"
	"fx-rate-pipeline/internal/fetcher"
	"fx-rate-pipeline/internal/metrics"
	"fx-rate-pipeline/internal/pipeline"
	"fx-rate-pipeline/internal/scheduler"
	"fx-rate-pipeline/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives human-readable command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

// history is what the pipeline and converter need from persistence.
type history interface {
	storage.SnapshotStore
	storage.ConversionLog
}

func (a *App) newProviders() []fetcher.Provider {
	providers := make([]fetcher.Provider, 0, len(a.Config.Providers))
	for _, p := range a.Config.Providers {
		switch p.Kind {
		case config.ProviderChainlink:
			providers = append(providers, fetcher.NewChainlinkProvider(fetcher.ChainlinkOptions{
				Name:    p.Name,
				RPCURL:  a.Config.Ethereum.RPCURL,
				Feeds:   a.Config.Ethereum.Feeds,
				Timeout: a.Config.Ethereum.RequestTimeout,
				MaxAge:  a.Config.Ethereum.MaxAnswerAge,
			}, a.Logger))
		default:
			providers = append(providers, fetcher.NewHTTPProvider(fetcher.HTTPOptions{
				Name:         p.Name,
				URL:          p.URL,
				RatesField:   p.RatesField,
				SuccessField: p.SuccessField,
				Timeout:      p.Timeout,
				UserAgent:    p.UserAgent,
			}, a.Logger))
		}
	}
	return providers
}

func (a *App) newAdapter() *fetcher.Adapter {
	var timeout time.Duration
	for _, p := range a.Config.Providers {
		if p.Timeout > timeout {
			timeout = p.Timeout
		}
	}
	return fetcher.NewAdapter(a.newProviders(), fetcher.AdapterOptions{Timeout: timeout}, a.Logger)
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	var notifiers []alerting.Notifier
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		notifiers = append(notifiers, alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, 10*time.Second, a.Logger))
	}
	if len(notifiers) == 0 {
		return nil
	}
	return alerting.NewDispatcher(notifiers, a.Config.Alerting.Cooldown, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

// requireStore opens Postgres for commands that only make sense against
// persisted history.
func (a *App) requireStore(ctx context.Context, what string) (*storage.Store, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, errors.New("database not configured; cannot " + what)
	}
	return store, closeStore, nil
}

func (a *App) openHistory(ctx context.Context) (history, func(), error) {
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; snapshot history kept in memory")
		return storage.NewMemoryStore(a.Config.Pipeline.HistoryLimit * 24), func() {}, nil
	}
	if dir := a.Config.Database.MigrationsPath; dir != "" {
		version, err := storage.Migrate(a.Config.Database.DSN, dir)
		if err != nil {
			closeStore()
			return nil, nil, err
		}
		a.Logger.Info().Uint("version", version).Str("dir", dir).Msg("migrations applied")
	}
	return store, closeStore, nil
}

func (a *App) openCache(ctx context.Context) (cache.Cache, func(), error) {
	cfg := a.Config.Cache
	if cfg.Backend == "redis" {
		rc, err := cache.NewRedisCache(ctx, cache.RedisConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			Prefix:     cfg.Redis.Prefix,
			DefaultTTL: cfg.DefaultTTL,
		})
		if err != nil {
			return nil, nil, err
		}
		return rc, func() { _ = rc.Close() }, nil
	}
	return cache.NewTTLCache(cache.WithDefaultTTL(cfg.DefaultTTL)), func() {}, nil
}

// publishers returns the fan-out plus the WebSocket hub when enabled.
func (a *App) publishers() (*broadcast.Fanout, *broadcast.Hub, func()) {
	var (
		hub    *broadcast.Hub
		sinks  []broadcast.Publisher
		kafkaP *broadcast.KafkaPublisher
	)
	if a.Config.Broadcast.WebSocket.Enabled {
		hub = broadcast.NewHub(a.Config.Broadcast.WebSocket.SendBuffer, a.Logger)
		sinks = append(sinks, hub)
	}
	if kc := a.Config.Broadcast.Kafka; kc.Enabled {
		kafkaP = broadcast.NewKafkaPublisher(kc.Brokers, kc.Topic, a.Logger)
		sinks = append(sinks, kafkaP)
	}
	closer := func() {
		if hub != nil {
			hub.Close()
		}
		if kafkaP != nil {
			if err := kafkaP.Close(); err != nil {
				a.Logger.Warn().Err(err).Msg("close kafka writer")
			}
		}
	}
	return broadcast.NewFanout(a.Logger, sinks...), hub, closer
}

// Run executes the long-running pipeline service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openHistory(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	rateCache, closeCache, err := a.openCache(ctx)
	if err != nil {
		return err
	}
	defer closeCache()

	fanout, hub, closePublishers := a.publishers()
	defer closePublishers()

	rec := metrics.New()
	pipe := pipeline.New(a.pipelineOptions(), pipeline.Dependencies{
		Source:    a.newAdapter(),
		Store:     store,
		Publisher: fanout,
		Notifier:  a.newNotifier(),
		Metrics:   rec,
	}, a.Logger)
	conv := pipeline.NewConverter(pipe, rateCache, store, rec, a.Config.Cache.DefaultTTL, a.Logger)

	handlerOpts := api.Options{
		Pipeline:  pipe,
		Converter: conv,
		Trends:    pipeline.NewTrendAnalyzer(store),
		Metrics:   rec,
	}
	if hub != nil {
		handlerOpts.WS = hub
	}
	server := api.NewServer(a.Config.Server, api.NewHandler(handlerOpts, a.Logger), a.Logger)

	cycles := scheduler.New(scheduler.Options{
		Name:         "cycle",
		Interval:     a.Config.Scheduler.Interval,
		AlignToStart: a.Config.Scheduler.AlignToBucket,
		StartupDelay: a.Config.Scheduler.StartupDelay,
		RunOnStart:   a.Config.Scheduler.RunOnStart,
		OnSkipped:    rec.SkippedTicks("cycle"),
	}, a.Logger)
	sweeper := scheduler.New(scheduler.Options{
		Name:      "cache-sweep",
		Interval:  a.Config.Cache.SweepInterval,
		OnSkipped: rec.SkippedTicks("cache-sweep"),
	}, a.Logger)

	var warmOnce sync.Once
	tick := func(ctx context.Context, at time.Time) error {
		err := pipe.Tick(ctx, at)
		if pipe.Current() != nil {
			warmOnce.Do(func() { conv.Warmup(ctx, a.Config.Pipeline.WarmupPairs) })
		}
		return err
	}

	a.Logger.Info().
		Str("base", a.Config.Pipeline.Base).
		Int("providers", len(a.Config.Providers)).
		Dur("interval", a.Config.Scheduler.Interval).
		Msg("starting rate pipeline")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return cycles.Run(gctx, tick) })
	g.Go(func() error { return sweeper.Run(gctx, cache.NewSweepTask(rateCache, a.Logger, rec.CacheSwept)) })
	g.Go(func() error { return server.Run(gctx) })

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("rate pipeline stopped")
	return nil
}

func (a *App) pipelineOptions() pipeline.Options {
	return pipeline.Options{
		Base:             a.Config.Pipeline.Base,
		SmoothingAlpha:   a.Config.Pipeline.SmoothingAlpha,
		AnomalyThreshold: a.Config.Pipeline.AnomalyThreshold,
		HistoryLimit:     a.Config.Pipeline.HistoryLimit,
	}
}

// ExportOptions hold parameters for exporting snapshot history.
type ExportOptions struct {
	From       *time.Time
	To         *time.Time
	PNGPath    string
	CSVPath    string
	MaxPoints  int
	Currencies []string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit      int
	Currencies []string
}
