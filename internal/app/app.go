package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"navfund/internal/alerting"
	"navfund/internal/config"
	"navfund/internal/exchange"
	"navfund/internal/genesis"
	"navfund/internal/metrics"
	"navfund/internal/registry"
	"navfund/internal/scheduler"
	"navfund/internal/service"
	"navfund/internal/storage"
	"navfund/internal/units"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	// Out receives command output.
	Out io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) loadGenesis() (*genesis.File, error) {
	if a.Config.Genesis.Path == "" {
		return nil, errors.New("genesis.path not configured")
	}
	return genesis.Load(a.Config.Genesis.Path)
}

func (a *App) newExchange(g *genesis.File) (exchange.Exchange, error) {
	if a.Config.Exchange.Mode == config.ExchangeHTTP {
		return exchange.NewVenue(exchange.VenueOptions{
			BaseURL:   a.Config.Exchange.BaseURL,
			BaseAsset: a.Config.Fund.BaseAsset,
			Timeout:   a.Config.Exchange.RequestTimeout,
			UserAgent: a.Config.Exchange.UserAgent,
			APIKey:    a.Config.Exchange.APIKey,
		}, a.Logger), nil
	}
	return a.simulatedVenue(g)
}

// simulatedVenue takes genesis prices quoted in the base asset and inverts them into units of
// asset per unit of base asset.
func (a *App) simulatedVenue(g *genesis.File) (*exchange.Simulated, error) {
	prices, err := genesis.ParseValues(g.Exchange.Rates)
	if err != nil {
		return nil, fmt.Errorf("exchange rates: %w", err)
	}
	one := decimal.NewFromInt(1)
	rates := make(map[string]decimal.Decimal, len(prices))
	for asset, price := range prices {
		if price.Sign() <= 0 {
			return nil, fmt.Errorf("exchange rate for %s must be positive", asset)
		}
		rates[asset] = units.Div(one, price)
	}
	haircut := g.Exchange.HaircutBps
	if a.Config.Exchange.HaircutBps > 0 {
		haircut = a.Config.Exchange.HaircutBps
	}
	return exchange.NewSimulated(rates, haircut), nil
}

func (a *App) newNotifier() alerting.Notifier {
	if !a.Config.Alerting.Enabled {
		return nil
	}
	if a.Config.Alerting.Telegram.Enabled {
		cfg := a.Config.Alerting.Telegram
		return alerting.NewTelegramNotifier(cfg.BotToken, cfg.ChatID, cfg.APIBase, a.Config.Alerting.Timeout, a.Logger)
	}
	return alerting.NewLogNotifier(a.Logger)
}

// openJournal opens the configured journal backend. A nil journal means persistence is disabled.
func (a *App) openJournal(ctx context.Context) (storage.Journal, func(), error) {
	switch a.Config.Journal.Backend {
	case config.JournalPebble:
		journal, err := storage.NewPebbleJournal(a.Config.Journal.Path)
		if err != nil {
			return nil, nil, err
		}
		return journal, a.closer(journal), nil
	case config.JournalPostgres:
		pool, err := storage.NewPool(ctx, a.Config.Database)
		if err != nil {
			return nil, nil, err
		}
		store := storage.NewStore(pool)
		if err := store.ApplyMigrations(ctx, a.Config.Database.MigrationsPath); err != nil {
			store.Close()
			return nil, nil, err
		}
		return store, a.closer(store), nil
	default:
		return nil, nil, nil
	}
}

func (a *App) closer(journal storage.Journal) func() {
	return func() {
		if err := journal.Close(); err != nil {
			a.Logger.Error().Err(err).Msg("failed to close journal")
		}
	}
}

func (a *App) fundOptions(g *genesis.File) (service.Options, error) {
	rp, err := a.Config.ReporterParams()
	if err != nil {
		return service.Options{}, err
	}
	start := g.Epoch
	if start == 0 {
		start = 1
	}
	return service.Options{
		BasketSize:     a.Config.Fund.BasketSize,
		MinObservation: a.Config.Fund.MinObservation,
		StartEpoch:     start,
		ParamDelay:     a.Config.Timelock.Delay,
		Consensus:      a.Config.ConsensusParams(),
		Reporters:      rp,
		Vault:          a.Config.VaultParams(),
		BaseAsset:      registry.NormalizeAsset(a.Config.Fund.BaseAsset),
		VaultAddress:   common.HexToAddress(a.Config.Fund.VaultAddress),
		Owner:          common.HexToAddress(a.Config.Fund.Owner),
		Guardian:       common.HexToAddress(a.Config.Fund.Guardian),
		FeeSink:        common.HexToAddress(a.Config.Fund.FeeSink),
		LockKey:        a.Config.Scheduler.AdvisoryLockKey,
	}, nil
}

// newFund wires a fund at now and replays the genesis bootstrap into it.
func (a *App) newFund(ctx context.Context, g *genesis.File, deps service.Deps, now time.Time) (*service.Fund, error) {
	opts, err := a.fundOptions(g)
	if err != nil {
		return nil, err
	}
	fund, err := service.New(opts, deps, now, a.Logger)
	if err != nil {
		return nil, err
	}
	if err := fund.Bootstrap(ctx, g); err != nil {
		return nil, fmt.Errorf("bootstrap: %w", err)
	}
	return fund, nil
}

func (a *App) serveMetrics(ctx context.Context) {
	mux := http.NewServeMux()
	mux.Handle(a.Config.Metrics.Path, metrics.Handler())
	srv := &http.Server{
		Addr:              a.Config.Metrics.Listen,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()
	go func() {
		a.Logger.Info().Str("listen", srv.Addr).Str("path", a.Config.Metrics.Path).Msg("metrics endpoint listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.Logger.Error().Err(err).Msg("metrics endpoint stopped")
		}
	}()
}

// Run executes the long-running round service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	g, err := a.loadGenesis()
	if err != nil {
		return err
	}

	journal, closeJournal, err := a.openJournal(ctx)
	if err != nil {
		return err
	}
	if journal == nil {
		a.Logger.Warn().Msg("journal.backend is none; persistence disabled")
	}
	if closeJournal != nil {
		defer closeJournal()
	}

	sched, err := scheduler.New(scheduler.Options{
		Interval:               a.Config.Scheduler.Interval,
		AlignToStart:           a.Config.Scheduler.AlignToBoundary,
		StartupDelay:           a.Config.Scheduler.StartupDelay,
		MaxConsecutiveFailures: a.Config.Scheduler.MaxConsecutiveFailures,
	}, a.Logger)
	if err != nil {
		return err
	}

	venue, err := a.newExchange(g)
	if err != nil {
		return err
	}

	deps := service.Deps{
		Exchange:  venue,
		Journal:   journal,
		Notifier:  a.newNotifier(),
		Scheduler: sched,
	}
	if a.Config.Metrics.Enabled {
		deps.Metrics = metrics.Fund()
		a.serveMetrics(ctx)
	}

	fund, err := a.newFund(ctx, g, deps, time.Now().UTC())
	if err != nil {
		return err
	}

	a.Logger.Info().Uint64("epoch", fund.Epoch()).Dur("interval", a.Config.Scheduler.Interval).Msg("starting fund service")
	err = fund.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("fund service stopped")
	return nil
}

// ExportOptions hold parameters for exporting historical NAV samples.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	MaxPoints int
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Slashes bool
}

// ReplayOptions configure the replay job.
type ReplayOptions struct {
	FromEpoch uint64
	ToEpoch   uint64
}

// SimulateOptions configure the scripted scenario.
type SimulateOptions struct {
	Persist bool
}
