package app

import (
	"context"
	"errors"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"flipwatch/internal/alerting"
	"flipwatch/internal/config"
	"flipwatch/internal/fee"
	"flipwatch/internal/service"
	"flipwatch/internal/storage"
)

// App aggregates configuration and shared dependencies for the CLI commands.
type App struct {
	Config *config.Config
	Logger zerolog.Logger
	Out    io.Writer
}

// NewApp constructs a new application handle.
func NewApp(cfg *config.Config, logger zerolog.Logger) *App {
	return &App{Config: cfg, Logger: logger.With().Str("component", "app").Logger(), Out: os.Stdout}
}

func (a *App) newNotifier() (alerting.Notifier, error) {
	return alerting.FromConfig(a.Config.Alerting, a.Logger)
}

func (a *App) openStore(ctx context.Context) (*storage.Store, func(), error) {
	if a.Config.Database.DSN == "" {
		return nil, nil, nil
	}

	pool, err := storage.NewPool(ctx, a.Config.Database, a.Config.App.Name)
	if err != nil {
		return nil, nil, err
	}

	store := storage.NewStore(pool)
	closer := func() {
		store.Close()
	}
	return store, closer, nil
}

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

// Run executes the long-running monitoring service.
func (a *App) Run(ctx context.Context) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	if store == nil {
		a.Logger.Warn().Msg("database.dsn not configured; persistence disabled")
	}
	if closeStore != nil {
		defer closeStore()
	}

	notifier, err := a.newNotifier()
	if err != nil {
		return err
	}

	deps := service.Dependencies{Notifier: notifier}
	if store != nil {
		deps.Decisions = store
		deps.Catalog = store
		deps.Alerts = store
		deps.Locker = store
	}

	svc, err := service.New(a.Config, deps, a.Logger)
	if err != nil {
		return err
	}

	a.Logger.Info().Msg("starting monitoring service")
	err = svc.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		a.Logger.Error().Err(err).Msg("service terminated with error")
		return err
	}

	a.Logger.Info().Msg("monitoring service stopped")
	return nil
}

// ExportOptions hold parameters for exporting decision history.
type ExportOptions struct {
	From      *time.Time
	To        *time.Time
	PNGPath   string
	CSVPath   string
	XLSXPath  string
	MaxPoints int
	Verdict   string
	Item      string
}

// ShowOptions configure the show command.
type ShowOptions struct {
	Limit   int
	Verdict string
	Item    string
	Alerts  bool
}

// SimulateOptions describe one hypothetical listing.
type SimulateOptions struct {
	Item  string
	Offer fee.Amount
	// Reference is the reference price; a negative value leaves the
	// catalog empty.
	Reference fee.Amount
	// Age is how old the reference price is.
	Age    time.Duration
	Notify bool
}

// VerifyOptions configure the schedule sweep.
type VerifyOptions struct {
	Max     fee.Amount
	Samples int
	Seed    int64
	Workers int
}

// FeesOptions select one fee computation.
type FeesOptions struct {
	Amount   fee.Amount
	Subtract bool
}

// PruneOptions configure decision retention.
type PruneOptions struct {
	OlderThan time.Duration
	DryRun    bool
}
