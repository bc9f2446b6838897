package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"callsync/admin"
	"callsync/auth"
	"callsync/config"
	"callsync/crm"
	"callsync/db"
	"callsync/ledger"
	"callsync/recording"
	"callsync/scheduler"
	"callsync/storage"
	"callsync/summary"
	"callsync/telephony"
	"callsync/workflow"
)

// app holds the process-scoped clients shared by every workflow.
type app struct {
	cfg    config.Config
	logger *slog.Logger

	pool       *pgxpool.Pool
	ledger     admin.Ledger
	runs       *ledger.RunRepository
	defs       []workflow.Definition
	dispatcher *scheduler.Dispatcher
}

func newApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	loc, err := cfg.Location()
	if err != nil {
		return nil, err
	}
	if a.defs, err = cfg.Definitions(); err != nil {
		return nil, err
	}

	var store workflow.Ledger
	if cfg.DryRun {
		mem := ledger.NewMemoryStore()
		store, a.ledger = mem, mem
		logger.Warn("dry run: ledger is in memory and CRM writes are only logged")
	} else {
		a.pool, err = db.NewPool(ctx, cfg.DatabaseURL, cfg.PoolOptions())
		if err != nil {
			return nil, err
		}
		repo := ledger.NewRepository(a.pool)
		store, a.ledger = repo, repo
		a.runs = ledger.NewRunRepository(a.pool)
	}

	rc := telephony.NewRingCentral(cfg.RingCentralClient(), telephony.WithLogger(logger))
	spaces, err := storage.NewSpaces(cfg.SpacesClient())
	if err != nil {
		a.Close()
		return nil, err
	}

	var fallback summary.Provider
	if cfg.OpenAI.APIKey != "" {
		fallback = summary.NewOpenAI(&http.Client{Timeout: cfg.CallTimeout}, cfg.OpenAIClient())
	} else {
		logger.Warn("OPENAI_API_KEY not set, summaries come from RingSense only")
	}
	pipeline := summary.NewPipeline(summary.NewRingSense(rc), fallback,
		summary.WithCallTimeout(cfg.CallTimeout),
		summary.WithLogger(logger.With("component", "summary")),
	)

	var writer workflow.CRMWriter
	if cfg.DryRun {
		writer = crm.NewDryRunWriter(loc, logger)
	} else {
		writer = crm.NewAgencyZoom(cfg.AgencyZoomClient(loc), crm.WithLogger(logger))
	}

	assembler := recording.NewAssembler(rc, spaces,
		recording.WithConcurrency(cfg.AssemblyConcurrency),
		recording.WithCallTimeout(cfg.CallTimeout),
		recording.WithLogger(logger.With("component", "recording")),
	)

	var recorder scheduler.RunRecorder
	if a.runs != nil {
		recorder = a.runs
	}
	a.dispatcher = scheduler.NewDispatcher(recorder, logger)
	for _, def := range a.defs {
		runner := workflow.NewRunner(def, store, rc, assembler, pipeline, writer).WithLogger(logger)
		if err := a.dispatcher.Register(def, runner); err != nil {
			a.Close()
			return nil, err
		}
	}
	return a, nil
}

func (a *app) Migrate(ctx context.Context) error {
	if a.pool == nil {
		return errors.New("migrate: no database in dry run")
	}
	if err := db.Migrate(ctx, a.pool); err != nil {
		return err
	}
	a.logger.Info("migrations applied")
	return nil
}

// RunOnce fires one workflow synchronously, as the scheduler would.
func (a *app) RunOnce(ctx context.Context, kind telephony.Kind) error {
	if err := a.migrateIfNeeded(ctx); err != nil {
		return err
	}
	res, err := a.dispatcher.Fire(ctx, kind, scheduler.OriginManual)
	if err != nil {
		return fmt.Errorf("run %s: %w", kind, err)
	}
	fmt.Printf("run %s finished in %s: %v\n", res.RunID, res.Duration.Round(time.Millisecond), res.Stats.Map())
	return nil
}

// Serve runs the scheduler and admin API until ctx is cancelled.
func (a *app) Serve(ctx context.Context) error {
	if err := a.migrateIfNeeded(ctx); err != nil {
		return err
	}

	sched := scheduler.New(a.dispatcher, a.logger)
	if err := sched.ScheduleAll(); err != nil {
		return err
	}

	authSvc, err := a.adminAuth()
	if err != nil {
		return err
	}
	deps := admin.Deps{
		Workflows:   sched,
		Ledger:      a.ledger,
		Definitions: a.defs,
		Logger:      a.logger,
	}
	if authSvc != nil {
		deps.Auth = authSvc
	}
	if a.runs != nil {
		deps.Runs = a.runs
	}
	if a.pool != nil {
		deps.DB = a.pool
	}

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           admin.NewServer(deps).Routes(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       2 * time.Minute,
	}

	serveErr := make(chan error, 1)
	go func() {
		a.logger.Info("admin api listening", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()
	sched.Start()
	a.logger.Info("scheduler started", "workflows", len(a.defs))

	var runErr error
	select {
	case <-ctx.Done():
		a.logger.Info("shutting down")
	case err := <-serveErr:
		runErr = fmt.Errorf("admin api: %w", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.logger.Warn("admin api shutdown", "error", err)
	}
	if err := sched.Stop(shutdownCtx); err != nil {
		a.logger.Warn("scheduler did not stop cleanly", "error", err)
	}
	return runErr
}

func (a *app) migrateIfNeeded(ctx context.Context) error {
	if a.pool == nil {
		return nil
	}
	return a.Migrate(ctx)
}

func (a *app) adminAuth() (*auth.Service, error) {
	adm := a.cfg.Admin
	if !adm.Enabled() {
		a.logger.Warn("ADMIN_PASSWORD_HASH or ADMIN_JWT_SECRET not set, admin endpoints are disabled")
		return nil, nil
	}
	accounts, err := auth.NewStaticAccounts(auth.Account{Username: adm.Username, PasswordHash: adm.PasswordHash, Role: auth.RoleOperator})
	if err != nil {
		return nil, err
	}
	if adm.ViewerUsername != "" && adm.ViewerPasswordHash != "" {
		if err := accounts.Add(auth.Account{Username: adm.ViewerUsername, PasswordHash: adm.ViewerPasswordHash, Role: auth.RoleViewer}); err != nil {
			return nil, err
		}
	}
	return auth.NewService(accounts, adm.JWTSecret).WithTTL(adm.TokenTTL), nil
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}
