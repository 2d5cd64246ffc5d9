package main

import (
	"context"
	"errors"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scriptherd/scriptherd/internal/admission"
	"github.com/scriptherd/scriptherd/internal/audit"
	"github.com/scriptherd/scriptherd/internal/config"
	"github.com/scriptherd/scriptherd/internal/coord"
	"github.com/scriptherd/scriptherd/internal/executor"
	"github.com/scriptherd/scriptherd/internal/httpapi"
	"github.com/scriptherd/scriptherd/internal/logging"
	"github.com/scriptherd/scriptherd/internal/model"
	"github.com/scriptherd/scriptherd/internal/progress"
	"github.com/scriptherd/scriptherd/internal/queue"
	"github.com/scriptherd/scriptherd/internal/scheduler"
	"github.com/scriptherd/scriptherd/internal/sshconn"
	"github.com/scriptherd/scriptherd/internal/store"
	"github.com/scriptherd/scriptherd/internal/vault"
	"github.com/scriptherd/scriptherd/internal/workflow"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.New("info", false).Fatal().Err(err).Msg("load config")
	}
	log := logging.New(cfg.Log.Level, cfg.Log.Console)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Durable store. Postgres in deployment, memory when no DSN is set
	// (development and smoke tests).
	var st store.Store
	if cfg.DatabaseURL != "" {
		pg, err := store.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("connect postgres")
		}
		defer pg.Close()
		st = pg
	} else {
		log.Warn().Msg("no database_url configured, using in-memory store")
		st = store.NewMemoryStore()
	}

	// Coordination backend. Redis shares admission counters and
	// schedule guards across instances.
	var co coord.Coordinator
	if cfg.Redis.Addr != "" {
		rc, err := coord.NewRedisCoordinator(cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB)
		if err != nil {
			log.Fatal().Err(err).Str("addr", cfg.Redis.Addr).Msg("connect redis")
		}
		defer rc.Close()
		co = rc
	} else {
		log.Warn().Msg("no redis configured, using in-process coordination")
		co = coord.NewMemoryCoordinator()
	}

	v, err := vault.Open(cfg.VaultKeyPath)
	if err != nil {
		log.Fatal().Err(err).Msg("open vault")
	}

	settings, err := st.GetSettings(ctx)
	if err != nil {
		settings = model.DefaultSettings()
	}

	sink := audit.NewSink(log)
	conns := sshconn.NewManager(v, sink, log)
	defer conns.CloseAll()

	engine := executor.NewEngine(conns, st, log)
	adm := admission.NewController(co, settings.MaxConcurrentExecutions, log)

	q := queue.New(st, engine, adm, sink, log, cfg.QueueWorkers)
	q.Start(ctx)
	defer q.Stop()

	hub := progress.NewHub(log)
	go hub.Run(ctx)

	wf := workflow.New(st, q, hub, sink, log)
	defer wf.Stop()

	reconciler := workflow.NewReconciler(st, log)
	reconciler.Start(ctx)
	defer reconciler.Stop()

	sched := scheduler.New(st, co, q, wf, log)
	sched.Start(ctx)
	defer sched.Stop()

	api := httpapi.New(st, q, wf, hub, log)
	server := &http.Server{
		Addr:              cfg.Listen,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Str("listen", cfg.Listen).Msg("http server started")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			stop()
		}
	}()

	<-ctx.Done()
	log.Info().Msg("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("http shutdown")
		os.Exit(1)
	}
}
