package main

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"callsignal/internal/auth"
	"callsignal/internal/availability"
	"callsignal/internal/backend"
	"callsignal/internal/config"
	"callsignal/internal/eventchannel"
	"callsignal/internal/httpapi"
	"callsignal/internal/ingest"
	"callsignal/internal/journal"
	"callsignal/internal/metrics"
	"callsignal/internal/presenter"
	"callsignal/internal/registry"
	"callsignal/internal/signaling"
	"callsignal/pkg/logger"
	"callsignal/pkg/utils"

	"github.com/gin-gonic/gin"
	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		slog.Warn(".env load failed", "err", err)
	}

	// Root context that cancels on shutdown
	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}

	log := logger.New(cfg.App.Env)
	slog.SetDefault(log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	if err := run(rootCtx, cfg, log); err != nil {
		log.Error("signald stopped", "err", err)
		os.Exit(1)
	}
}

func run(rootCtx context.Context, cfg config.Config, log *slog.Logger) error {
	authManager, err := auth.NewManager(cfg.Auth)
	if err != nil {
		return err
	}
	tokens := auth.NewServiceTokenSource(authManager, cfg.User.ID, cfg.User.Role)

	promReg := prometheus.NewRegistry()
	promReg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	rec := metrics.New(promReg)

	processed, err := openRegistry(rootCtx, cfg, rec, log)
	if err != nil {
		return err
	}
	defer processed.close()

	store, err := openJournal(rootCtx, cfg, log)
	if err != nil {
		return err
	}
	defer store.close()

	client := backend.New(cfg.Backend.URL, backend.Options{
		Timeout:    cfg.Backend.Timeout,
		WriteRate:  rate.Limit(cfg.Backend.WriteRPS),
		WriteBurst: int(cfg.Backend.WriteRPS),
		Tokens:     tokens,
	})

	hub := presenter.NewHub()
	listener := eventchannel.NewListener(eventchannel.Options{
		URL:      cfg.EventChannel.URL,
		Tokens:   tokens,
		Observer: rec,
		Logger:   log,
	})

	machine := signaling.New(signaling.Deps{
		Registry:   processed.reg,
		Backend:    client,
		Signaler:   listener,
		Presenter:  hub,
		Journal:    journal.NewService(store.repo),
		Observer:   rec,
		Reconciler: signaling.NewReconciler(client, cfg.Signaling.PollInterval, log),
	}, signaling.Options{
		UserID:          cfg.User.ID,
		FreshnessWindow: cfg.Signaling.FreshnessWindow,
		EffectTimeout:   cfg.Backend.Timeout,
		Logger:          log,
	})
	defer machine.Close()

	filter := ingest.Filter{Window: cfg.Signaling.FreshnessWindow, Registry: processed.reg}
	pushes := ingest.NewPushCoordinator(filter, machine, rec, log)
	poller := ingest.NewPoller(client, filter, machine, cfg.Signaling.PollInterval, rec, log)
	machine.OnActivity(poller.SetBusy)

	seedCtx, cancelSeed := context.WithTimeout(rootCtx, cfg.Backend.Timeout)
	seed := availability.Initial(seedCtx, client, backend.Availability{
		Audio: cfg.Signaling.InitialAudio,
		Video: cfg.Signaling.InitialVideo,
	}, log)
	cancelSeed()

	avail := availability.New(seed.Audio, seed.Video, client, availability.Options{
		Debounce:     cfg.Signaling.AvailabilityDebounce,
		WriteTimeout: cfg.Backend.Timeout,
		Presenter:    hub,
		Recorder:     rec,
		Logger:       log,
	})
	defer avail.Close()

	// Gin router
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(logger.Middleware(log))
	registerRoutes(r, routeDeps{
		UserID: cfg.User.ID,
		Auth:   authManager,
		API: httpapi.Handlers{
			Calls:        machine,
			Availability: avail,
			Stream:       hub,
			History:      store.repo,
		},
		Push:    ingest.PushWebhookHandler{Coordinator: pushes},
		Metrics: promhttp.HandlerFor(promReg, promhttp.HandlerOpts{}),
	})

	g, ctx := errgroup.WithContext(rootCtx)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr(),
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		IdleTimeout:       60 * time.Second,
		// Event streams end with the process.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	g.Go(func() error {
		log.Info("signald listening", "addr", srv.Addr, "env", cfg.App.Env, "user_id", cfg.User.ID, "role", cfg.User.Role)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		return listener.Run(ctx, machine)
	})
	if cfg.IsReceiver() {
		g.Go(func() error {
			return poller.Run(ctx)
		})
	}
	g.Go(func() error {
		<-ctx.Done()
		log.Info("shutdown initiated")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error("http shutdown failed", "err", err)
		}
		return nil
	})

	return g.Wait()
}

type registryHandle struct {
	reg   registry.Registry
	close func()
}

// openRegistry selects the shared Redis registry when configured, else the in-process one.
func openRegistry(ctx context.Context, cfg config.Config, rec *metrics.Recorder, log *slog.Logger) (registryHandle, error) {
	retention := cfg.Signaling.RegistryRetention
	if !cfg.RedisEnabled() {
		mem := registry.NewMemory(retention)
		rec.RegistrySize(mem.Len)
		log.Info("processed registry in memory", "retention", retention.String())
		return registryHandle{reg: mem, close: func() {}}, nil
	}

	rdb, err := utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr()})
	if err != nil {
		return registryHandle{}, err
	}
	log.Info("processed registry in redis", "addr", cfg.RedisAddr(), "retention", retention.String())
	return registryHandle{
		reg:   registry.NewRedis(rdb, cfg.User.ID, retention),
		close: func() { _ = rdb.Close() },
	}, nil
}

type historyStore interface {
	journal.Repository
	journal.Reader
}

type journalHandle struct {
	repo  historyStore
	close func()
}

// openJournal selects the Postgres journal when configured, else the in-process one.
func openJournal(ctx context.Context, cfg config.Config, log *slog.Logger) (journalHandle, error) {
	if !cfg.DBEnabled() {
		log.Info("call journal in memory")
		return journalHandle{repo: journal.NewMemoryRepo(), close: func() {}}, nil
	}

	db, err := utils.OpenPostgres(ctx, utils.DefaultPostgresDriver, cfg.PostgresDSN(), utils.PostgresPoolConfig{MaxIdleConns: 2})
	if err != nil {
		return journalHandle{}, err
	}
	repo := journal.NewPostgresRepo(db)
	if err := repo.EnsureSchema(ctx); err != nil {
		_ = db.Close()
		return journalHandle{}, err
	}
	log.Info("call journal in postgres", "host", cfg.DB.Host, "db", cfg.DB.Name)
	return journalHandle{repo: repo, close: func() { _ = db.Close() }}, nil
}
