package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"curling-server/ai"
	"curling-server/api"
	"curling-server/archive"
	"curling-server/auth"
	"curling-server/broadcast"
	"curling-server/config"
	"curling-server/dispatch"
	"curling-server/jobs"
	"curling-server/loghandler"
	"curling-server/match"
	"curling-server/simulator"
	"curling-server/storage"
	"curling-server/ws"
)

func main() {
	level := new(slog.LevelVar)
	slog.SetDefault(slog.New(loghandler.NewCompactHandler(os.Stdout, level)))

	if err := godotenv.Load(); err != nil {
		slog.Info("no .env file found; using environment variables", "tag", "config")
	}
	cfg := config.Load()
	level.Set(loghandler.ParseLevel(cfg.LogLevel))

	slog.Info("configuration", "tag", "config", "role", cfg.Role, "port", cfg.HTTPPort,
		"max_active_matches", cfg.MaxActiveMatches, "auto_advance", cfg.AutoAdvance,
		"simulator", cfg.Simulator.URL, "database", cfg.DatabaseURL != "")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("server stopped", "tag", "main", "err", err)
		os.Exit(1)
	}
	slog.Info("server stopped", "tag", "main")
}

func run(ctx context.Context, cfg *config.Config) error {
	store, err := openStore(ctx, cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	g, ctx := errgroup.WithContext(ctx)
	logs := broadcast.NewRegistry(cfg.BacklogCapacity, cfg.SubscriberBuffer)
	h := &api.Handler{
		Config: cfg,
		Store:  store,
		Logs:   logs,
		Ctx:    ctx,
		Relay:  cfg.Role == config.RoleRelay,
	}

	if h.Relay {
		if err := startRelay(ctx, g, cfg, store, logs); err != nil {
			return err
		}
	} else {
		if err := startEngine(ctx, g, cfg, store, h); err != nil {
			return err
		}
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           api.NewRouter(h),
		ReadHeaderTimeout: 10 * time.Second,
		// Spectator streams end with the server context.
		BaseContext: func(net.Listener) context.Context { return ctx },
	}
	g.Go(func() error {
		slog.Info("curling server listening", "tag", "main", "addr", srv.Addr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openStore(ctx context.Context, cfg *config.Config) (storage.Gateway, error) {
	if cfg.DatabaseURL == "" {
		slog.Warn("DATABASE_URL is not set, matches are kept in memory only", "tag", "storage")
		return storage.NewMemoryStore(), nil
	}
	store, err := storage.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return store, nil
}

func startRelay(ctx context.Context, g *errgroup.Group, cfg *config.Config, store storage.Gateway, logs *broadcast.Registry) error {
	id, err := uuid.Parse(cfg.RelayMatchID)
	if err != nil {
		return fmt.Errorf("relay role needs RELAY_MATCH_ID: %w", err)
	}
	follower := broadcast.NewFollower(store, logs.Get(id), id)
	g.Go(func() error {
		if err := follower.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	slog.Info("relaying match", "tag", "main", "match", id)
	return nil
}

func startEngine(ctx context.Context, g *errgroup.Group, cfg *config.Config, store storage.Gateway, h *api.Handler) error {
	hub := ws.NewHub(float64(cfg.AgentMsgPerSec), cfg.AgentMsgBurst)
	g.Go(func() error {
		hub.Run(ctx)
		return nil
	})

	admin, err := auth.NewAdmin(ctx, cfg.Auth)
	if err != nil {
		return err
	}
	if admin.Open() {
		slog.Warn("no admin credentials configured, admin endpoints are open", "tag", "auth")
	}
	secret := cfg.Auth.AgentTokenSecret
	if secret == "" {
		b := make([]byte, 32)
		if _, err := rand.Read(b); err != nil {
			return err
		}
		secret = hex.EncodeToString(b)
		slog.Warn("AGENT_TOKEN_SECRET is not set, agent tokens will not survive a restart", "tag", "auth")
	}

	house := ai.NewPool(hub, cfg.HouseProfiles)
	sim := simulator.NewClient(cfg.Simulator.URL, time.Duration(cfg.Simulator.TimeoutMS)*time.Millisecond)
	backoff := dispatch.Backoff{
		Base:        time.Duration(cfg.Simulator.RetryBaseMS) * time.Millisecond,
		Max:         time.Duration(cfg.Simulator.RetryMaxMS) * time.Millisecond,
		MaxAttempts: cfg.Simulator.MaxAttempts,
	}
	deps := match.Deps{
		Store:       store,
		Dispatcher:  dispatch.New(house, sim, backoff),
		Log:         h.Logs,
		Agents:      house,
		CommitRetry: cfg.CommitRetry(),
		AutoAdvance: cfg.AutoAdvance,
		OnFinish: func(id uuid.UUID) {
			slog.Info("match finished", "tag", "main", "match", id)
		},
	}

	if cfg.Archive.Enabled() {
		client, err := archive.NewR2Client(ctx, cfg.Archive)
		if err != nil {
			return err
		}
		arch := archive.New(client, cfg.Archive.BucketName, 0)
		deps.Archive = arch
		g.Go(func() error { return arch.Run(ctx) })
	} else {
		slog.Info("trajectory archive disabled", "tag", "archive")
	}

	retention := jobs.NewRetention(store, cfg.Retention(), time.Duration(cfg.RetentionIntervalMin)*time.Minute)
	g.Go(func() error { return retention.Run(ctx) })

	h.Hub = hub
	h.House = house
	h.Admin = admin
	h.Agents = auth.NewAgents(secret, time.Duration(cfg.Auth.AgentTokenTTLMin)*time.Minute)
	h.Matches = match.NewRegistry(cfg.MaxActiveMatches)
	h.Deps = deps
	return nil
}
