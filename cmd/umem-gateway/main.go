// Command umem-gateway runs the authenticated MCP memory gateway.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	umemgateway "github.com/evenscribe/umem-gateway"
	"github.com/evenscribe/umem-gateway/internal/logctx"
	"github.com/evenscribe/umem-gateway/memory"
	"github.com/evenscribe/umem-gateway/memory/redisstore"
	"github.com/evenscribe/umem-gateway/memory/sqlitestore"
)

const shutdownGrace = 10 * time.Second

// config is populated from the environment. Required values fail fast at
// startup rather than at first request.
type config struct {
	PublicURL string `env:"UMEM_PUBLIC_URL,required"`
	Issuer    string `env:"UMEM_ISSUER,required"`
	Audience  string `env:"UMEM_AUDIENCE,required"`

	JWKSURL      string        `env:"UMEM_JWKS_URL"`
	JWKSRefresh  time.Duration `env:"UMEM_JWKS_REFRESH,default=15m"`
	ListenAddr   string        `env:"UMEM_LISTEN_ADDR,default=127.0.0.1:3000"`
	ClientID     string        `env:"UMEM_CLIENT_ID"`
	ClientSecret string        `env:"UMEM_CLIENT_SECRET"`

	MemoryBackend string `env:"UMEM_MEMORY_BACKEND,default=memory"`
	RedisAddr     string `env:"UMEM_REDIS_ADDR,default=localhost:6379"`
	SQLitePath    string `env:"UMEM_SQLITE_PATH,default=umem.db"`

	LogLevel string `env:"UMEM_LOG_LEVEL,default=info"`
}

func main() {
	root := &cobra.Command{
		Use:           "umem-gateway",
		Short:         "Authenticated MCP gateway for per-user memory tools",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Start the gateway HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return serve(cmd.Context())
		},
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "umem-gateway: %v\n", err)
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	var cfg config
	if err := envdecode.Decode(&cfg); err != nil {
		return fmt.Errorf("load configuration: %w", err)
	}

	log := newLogger(cfg.LogLevel)

	store, cleanup, err := buildStore(ctx, cfg)
	if err != nil {
		return fmt.Errorf("build memory store: %w", err)
	}
	defer cleanup()

	server, err := umemgateway.NewServer(ctx, umemgateway.Config{
		PublicURL:           cfg.PublicURL,
		Issuer:              cfg.Issuer,
		Audience:            cfg.Audience,
		JWKSURL:             cfg.JWKSURL,
		ClientID:            cfg.ClientID,
		ClientSecret:        cfg.ClientSecret,
		Store:               store,
		JWKSRefreshInterval: cfg.JWKSRefresh,
		Logger:              log,
	})
	if err != nil {
		return err
	}
	defer server.Close()

	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return server.Run(ctx)
	})
	g.Go(func() error {
		log.Info("server.listen",
			slog.String("addr", cfg.ListenAddr),
			slog.String("backend", cfg.MemoryBackend),
		)
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		log.Info("server.shutdown.start")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("server.shutdown.done")
	return nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	base := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})
	return slog.New(logctx.Handler{Handler: base})
}

func buildStore(ctx context.Context, cfg config) (memory.Controller, func(), error) {
	switch cfg.MemoryBackend {
	case "memory":
		return memory.NewInMemStore(), func() {}, nil
	case "redis":
		client := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		if err := client.Ping(ctx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("redis ping: %w", err)
		}
		store, err := redisstore.New(redisstore.Config{Client: client})
		if err != nil {
			_ = client.Close()
			return nil, nil, err
		}
		return store, func() { _ = client.Close() }, nil
	case "sqlite":
		store, err := sqlitestore.New(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown memory backend %q (want memory, redis, or sqlite)", cfg.MemoryBackend)
	}
}
