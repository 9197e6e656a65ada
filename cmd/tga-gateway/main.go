// Command tga-gateway is the thin HTTP transport binding for the Talos
// Governance Agent core. All policy logic lives in pkg/runtime; this
// binary only wires configuration, the chosen StateStore adapter, and the
// capability validator onto three gin routes.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/talosprotocol/tga/pkg/capvalidator"
	"github.com/talosprotocol/tga/pkg/config"
	"github.com/talosprotocol/tga/pkg/runtime"
	"github.com/talosprotocol/tga/pkg/sessioncache"
	"github.com/talosprotocol/tga/pkg/store"
	"github.com/talosprotocol/tga/pkg/store/memstore"
	"github.com/talosprotocol/tga/pkg/store/pgstore"
	"github.com/talosprotocol/tga/pkg/store/sqlitestore"
)

func main() {
	os.Exit(run())
}

func run() int {
	config.LoadDotenv(".env")
	cfg := config.Load()

	logger := newLogger(cfg.LogLevel)
	slog.SetDefault(logger)

	st, closeStore, err := openStore(cfg)
	if err != nil {
		logger.Error("failed to open state store", "error", err)
		return 1
	}
	defer closeStore()

	if cfg.StartupSessionGC {
		n, err := st.DeleteExpiredSessions(context.Background(), time.Now().UTC().Format(time.RFC3339))
		if err != nil {
			logger.Error("startup session GC failed", "error", err)
		} else {
			logger.Info("startup session GC complete", "deleted", n)
		}
	}

	if cfg.SupervisorPublicKeyPath == "" {
		logger.Error("TGA_SUPERVISOR_PUBLIC_KEY_PATH is required")
		return 1
	}
	pub, err := capvalidator.LoadPublicKeyPEM(cfg.SupervisorPublicKeyPath)
	if err != nil {
		logger.Error("failed to load supervisor public key", "error", err)
		return 1
	}
	validator := capvalidator.New(capvalidator.StaticKeySet{Pub: pub})

	var rtOpts []runtime.Option
	if cfg.RedisAddr != "" {
		cache := sessioncache.New(cfg.RedisAddr, "", 0)
		defer cache.Close()
		rtOpts = append(rtOpts, runtime.WithSessionCache(cache))
		logger.Info("warm-path session cache enabled", "redis_addr", cfg.RedisAddr)
	}
	rt := runtime.New(st, validator, rtOpts...)

	engine := gin.New()
	engine.Use(gin.Recovery())
	h := &gatewayHandlers{runtime: rt, logger: logger}
	engine.POST("/v1/governance_authorize", h.authorize)
	engine.POST("/v1/governance_log", h.log)
	engine.POST("/v1/governance_recover", h.recover)

	logger.Info("tga-gateway listening", "port", cfg.Port)
	srv := &http.Server{
		Addr:         ":" + cfg.Port,
		Handler:      engine,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		logger.Error("server exited with error", "error", err)
		return 1
	}
	return 0
}

func openStore(cfg *config.Config) (store.StateStore, func(), error) {
	switch cfg.StoreBackend {
	case "sqlite":
		s, err := sqlitestore.Open(cfg.StorePath)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	case "postgres":
		s, err := pgstore.Open(cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { _ = s.Close() }, nil
	default:
		return memstore.New(), func() {}, nil
	}
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(level)); err != nil {
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl}))
}
