package main

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/carlmjohnson/versioninfo"
	"github.com/urfave/cli/v2"

	oauth "github.com/lmeve/esi-auth-golang"
	"github.com/lmeve/esi-auth-golang/config"
	"github.com/lmeve/esi-auth-golang/kv"
)

func main() {
	app := &cli.App{
		Name:    "lmeve-auth",
		Usage:   "LMeve login and session service",
		Version: versioninfo.Short(),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Usage: "dotenv file loaded before the environment is parsed",
				Value: ".env",
			},
			&cli.StringFlag{
				Name:  "addr",
				Usage: "listen address, overrides LMEVE_ADDR",
			},
			&cli.StringFlag{
				Name:  "store",
				Usage: "key-value driver (memory, sqlite, redis), overrides LMEVE_STORE_DRIVER",
			},
			&cli.StringFlag{
				Name:  "sqlite-path",
				Usage: "sqlite database file, overrides LMEVE_SQLITE_PATH",
			},
			&cli.StringFlag{
				Name:  "redis-addr",
				Usage: "redis address, overrides LMEVE_REDIS_ADDR",
			},
			&cli.StringFlag{
				Name:  "log-level",
				Usage: "debug, info, warn or error, overrides LMEVE_LOG_LEVEL",
			},
		},
		Action: run,
	}

	app.RunAndExitOnError()
}

// loadConfig reads the environment and applies flag overrides.
func loadConfig(cmd *cli.Context) (*config.Config, error) {
	cfg, err := config.Load(cmd.String("env-file"))
	if err != nil {
		return nil, err
	}

	if v := cmd.String("addr"); v != "" {
		cfg.Addr = v
	}
	if v := cmd.String("store"); v != "" {
		cfg.Store.Driver = v
	}
	if v := cmd.String("sqlite-path"); v != "" {
		cfg.Store.SQLitePath = v
	}
	if v := cmd.String("redis-addr"); v != "" {
		cfg.Store.RedisAddr = v
	}
	if v := cmd.String("log-level"); v != "" {
		cfg.LogLevel = v
	}

	return cfg, nil
}

func newLogger(w io.Writer, level string) (*slog.Logger, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(strings.ToUpper(level))); err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", level, err)
	}
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})), nil
}

func run(cmd *cli.Context) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}

	logger, err := newLogger(os.Stderr, cfg.LogLevel)
	if err != nil {
		return err
	}
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(cmd.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := kv.New(ctx, cfg.KVConfig())
	if err != nil {
		return err
	}
	if c, ok := store.(io.Closer); ok {
		defer c.Close()
	}

	var authorizer *oauth.Client
	if cfg.ESI.ClientId != "" {
		args := cfg.ClientArgs()
		args.H = &http.Client{Timeout: cfg.HTTPTimeout}
		args.Logger = logger
		authorizer, err = oauth.NewClient(args)
		if err != nil {
			return err
		}
	} else {
		logger.Warn("LMEVE_ESI_CLIENT_ID is not set, only local admin login is available")
	}

	secret := []byte(cfg.SessionSecret)
	if len(secret) == 0 {
		logger.Warn("LMEVE_SESSION_SECRET is not set, sessions will not survive a restart")
		secret = make([]byte, 32)
		if _, err := rand.Read(secret); err != nil {
			return err
		}
	}

	args := ServerArgs{
		Store:         store,
		Logger:        logger,
		SessionSecret: secret,
		SecureCookies: cfg.SecureCookies,
		PKCETTL:       cfg.PKCETTL,
	}
	// a typed nil would make the manager think sso is configured
	if authorizer != nil {
		args.Authorizer = authorizer
	}

	s, err := NewServer(args)
	if err != nil {
		return err
	}

	httpd := http.Server{
		Addr:              cfg.Addr,
		Handler:           s,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpd.Shutdown(shutdownCtx); err != nil {
			logger.Error("shutdown failed", "error", err)
		}
	}()

	logger.Info("starting http server", "addr", cfg.Addr, "store", cfg.Store.Driver, "version", versioninfo.Short())

	if err := httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}

	return nil
}
