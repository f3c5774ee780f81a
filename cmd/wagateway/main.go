// Copyright 2024-2026 Aiku AI

// Command wagateway maintains a single WhatsApp multi-device session and
// forwards normalized inbound messages to a configured webhook. Connection
// status, QR pairing, and a send-text operation are exposed over HTTP.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/urfave/cli/v2"
	"go.mau.fi/util/exzerolog"

	"github.com/aiku/wagateway/pkg/gateway"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

func main() {
	app := &cli.App{
		Name:    "wagateway",
		Usage:   "WhatsApp to webhook gateway",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "env-file",
				Value: ".env",
				Usage: "dotenv file loaded before reading the environment",
			},
			&cli.StringFlag{
				Name:  "db-path",
				Value: "wagateway.db",
				Usage: "path to the session credential database",
			},
			&cli.BoolFlag{
				Name:  "debug",
				Usage: "enable debug logging",
			},
		},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	level := zerolog.InfoLevel
	if c.Bool("debug") {
		level = zerolog.DebugLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{
		Out:        os.Stderr,
		TimeFormat: time.StampMilli,
	}).With().Timestamp().Logger().Level(level)
	exzerolog.SetupDefaults(&log)

	cfg, err := gateway.LoadConfig(c.String("env-file"))
	if err != nil {
		return err
	}
	if cfg.WebhookURL == "" {
		log.Warn().Msg("WEBHOOK_URL not set, inbound messages will not be forwarded")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	container, err := gateway.OpenSessionStore(ctx, c.String("db-path"), log)
	if err != nil {
		return err
	}

	state := gateway.NewStateStore(log)
	unsubscribe := state.Subscribe(func(st gateway.StateSnapshot) {
		log.Info().Str("status", string(st.Status)).
			Bool("has_qr", st.QRCode != "").
			Msg("Connection state changed")
	})
	defer unsubscribe()

	resolver := gateway.NewIdentityResolver(log)
	dedup := gateway.NewDedupGuard()
	webhook := gateway.NewWebhookClient(cfg.WebhookURL, cfg.APIKey, log)

	manager := gateway.NewConnectionManager(ctx, state, resolver, log, gateway.NewSessionFactory(container, log))
	manager.SetQRWriter(os.Stdout)
	pipeline := gateway.NewEventPipeline(resolver, dedup, webhook, manager, log)
	manager.SetPipeline(pipeline)

	if err := manager.Initialize(); err != nil {
		// Bounded retries are already scheduled; keep the HTTP surface up
		// so an operator can trigger /reconnect.
		log.Error().Err(err).Msg("Initial connection failed")
	}

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      gateway.NewServer(state, manager, log).Handler(),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", srv.Addr).Msg("HTTP server listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		return err
	}

	log.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	manager.Disconnect()
	return nil
}
