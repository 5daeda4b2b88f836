package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"github.com/manpreetbhatti/tandem/internal/api"
	"github.com/manpreetbhatti/tandem/internal/compaction"
	"github.com/manpreetbhatti/tandem/internal/config"
	"github.com/manpreetbhatti/tandem/internal/db"
	"github.com/manpreetbhatti/tandem/internal/discovery"
	"github.com/manpreetbhatti/tandem/internal/logging"
	"github.com/manpreetbhatti/tandem/internal/ws"
)

const shutdownTimeout = 10 * time.Second

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "tandem-server: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	fs := pflag.NewFlagSet("tandem-server", pflag.ContinueOnError)
	config.RegisterCommonFlags(fs)
	config.RegisterServerFlags(fs)
	if err := fs.Parse(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return nil
		}
		return err
	}

	cfg, err := config.FromFlags(fs)
	if err != nil {
		return err
	}
	logger := logging.Stderr(cfg.Log.Level, cfg.Log.Format)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	store, err := db.Open(ctx, db.Config{
		Driver: cfg.Server.Database.Driver,
		Path:   cfg.Server.Database.Path,
		URL:    cfg.Server.Database.URL,
	}, logger)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	defer store.Close()

	hub := ws.NewHub(store, logger)
	hubDone := make(chan struct{})
	go func() {
		defer close(hubDone)
		hub.Run(ctx)
	}()

	var compactor *compaction.Service
	if cfg.Server.Compaction.Enabled {
		interval, err := cfg.CompactionInterval()
		if err != nil {
			return err
		}
		compactor = compaction.New(store, compaction.Config{
			Interval:        interval,
			UpdateThreshold: cfg.Server.Compaction.UpdateThreshold,
		}, logger)
		compactor.Start()
		defer compactor.Stop()
	}

	if cfg.Server.Advertise {
		port, _ := strconv.Atoi(cfg.Server.Port)
		adv, err := discovery.Advertise(port, "/ws", logger)
		if err != nil {
			logger.Warn().Err(err).Msg("mDNS advertisement disabled")
		} else {
			defer adv.Shutdown()
		}
	}

	server := &http.Server{
		Addr:              ":" + cfg.Server.Port,
		Handler:           api.New(hub, store, compactor, logger).Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info().
			Str("addr", server.Addr).
			Str("driver", cfg.Server.Database.Driver).
			Str("websocket", "/ws").
			Msg("tandem relay starting")
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("serving: %w", err)
		}
	case <-ctx.Done():
	}

	logger.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	stop()
	<-hubDone
	return nil
}
