// Copyright 2025 James Ross
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/gauntlet-run/plugin-core/internal/commandbus"
	"github.com/gauntlet-run/plugin-core/internal/config"
	"github.com/gauntlet-run/plugin-core/internal/obs"
	"github.com/gauntlet-run/plugin-core/internal/pluginmanager"
	"github.com/gauntlet-run/plugin-core/internal/redisclient"
	"github.com/gauntlet-run/plugin-core/internal/repository"
	"github.com/gauntlet-run/plugin-core/internal/searchindex"
	"github.com/gauntlet-run/plugin-core/internal/uibridge"
	"github.com/gauntlet-run/plugin-core/internal/webhooks"
)

var version = "dev"

func main() {
	var configPath string
	var showVersion bool
	fs := flag.NewFlagSet(os.Args[0], flag.ExitOnError)
	fs.StringVar(&configPath, "config", "config/config.yaml", "Path to YAML config")
	fs.BoolVar(&showVersion, "version", false, "Print version and exit")
	_ = fs.Parse(os.Args[1:])

	if showVersion {
		fmt.Println(version)
		return
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger, err := obs.NewLogger(cfg.Observability.LogLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to init logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	tp, err := obs.MaybeInitTracing(cfg)
	if err != nil {
		logger.Warn("tracing init failed", obs.Err(err))
	}
	if tp != nil {
		defer func() { _ = tp.Shutdown(context.Background()) }()
	}

	store, err := repository.Open(cfg.Repository.DSN)
	if err != nil {
		logger.Fatal("failed to open plugin repository", obs.Err(err))
	}
	defer store.Close()

	rdb := redisclient.New(cfg)
	defer rdb.Close()
	index := searchindex.New(rdb)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var bus commandbus.Bus
	switch cfg.CommandBus.Backend {
	case "nats":
		natsBus, err := commandbus.DialNATS(cfg.CommandBus.NATSURL, cfg.CommandBus.Capacity, logger)
		if err != nil {
			logger.Fatal("failed to dial command bus", obs.Err(err))
		}
		defer natsBus.Close()
		bus = natsBus
	default:
		localBus := commandbus.NewLocal(cfg.CommandBus.Capacity, logger)
		defer localBus.Close()
		bus = localBus
	}

	bridge, err := uibridge.Dial(ctx, cfg.UIBridge.URL, logger)
	if err != nil {
		logger.Fatal("failed to dial UI bridge", obs.Err(err))
	}
	defer bridge.Close()

	var hooks *webhooks.Manager
	if cfg.Webhooks.Enabled {
		hooks = webhooks.NewManager(webhooks.DefaultEventBusConfig(), rdb, logger)
		if err := hooks.Start(ctx); err != nil {
			logger.Fatal("failed to start webhook manager", obs.Err(err))
		}
		defer hooks.Stop()

		router := mux.NewRouter()
		webhooks.NewService(hooks, logger).RegisterRoutes(router)
		whSrv := &http.Server{Addr: fmt.Sprintf(":%d", cfg.Webhooks.Port), Handler: router}
		go func() {
			if err := whSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Warn("webhook HTTP server stopped", obs.Err(err))
			}
		}()
		defer func() { _ = whSrv.Shutdown(context.Background()) }()
	}

	manager := pluginmanager.New(store, bus, index, bridge, bridge.Events(), hooks, logger)
	if err := manager.Start(ctx); err != nil {
		logger.Fatal("failed to start plugin manager", obs.Err(err))
	}
	defer manager.Stop()

	readyCheck := func(c context.Context) error {
		_, err := rdb.Ping(c).Result()
		return err
	}
	httpSrv := obs.StartHTTPServer(cfg, readyCheck)
	defer func() { _ = httpSrv.Shutdown(context.Background()) }()

	obs.StartRunningPluginsUpdater(ctx, cfg.Runtime.LivenessSweepInterval, manager.RunningCount)

	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("signal received, shutting down", obs.String("signal", sig.String()))
	cancel()

	select {
	case sig2 := <-sigCh:
		logger.Warn("second signal received, exiting immediately", obs.String("signal", sig2.String()))
		os.Exit(1)
	case <-time.After(5 * time.Second):
	}
}
