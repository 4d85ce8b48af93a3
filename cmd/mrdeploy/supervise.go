package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/loykin/mrdeploy/internal/command"
	"github.com/loykin/mrdeploy/internal/config"
	"github.com/loykin/mrdeploy/internal/logger"
	"github.com/loykin/mrdeploy/internal/metrics"
	"github.com/loykin/mrdeploy/internal/pubsub"
	"github.com/loykin/mrdeploy/internal/relay"
	"github.com/loykin/mrdeploy/internal/server"
	sfactory "github.com/loykin/mrdeploy/internal/store/factory"
	"github.com/loykin/mrdeploy/internal/supervisor"
)

const (
	hubBuffer       = 256
	shutdownTimeout = 5 * time.Second
)

func runSupervise(parent context.Context, cfg *config.Config, configPath string) error {
	log, closer, err := logger.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	st, err := sfactory.NewFromDSN(ctx, cfg.Store.DSN)
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }()

	hub := pubsub.NewHub(hubBuffer)
	defer hub.Close()

	lw, err := relay.StartLogWriter(hub, cfg.Supervisor.LogFile)
	if err != nil {
		return err
	}
	defer func() { _ = lw.Close() }()

	sinks, closeSinks, err := openHistory(cfg.History.DSNs)
	if err != nil {
		return err
	}
	defer closeSinks()

	spec, err := supervisorSpec(cfg, configPath)
	if err != nil {
		return err
	}
	supOpts := []supervisor.Option{supervisor.WithLogger(log)}
	if sinks != nil {
		supOpts = append(supOpts, supervisor.WithHistory(sinks))
	}
	sup := supervisor.New(spec, relay.New(hub, st), supOpts...)

	routerOpts := []server.Option{
		server.WithSupervisor(sup),
		server.WithBasicAuth(cfg.Server.Username, cfg.Server.Password),
	}
	var metricsSrv *http.Server
	if cfg.Metrics.Enabled {
		if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
			return err
		}
		if cfg.Metrics.Listen == "" {
			routerOpts = append(routerOpts, server.WithMetrics(metrics.Handler()))
		} else {
			metricsSrv = server.NewServer(cfg.Metrics.Listen, metrics.Handler())
		}
	}
	router := server.NewRouter(hub, st, cfg.Supervisor.LogFile, cfg.Server.BasePath, routerOpts...)
	srv := server.NewServer(cfg.Server.Listen, router.Handler())

	// subscribe before anything can publish a command
	sub := command.Subscribe(hub)
	defer sub.Close()
	dispatcher := command.NewDispatcher(sup, log)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		err := dispatcher.Run(gctx, sub)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})
	g.Go(func() error { return listen(srv) })
	if metricsSrv != nil {
		g.Go(func() error { return listen(metricsSrv) })
	}
	g.Go(func() error {
		<-gctx.Done()
		log.Info("Shutting down supervisor")
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		_ = srv.Shutdown(sctx)
		if metricsSrv != nil {
			_ = metricsSrv.Shutdown(sctx)
		}
		return sup.Shutdown()
	})

	log.Info("Supervisor listening", "addr", cfg.Server.Listen, "base", cfg.Server.BasePath, "log", cfg.Supervisor.LogFile)
	if cfg.Supervisor.AutoStart {
		if err := sup.Start(); err != nil {
			log.Error("Failed to start daemon", "error", err)
		}
	}
	return g.Wait()
}

func listen(srv *http.Server) error {
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func supervisorSpec(cfg *config.Config, configPath string) (supervisor.Spec, error) {
	argv, err := daemonCommand(cfg.Supervisor.Command, configPath)
	if err != nil {
		return supervisor.Spec{}, err
	}
	return supervisor.Spec{
		Command:      argv,
		Dir:          cfg.Supervisor.WorkDir,
		Env:          cfg.Supervisor.Env,
		StopTimeout:  cfg.Supervisor.StopTimeout,
		RestartDelay: cfg.Supervisor.RestartDelay,
	}, nil
}

// daemonCommand returns the configured child command, or this executable's
// daemon subcommand with the same configuration file.
func daemonCommand(configured []string, configPath string) ([]string, error) {
	if len(configured) > 0 {
		return configured, nil
	}
	exe, err := os.Executable()
	if err != nil {
		return nil, err
	}
	argv := []string{exe, "daemon"}
	if configPath != "" {
		abs, err := filepath.Abs(configPath)
		if err != nil {
			return nil, err
		}
		argv = append(argv, "--config", abs)
	}
	return argv, nil
}
