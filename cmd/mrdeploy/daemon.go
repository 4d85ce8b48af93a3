package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/loykin/mrdeploy/internal/config"
	"github.com/loykin/mrdeploy/internal/daemon"
	"github.com/loykin/mrdeploy/internal/deploy"
	"github.com/loykin/mrdeploy/internal/history"
	hfactory "github.com/loykin/mrdeploy/internal/history/factory"
	"github.com/loykin/mrdeploy/internal/logger"
	"github.com/loykin/mrdeploy/internal/metrics"
	"github.com/loykin/mrdeploy/internal/notify"
	"github.com/loykin/mrdeploy/internal/repo"
	"github.com/loykin/mrdeploy/internal/server"
	"github.com/loykin/mrdeploy/internal/state"
)

func runDaemon(parent context.Context, cfg *config.Config, f DaemonFlags) error {
	if err := cfg.ValidateDaemon(); err != nil {
		return err
	}
	// the supervisor owns the log file; daemon lines reach it through stdout
	lc := cfg.Log
	lc.File = logger.FileConfig{}
	log, closer, err := logger.New(lc, os.Stdout)
	if err != nil {
		return err
	}
	defer func() { _ = closer.Close() }()
	slog.SetDefault(log)

	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		return err
	}
	if f.MetricsListen != "" {
		srv := server.NewServer(f.MetricsListen, metrics.Handler())
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error("Metrics server failed", "error", err)
			}
		}()
		defer func() { _ = srv.Close() }()
	}

	m, closeAll, err := buildMachine(cfg, f, log)
	if err != nil {
		return err
	}
	defer closeAll()

	if f.DeployAndQuit {
		outcome, err := m.RunOnce(ctx, true)
		if ctx.Err() != nil {
			return nil
		}
		log.Info("Deploy and quit finished", "outcome", outcome.String())
		return err
	}
	return m.Run(ctx, f.Force)
}

// buildMachine wires the deploy state machine from cfg. The returned func
// releases history sinks.
func buildMachine(cfg *config.Config, f DaemonFlags, log *slog.Logger) (*daemon.Machine, func(), error) {
	st, err := state.NewStore(cfg.Deploy.StateDir)
	if err != nil {
		return nil, nil, err
	}
	sinks, closeSinks, err := openHistory(cfg.History.DSNs)
	if err != nil {
		return nil, nil, err
	}
	r := repo.New(cfg.Repository.URL, cfg.Repository.Path, cfg.Repository.Branch,
		repo.ExecRunner{Git: cfg.Repository.Git}).WithLogger(log)

	m := daemon.New(daemon.Options{
		Repo:            r,
		Executor:        deploy.New(executorConfig(cfg)),
		State:           st,
		Gate:            daemon.NewGate(cfg.Deploy.DangerousFiles),
		Notifier:        newNotifier(cfg.Notify, f.NoNotify),
		History:         sinks,
		Version:         cfg.Deploy.Version,
		PollInterval:    cfg.Deploy.PollInterval,
		HaltOnDangerous: cfg.Deploy.HaltOnDangerous,
		Logger:          log,
	})
	return m, closeSinks, nil
}

func executorConfig(cfg *config.Config) deploy.Config {
	dc := deploy.Config{
		Dir:            cfg.Repository.Path,
		InstallCommand: cfg.Deploy.InstallCommand,
		Command:        cfg.Deploy.Command,
		SecretsBundle:  cfg.Secrets.Bundle,
		PassphraseFile: cfg.Secrets.PassphraseFile,
		SecretsOutput:  cfg.Secrets.Output,
		Env:            cfg.Deploy.Env,
		Stdout:         os.Stdout,
	}
	for _, c := range cfg.Secrets.Copy {
		dc.Copy = append(dc.Copy, deploy.CopyFile{From: c.From, To: c.To})
	}
	return dc
}

func newNotifier(c config.NotifyConfig, disabled bool) notify.Notifier {
	if disabled || c.URL == "" {
		return notify.Nop{}
	}
	return notify.NewWebhook(c.URL, c.From, c.Timeout)
}

// openHistory opens one sink per DSN. A nil Sink is returned when no DSN
// is configured.
func openHistory(dsns []string) (history.Sink, func(), error) {
	var (
		sinks   history.Multi
		closers []io.Closer
	)
	closeAll := func() {
		for _, c := range closers {
			_ = c.Close()
		}
	}
	for _, dsn := range dsns {
		s, err := hfactory.NewSinkFromDSN(dsn)
		if err != nil {
			closeAll()
			return nil, nil, fmt.Errorf("history %q: %w", dsn, err)
		}
		sinks = append(sinks, s)
		if c, ok := s.(io.Closer); ok {
			closers = append(closers, c)
		}
	}
	if len(sinks) == 0 {
		return nil, closeAll, nil
	}
	return sinks, closeAll, nil
}
