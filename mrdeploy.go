package mrdeploy

import (
	"context"
	"net/http"

	cfg "github.com/loykin/mrdeploy/internal/config"
	"github.com/loykin/mrdeploy/internal/command"
	"github.com/loykin/mrdeploy/internal/daemon"
	"github.com/loykin/mrdeploy/internal/history"
	"github.com/loykin/mrdeploy/internal/metrics"
	"github.com/loykin/mrdeploy/internal/notify"
	"github.com/loykin/mrdeploy/internal/pubsub"
	"github.com/loykin/mrdeploy/internal/relay"
	iapi "github.com/loykin/mrdeploy/internal/server"
	"github.com/loykin/mrdeploy/internal/store"
	sfactory "github.com/loykin/mrdeploy/internal/store/factory"
	"github.com/loykin/mrdeploy/internal/supervisor"
	"github.com/prometheus/client_golang/prometheus"
)

// Re-export core types for external consumers.
// These are aliases so conversions are zero-cost.

type Config = cfg.Config

type Hub = pubsub.Hub

type Store = store.Store

type SupervisorSpec = supervisor.Spec

type SupervisorStatus = supervisor.Status

type Machine = daemon.Machine

type MachineOptions = daemon.Options

type Notifier = notify.Notifier

type HistorySink = history.Sink

// Channel names and the status key.
const (
	TopicOutput  = relay.TopicOutput
	TopicStatus  = relay.TopicStatus
	TopicCommand = relay.TopicCommand
	RunningKey   = relay.RunningKey
)

func LoadConfig(path string) (*Config, error) { return cfg.Load(path) }

func NewHub(buffer int) *Hub { return pubsub.NewHub(buffer) }

// OpenStore selects the status store by DSN (empty: in memory).
func OpenStore(ctx context.Context, dsn string) (Store, error) { return sfactory.NewFromDSN(ctx, dsn) }

func NewMachine(opts MachineOptions) *Machine { return daemon.New(opts) }

// Supervisor is a thin facade over internal/supervisor wired to a relay and
// a command channel on hub.
type Supervisor struct {
	inner *supervisor.Supervisor
	hub   *Hub
}

func NewSupervisor(spec SupervisorSpec, hub *Hub, st Store) *Supervisor {
	return &Supervisor{inner: supervisor.New(spec, relay.New(hub, st)), hub: hub}
}

func (s *Supervisor) Start() error                 { return s.inner.Start() }
func (s *Supervisor) Stop() error                  { return s.inner.Stop() }
func (s *Supervisor) Restart(args ...string) error { return s.inner.Restart(args...) }
func (s *Supervisor) Shutdown() error              { return s.inner.Shutdown() }
func (s *Supervisor) Status() SupervisorStatus     { return s.inner.Status() }

// ListenCommands handles start/stop/restart/retry from the command channel
// until ctx ends.
func (s *Supervisor) ListenCommands(ctx context.Context) error {
	return command.Listen(ctx, s.hub, command.NewDispatcher(s.inner, nil))
}

// SendCommand publishes a command on hub's command channel.
func SendCommand(ctx context.Context, hub *Hub, name string) error {
	return command.Send(ctx, hub, name)
}

func NewHTTPServer(addr, basePath string, hub *Hub, st Store, logPath string) *http.Server {
	r := iapi.NewRouter(hub, st, logPath, basePath)
	return iapi.NewServer(addr, r.Handler())
}

func RegisterMetrics(r prometheus.Registerer) error { return metrics.Register(r) }
func RegisterMetricsDefault() error                 { return metrics.Register(prometheus.DefaultRegisterer) }
