// Package relay moves the daemon's output and running status onto the
// pub/sub channels, persists the latest status for late observers and keeps
// the durable output log.
package relay

import (
	"context"

	"github.com/loykin/mrdeploy/internal/pubsub"
	"github.com/loykin/mrdeploy/internal/store"
)

// Channel names and the status key.
const (
	TopicOutput  = "mr_deploy_output"
	TopicStatus  = "mr_deploy_status"
	TopicCommand = "mr_deploy_commands"
	RunningKey   = "mr_deploy_running"
)

// Forwarder publishes output lines on the output channel.
type Forwarder struct {
	hub *pubsub.Hub
}

func NewForwarder(hub *pubsub.Hub) *Forwarder { return &Forwarder{hub: hub} }

func (f *Forwarder) Line(ctx context.Context, line string) error {
	return f.hub.Publish(ctx, TopicOutput, line)
}

// StatusPublisher stores the running flag, then announces it.
type StatusPublisher struct {
	hub   *pubsub.Hub
	store store.Store
}

func NewStatusPublisher(hub *pubsub.Hub, st store.Store) *StatusPublisher {
	return &StatusPublisher{hub: hub, store: st}
}

func (p *StatusPublisher) Running(ctx context.Context, running bool) error {
	if err := store.SetBool(ctx, p.store, RunningKey, running); err != nil {
		return err
	}
	v := "false"
	if running {
		v = "true"
	}
	return p.hub.Publish(ctx, TopicStatus, v)
}

// Current reads the stored running flag.
func (p *StatusPublisher) Current(ctx context.Context) (bool, error) {
	return store.GetBool(ctx, p.store, RunningKey)
}

// Relay is what the supervisor feeds.
type Relay struct {
	*Forwarder
	*StatusPublisher
}

func New(hub *pubsub.Hub, st store.Store) *Relay {
	return &Relay{Forwarder: NewForwarder(hub), StatusPublisher: NewStatusPublisher(hub, st)}
}
