// Package command turns messages on the command channel into supervisor
// actions, one at a time and in arrival order.
package command

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/loykin/mrdeploy/internal/pubsub"
	"github.com/loykin/mrdeploy/internal/relay"
)

const (
	Start   = "start"
	Restart = "restart"
	Stop    = "stop"
	// Retry restarts the daemon with ForceArg so its first iteration
	// redeploys the current changeset.
	Retry = "retry"
)

// ForceArg is appended to the daemon's command line by Retry.
const ForceArg = "--force"

// ErrUnknown is returned by Handle for unrecognized commands.
var ErrUnknown = errors.New("command: unknown command")

// Controller is the supervised process.
type Controller interface {
	Start() error
	Stop() error
	Restart(args ...string) error
}

// Valid reports whether name is a recognized command.
func Valid(name string) bool {
	switch strings.TrimSpace(name) {
	case Start, Restart, Stop, Retry:
		return true
	}
	return false
}

// Dispatcher executes commands against a Controller.
type Dispatcher struct {
	ctl Controller
	log *slog.Logger
}

func NewDispatcher(ctl Controller, l *slog.Logger) *Dispatcher {
	if l == nil {
		l = slog.Default()
	}
	return &Dispatcher{ctl: ctl, log: l}
}

// Handle runs one command and returns when the controller finished it.
func (d *Dispatcher) Handle(raw string) error {
	switch name := strings.TrimSpace(raw); name {
	case Start:
		return d.ctl.Start()
	case Stop:
		return d.ctl.Stop()
	case Restart:
		return d.ctl.Restart()
	case Retry:
		return d.ctl.Restart(ForceArg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknown, name)
	}
}

// Run handles messages from sub until ctx ends or sub is closed.
func (d *Dispatcher) Run(ctx context.Context, sub *pubsub.Subscription) error {
	for {
		msg, ok := sub.Next(ctx)
		if !ok {
			return ctx.Err()
		}
		d.log.Info("Received command", "command", msg.Data)
		err := d.Handle(msg.Data)
		switch {
		case errors.Is(err, ErrUnknown):
			d.log.Warn("Ignoring unknown command", "command", msg.Data)
		case err != nil:
			d.log.Error("Command failed", "command", msg.Data, "error", err)
		}
	}
}

// Listen subscribes to the command channel and dispatches until ctx ends.
// Commands published before the subscription exists are not seen; use
// Subscribe and Run when that matters.
func Listen(ctx context.Context, hub *pubsub.Hub, d *Dispatcher) error {
	sub := Subscribe(hub)
	defer sub.Close()
	return d.Run(ctx, sub)
}

// Subscribe returns a subscription to the command channel.
func Subscribe(hub *pubsub.Hub) *pubsub.Subscription {
	return hub.Subscribe(relay.TopicCommand)
}

// Send publishes a command on the command channel.
func Send(ctx context.Context, hub *pubsub.Hub, name string) error {
	return hub.Publish(ctx, relay.TopicCommand, name)
}
