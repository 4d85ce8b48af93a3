// Package supervisor owns the deploy daemon child process: it starts, stops
// and restarts it, relays its merged output line by line and reports its
// running status.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/loykin/mrdeploy/internal/env"
	"github.com/loykin/mrdeploy/internal/history"
	"github.com/loykin/mrdeploy/internal/metrics"
)

// DefaultRestartDelay is the pause between stop and start on Restart.
const DefaultRestartDelay = time.Second

// ErrShutdown is returned for requests after Shutdown.
var ErrShutdown = errors.New("supervisor: shutting down")

// Spec describes the supervised command.
type Spec struct {
	Command      []string // argv; extra Restart args are appended
	Dir          string
	Env          []string // added to the supervisor's environment
	StopTimeout  time.Duration // > 0: SIGKILL after this long; 0: wait forever
	RestartDelay time.Duration
}

// Relay receives the child's output lines and running status transitions.
type Relay interface {
	Line(ctx context.Context, line string) error
	Running(ctx context.Context, running bool) error
}

// Handle is one run of the child. It is replaced, never reused, on start.
type Handle struct {
	PID       int
	StartedAt time.Time
	Args      []string

	done chan struct{}
	err  error
}

// Done is closed after the child exited and its status was published.
func (h *Handle) Done() <-chan struct{} { return h.done }

// Err returns the exit error once Done is closed.
func (h *Handle) Err() error {
	<-h.done
	return h.err
}

func (h *Handle) exited() bool {
	select {
	case <-h.done:
		return true
	default:
		return false
	}
}

// Status is a point-in-time view of the supervised process.
type Status struct {
	Running   bool      `json:"running"`
	PID       int       `json:"pid,omitempty"`
	StartedAt time.Time `json:"started_at,omitempty"`
	ExitErr   string    `json:"exit_error,omitempty"`
}

type commandAction int

const (
	actionStart commandAction = iota
	actionStop
	actionRestart
	actionShutdown
)

type command struct {
	action commandAction
	args   []string
	reply  chan error
}

// Supervisor serializes Start, Stop and Restart through a single loop.
type Supervisor struct {
	spec    Spec
	relay   Relay
	history history.Sink
	log     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	cmdChan  chan command
	doneChan chan struct{}

	mu     sync.RWMutex
	handle *Handle
}

// Option configures a Supervisor.
type Option func(*Supervisor)

// WithHistory sends daemon_started/daemon_stopped events to h.
func WithHistory(h history.Sink) Option { return func(s *Supervisor) { s.history = h } }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Supervisor) {
		if l != nil {
			s.log = l
		}
	}
}

// New returns a running Supervisor. The child is not started.
func New(spec Spec, relay Relay, opts ...Option) *Supervisor {
	if spec.RestartDelay < 0 {
		spec.RestartDelay = 0
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Supervisor{
		spec:     spec,
		relay:    relay,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		cmdChan:  make(chan command),
		doneChan: make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	go s.loop()
	return s
}

func (s *Supervisor) send(c command) error {
	c.reply = make(chan error, 1)
	select {
	case s.cmdChan <- c:
		return <-c.reply
	case <-s.doneChan:
		return ErrShutdown
	}
}

// Start spawns the child. It is a no-op while the child runs.
func (s *Supervisor) Start() error { return s.send(command{action: actionStart}) }

// Stop terminates the child's process group and blocks until it exited and
// the stopped status was published.
func (s *Supervisor) Stop() error { return s.send(command{action: actionStop}) }

// Restart stops, waits RestartDelay and starts again. args are appended to
// the command line of the new run only.
func (s *Supervisor) Restart(args ...string) error {
	return s.send(command{action: actionRestart, args: args})
}

// Shutdown stops the child and the command loop.
func (s *Supervisor) Shutdown() error {
	err := s.send(command{action: actionShutdown})
	if errors.Is(err, ErrShutdown) {
		return nil
	}
	return err
}

// Handle returns the current handle, nil before the first start.
func (s *Supervisor) Handle() *Handle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.handle
}

// Running reports whether the child is alive.
func (s *Supervisor) Running() bool {
	h := s.Handle()
	return h != nil && !h.exited()
}

func (s *Supervisor) Status() Status {
	h := s.Handle()
	if h == nil {
		return Status{}
	}
	st := Status{PID: h.PID, StartedAt: h.StartedAt, Running: !h.exited()}
	if !st.Running && h.err != nil {
		st.ExitErr = h.err.Error()
	}
	return st
}

func (s *Supervisor) loop() {
	defer close(s.doneChan)
	defer s.cancel()
	for c := range s.cmdChan {
		var err error
		switch c.action {
		case actionStart:
			err = s.start(nil)
		case actionStop:
			err = s.stop()
		case actionRestart:
			err = s.restart(c.args)
		case actionShutdown:
			c.reply <- s.stop()
			return
		}
		c.reply <- err
	}
}

func (s *Supervisor) start(extra []string) error {
	if s.Running() {
		return nil
	}
	if len(s.spec.Command) == 0 {
		return errors.New("supervisor: empty command")
	}
	argv := append(append([]string(nil), s.spec.Command...), extra...)
	// #nosec G204 command comes from trusted configuration
	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = s.spec.Dir
	if len(s.spec.Env) > 0 {
		cmd.Env = env.Merge(os.Environ(), s.spec.Env)
	}
	configureSysProcAttr(cmd)

	pr, pw, err := os.Pipe()
	if err != nil {
		return fmt.Errorf("supervisor: pipe: %w", err)
	}
	cmd.Stdout = pw
	cmd.Stderr = pw
	if err := cmd.Start(); err != nil {
		_ = pr.Close()
		_ = pw.Close()
		return fmt.Errorf("supervisor: start %s: %w", argv[0], err)
	}
	// the child holds its own copy of the write end
	_ = pw.Close()

	h := &Handle{PID: cmd.Process.Pid, StartedAt: time.Now(), Args: argv, done: make(chan struct{})}
	s.mu.Lock()
	s.handle = h
	s.mu.Unlock()

	metrics.IncSupervisorStart()
	s.log.Info("Daemon started", "pid", h.PID, "args", strings.Join(argv, " "))
	if err := s.relay.Running(s.ctx, true); err != nil {
		s.log.Warn("Failed to publish running status", "error", err)
	}
	s.record(history.EventDaemonStarted, h, "")

	forwarded := make(chan struct{})
	go s.forward(pr, forwarded)
	go s.await(cmd, h, forwarded)
	return nil
}

// forward publishes every line of r in order. A trailing partial line is
// published at EOF.
func (s *Supervisor) forward(r io.ReadCloser, done chan<- struct{}) {
	defer close(done)
	defer func() { _ = r.Close() }()
	br := bufio.NewReaderSize(r, 64*1024)
	for {
		line, err := br.ReadString('\n')
		if len(line) > 0 {
			line = strings.TrimRight(line, "\r\n")
			if perr := s.relay.Line(s.ctx, line); perr != nil {
				s.log.Warn("Failed to relay output line", "error", perr)
			} else {
				metrics.IncRelayedLine()
			}
		}
		if err != nil {
			return
		}
	}
}

// await reaps the child. The stopped status is published only after the
// output has drained, or after a short grace period when a grandchild keeps
// the pipe open.
func (s *Supervisor) await(cmd *exec.Cmd, h *Handle, forwarded <-chan struct{}) {
	err := cmd.Wait()
	t := time.NewTimer(2 * time.Second)
	select {
	case <-forwarded:
	case <-t.C:
		s.log.Warn("Output still open after daemon exit", "pid", h.PID)
	}
	t.Stop()

	h.err = err
	metrics.IncSupervisorStop()
	if err != nil {
		s.log.Info("Daemon exited", "pid", h.PID, "error", err)
	} else {
		s.log.Info("Daemon exited", "pid", h.PID)
	}
	if perr := s.relay.Running(s.ctx, false); perr != nil {
		s.log.Warn("Failed to publish running status", "error", perr)
	}
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	s.record(history.EventDaemonStopped, h, detail)
	close(h.done)
}

func (s *Supervisor) stop() error {
	h := s.Handle()
	if h == nil || h.exited() {
		return nil
	}
	s.log.Info("Stopping daemon", "pid", h.PID)
	if err := terminateGroup(h.PID); err != nil {
		s.log.Warn("Failed to signal daemon", "pid", h.PID, "error", err)
	}
	if s.spec.StopTimeout <= 0 {
		<-h.done
		return nil
	}
	t := time.NewTimer(s.spec.StopTimeout)
	defer t.Stop()
	select {
	case <-h.done:
	case <-t.C:
		s.log.Warn("Daemon ignored SIGTERM, killing", "pid", h.PID, "timeout", s.spec.StopTimeout)
		_ = killGroup(h.PID)
		<-h.done
	}
	return nil
}

func (s *Supervisor) restart(args []string) error {
	if err := s.stop(); err != nil {
		return err
	}
	delay := s.spec.RestartDelay
	if delay > 0 {
		time.Sleep(delay)
	}
	return s.start(args)
}

func (s *Supervisor) record(t history.EventType, h *Handle, detail string) {
	if s.history == nil {
		return
	}
	e := history.NewEvent(t)
	e.PID = h.PID
	e.Detail = detail
	if err := s.history.Send(s.ctx, e); err != nil {
		s.log.Warn("History sink failed", "event", string(t), "error", err)
	}
}
