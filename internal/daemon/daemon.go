// Package daemon implements the deploy state machine: poll the repository,
// refuse dangerous ranges, deploy new changesets and remember outcomes so a
// broken changeset is attempted once.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/loykin/mrdeploy/internal/history"
	"github.com/loykin/mrdeploy/internal/metrics"
	"github.com/loykin/mrdeploy/internal/notify"
	"github.com/loykin/mrdeploy/internal/repo"
	"github.com/loykin/mrdeploy/internal/state"
)

// DefaultPollInterval is the sleep between iterations.
const DefaultPollInterval = 15 * time.Second

var (
	// ErrVetoed means the iteration was aborted by the safety gate.
	ErrVetoed = errors.New("daemon: deploy vetoed")
	// ErrHalted means a veto stopped the daemon (halt_on_dangerous).
	ErrHalted = errors.New("daemon: halted")
)

// State is a state machine position.
type State string

const (
	StateIdle             State = "idle"
	StateCheckingIncoming State = "checking_incoming"
	StateUpdating         State = "updating"
	StateSafetyCheck      State = "safety_check"
	StateDeploying        State = "deploying"
	StateSucceeded        State = "succeeded"
	StateFailed           State = "failed"
	StateVetoed           State = "vetoed"
)

var allStates = []string{
	string(StateIdle), string(StateCheckingIncoming), string(StateUpdating), string(StateSafetyCheck),
	string(StateDeploying), string(StateSucceeded), string(StateFailed), string(StateVetoed),
}

// Outcome summarizes one iteration.
type Outcome int

const (
	OutcomeNone Outcome = iota // nothing to deploy
	OutcomeDeployed
	OutcomeFailed
	OutcomeVetoed
)

func (o Outcome) String() string {
	switch o {
	case OutcomeDeployed:
		return "deployed"
	case OutcomeFailed:
		return "failed"
	case OutcomeVetoed:
		return "vetoed"
	default:
		return "none"
	}
}

// Repository is the working copy the daemon deploys from.
type Repository interface {
	EnsureCloned(ctx context.Context) error
	HasIncoming(ctx context.Context) (bool, error)
	EarliestIncoming(ctx context.Context) (string, error)
	Update(ctx context.Context) error
	AffectedFiles(ctx context.Context, from, to string) (map[string]struct{}, error)
	CurrentChangeset(ctx context.Context) (string, error)
	CurrentAuthor(ctx context.Context) (string, error)
}

// Executor performs the deploy steps.
type Executor interface {
	MaterializeSecrets(ctx context.Context) error
	InstallDependencies(ctx context.Context) error
	RunDeployScript(ctx context.Context, version string) error
}

// StateStore persists the deploy attempt record.
type StateStore interface {
	Load() (state.State, error)
	SetLastDeployed(id string) error
	SetLastAttempted(id string) error
	SetVetoed(id string) error
	ClearVetoed() error
	SetPending(id string) error
	ClearPending() error
}

// Options wires a Machine.
type Options struct {
	Repo            Repository
	Executor        Executor
	State           StateStore
	Gate            Gate
	Notifier        notify.Notifier // nil: notifications off
	History         history.Sink    // nil: no history
	Version         string
	PollInterval    time.Duration
	HaltOnDangerous bool
	Logger          *slog.Logger
}

// Machine is the deploy state machine. Iterations never overlap.
type Machine struct {
	opts Options
	log  *slog.Logger

	mu    sync.Mutex
	state State
}

func New(opts Options) *Machine {
	if opts.Notifier == nil {
		opts.Notifier = notify.Nop{}
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Version == "" {
		opts.Version = "staging"
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	m := &Machine{opts: opts, log: l}
	m.setState(StateIdle)
	return m
}

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

func (m *Machine) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()
	metrics.SetState(string(s), allStates)
}

// Run polls until ctx is done. The first iteration is forced when force is
// set. A halt or a failed clone is returned as an error; cancellation
// returns nil.
func (m *Machine) Run(ctx context.Context, force bool) error {
	m.log.Info("Deploy daemon polling", "interval", m.opts.PollInterval, "version", m.opts.Version)
	for {
		if ctx.Err() != nil {
			return nil
		}
		outcome, err := m.RunOnce(ctx, force)
		force = false
		switch {
		case errors.Is(err, ErrHalted), errors.Is(err, repo.ErrCloneFailed):
			return err
		case ctx.Err() != nil:
			return nil
		case errors.Is(err, ErrVetoed):
			m.log.Warn("Iteration vetoed", "error", err)
		case err != nil:
			m.log.Error("Iteration failed", "outcome", outcome.String(), "error", err)
		}

		t := time.NewTimer(m.opts.PollInterval)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

// RunOnce performs a single iteration. A forced iteration deploys the
// current tip even when it was already deployed or attempted.
func (m *Machine) RunOnce(ctx context.Context, force bool) (Outcome, error) {
	metrics.IncIteration()
	defer m.setState(StateIdle)

	if err := ctx.Err(); err != nil {
		return OutcomeNone, err
	}
	if err := m.opts.Repo.EnsureCloned(ctx); err != nil {
		return OutcomeNone, err
	}
	st, err := m.opts.State.Load()
	if err != nil {
		return OutcomeNone, err
	}

	m.setState(StateCheckingIncoming)
	before, err := m.opts.Repo.CurrentChangeset(ctx)
	if err != nil {
		return OutcomeNone, fmt.Errorf("read local tip: %w", err)
	}
	incoming, err := m.opts.Repo.HasIncoming(ctx)
	if err != nil {
		return OutcomeNone, fmt.Errorf("check incoming: %w", err)
	}

	tip := before
	start := ""
	switch {
	case incoming:
		earliest, err := m.opts.Repo.EarliestIncoming(ctx)
		if err != nil {
			return OutcomeNone, fmt.Errorf("earliest incoming: %w", err)
		}
		start = rangeStart(st, earliest, force)
		// persisted before the working copy moves, so an error or crash
		// after the update still gets the range checked
		if st.Pending == "" {
			if err := m.opts.State.SetPending(start); err != nil {
				return OutcomeNone, err
			}
		}
		m.setState(StateUpdating)
		if err := m.opts.Repo.Update(ctx); err != nil {
			return OutcomeNone, fmt.Errorf("update: %w", err)
		}
		if tip, err = m.opts.Repo.CurrentChangeset(ctx); err != nil {
			return OutcomeNone, fmt.Errorf("read tip: %w", err)
		}
	case st.Pending != "":
		start = rangeStart(st, st.Pending, force)
		m.log.Info("Checking previously pulled changesets", "from", start, "to", tip)
	case !force:
		if st.Vetoed != "" || tip == st.LastDeployed || tip == st.LastAttempted {
			return OutcomeNone, nil
		}
		m.log.Info("Found undeployed changeset", "changeset", tip)
	}

	if start != "" {
		m.setState(StateSafetyCheck)
		files, err := m.opts.Repo.AffectedFiles(ctx, start, tip)
		if err != nil {
			return OutcomeNone, fmt.Errorf("affected files: %w", err)
		}
		if dangerous := m.opts.Gate.Dangerous(files); len(dangerous) > 0 {
			return OutcomeVetoed, m.veto(ctx, st, start, tip, dangerous)
		}
		if err := m.opts.State.ClearPending(); err != nil {
			return OutcomeNone, err
		}
		if !incoming && !force && (tip == st.LastDeployed || tip == st.LastAttempted) {
			return OutcomeNone, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return OutcomeNone, err
	}
	return m.deploy(ctx, st, tip)
}

// rangeStart picks the first changeset to check: a pending veto (unless
// forced) or an unchecked pulled range reaches further back than earliest.
func rangeStart(st state.State, earliest string, force bool) string {
	start := earliest
	if st.Pending != "" {
		start = st.Pending
	}
	if st.Vetoed != "" && !force {
		start = st.Vetoed
	}
	return start
}

func (m *Machine) veto(ctx context.Context, st state.State, start, tip string, dangerous []string) error {
	m.setState(StateVetoed)
	metrics.IncVeto()
	list := strings.Join(dangerous, ", ")
	m.log.Warn("Bailing because of potentially dangerous changes to cross-version files", "files", list, "from", start, "to", tip)

	if st.Vetoed != start {
		if err := m.opts.State.SetVetoed(start); err != nil {
			return err
		}
	}
	if err := m.opts.State.SetLastAttempted(tip); err != nil {
		return err
	}
	if err := m.opts.State.ClearPending(); err != nil {
		return err
	}

	m.notify(ctx, notify.Red, fmt.Sprintf("(boom) Sorry y'all, but I'm cowardly refusing to deploy because of "+
		"potentially dangerous cross-version changes to %s. Drop by the dashboard when ready!", list))
	m.notify(ctx, notify.Gray, standbyMessage)
	m.record(ctx, history.EventDeployVetoed, tip, "", list)

	err := fmt.Errorf("%w: dangerous changes to %s", ErrVetoed, list)
	if m.opts.HaltOnDangerous {
		return fmt.Errorf("%w: %w", ErrHalted, err)
	}
	return err
}

const standbyMessage = "/me is taking a nap until the devs sort things out. (zzz)"

func (m *Machine) deploy(ctx context.Context, st state.State, tip string) (Outcome, error) {
	m.setState(StateDeploying)
	author, err := m.opts.Repo.CurrentAuthor(ctx)
	if err != nil {
		return m.fail(ctx, tip, "", fmt.Errorf("read author: %w", err))
	}

	m.log.Info("Decrypting secrets")
	if err := m.opts.Executor.MaterializeSecrets(ctx); err != nil {
		return m.fail(ctx, tip, author, err)
	}
	m.log.Info("Installing dependencies")
	if err := m.opts.Executor.InstallDependencies(ctx); err != nil {
		return m.fail(ctx, tip, author, err)
	}
	if err := m.opts.State.SetLastAttempted(tip); err != nil {
		return OutcomeFailed, err
	}
	m.log.Info("Running deploy script", "changeset", tip, "author", author, "version", m.opts.Version)
	if err := m.opts.Executor.RunDeployScript(ctx, m.opts.Version); err != nil {
		return m.fail(ctx, tip, author, err)
	}

	if err := m.opts.State.SetLastDeployed(tip); err != nil {
		return OutcomeFailed, err
	}
	if st.Vetoed != "" {
		if err := m.opts.State.ClearVetoed(); err != nil {
			return OutcomeFailed, err
		}
	}
	m.setState(StateSucceeded)
	metrics.IncDeploy("succeeded")
	metrics.SetLastSuccess(float64(time.Now().Unix()))
	m.log.Info("Deploy script succeeded!", "changeset", tip)
	m.notify(ctx, notify.Gray, fmt.Sprintf("/me just deployed to %s with last website changeset %s by %s",
		m.opts.Version, short(tip), author))
	m.record(ctx, history.EventDeploySucceeded, tip, author, "")
	return OutcomeDeployed, nil
}

func (m *Machine) fail(ctx context.Context, tip, author string, cause error) (Outcome, error) {
	m.setState(StateFailed)
	metrics.IncDeploy("failed")
	m.log.Error("Deploy failed :(", "changeset", tip, "error", cause)
	// remember the attempt even when the script never ran
	if err := m.opts.State.SetLastAttempted(tip); err != nil {
		m.log.Error("Failed to persist attempted changeset", "error", err)
	}
	m.notify(ctx, notify.Red, "Oh (poo), I'm borked (sadpanda). Will a kind soul visit the dashboard and make me feel better? (heart)")
	m.notify(ctx, notify.Gray, standbyMessage)
	m.record(ctx, history.EventDeployFailed, tip, author, cause.Error())
	return OutcomeFailed, cause
}

func (m *Machine) notify(ctx context.Context, c notify.Color, text string) {
	if err := m.opts.Notifier.Notify(ctx, notify.Message{Color: c, Text: text}); err != nil {
		m.log.Warn("Notification failed", "error", err)
	}
}

func (m *Machine) record(ctx context.Context, t history.EventType, tip, author, detail string) {
	if m.opts.History == nil {
		return
	}
	e := history.NewEvent(t)
	e.Changeset = tip
	e.Author = author
	e.Detail = detail
	if err := m.opts.History.Send(ctx, e); err != nil {
		m.log.Warn("History sink failed", "event", string(t), "error", err)
	}
}

func short(id string) string {
	if len(id) > 12 {
		return id[:12]
	}
	return id
}
