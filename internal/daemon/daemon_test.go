package daemon

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/loykin/mrdeploy/internal/deploy"
	"github.com/loykin/mrdeploy/internal/history"
	"github.com/loykin/mrdeploy/internal/notify"
	"github.com/loykin/mrdeploy/internal/repo"
	"github.com/loykin/mrdeploy/internal/state"
)

type harness struct {
	repo  *fakeRepo
	exec  *fakeExec
	state *state.Store
	notes *notify.Recorder
	hist  *memSink
	m     *Machine
}

func newHarness(t *testing.T, mut func(*Options)) *harness {
	t.Helper()
	st, err := state.NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("state: %v", err)
	}
	r := newFakeRepo(fakeCommit{id: "base", author: "root", files: []string{"README"}})
	h := &harness{
		repo:  r,
		exec:  &fakeExec{repo: r},
		state: st,
		notes: &notify.Recorder{},
		hist:  &memSink{},
	}
	opts := Options{
		Repo:         r,
		Executor:     h.exec,
		State:        st,
		Gate:         NewGate([]string{"cron.yaml", "queue.yaml", "index.yaml"}),
		Notifier:     h.notes,
		History:      h.hist,
		PollInterval: 10 * time.Millisecond,
	}
	if mut != nil {
		mut(&opts)
	}
	h.m = New(opts)
	// the base commit counts as already deployed
	if err := st.SetLastDeployed("base"); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	return h
}

func (h *harness) load(t *testing.T) state.State {
	t.Helper()
	s, err := h.state.Load()
	if err != nil {
		t.Fatalf("load state: %v", err)
	}
	return s
}

func TestDangerousChangeIsVetoed(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.repo.push(fakeCommit{id: "A", author: "alice", files: []string{"queue.yaml", "app.py"}})

	out, err := h.m.RunOnce(ctx, false)
	if out != OutcomeVetoed || !errors.Is(err, ErrVetoed) {
		t.Fatalf("RunOnce = %v, %v; want vetoed", out, err)
	}
	if errors.Is(err, ErrHalted) {
		t.Fatalf("veto should not halt by default")
	}
	if len(h.exec.deployed) != 0 {
		t.Fatalf("deploy script must not run on veto")
	}
	msgs := h.notes.Messages()
	if len(msgs) != 2 || msgs[0].Color != notify.Red || !strings.Contains(msgs[0].Text, "queue.yaml") || msgs[1].Color != notify.Gray {
		t.Fatalf("notifications = %+v", msgs)
	}
	s := h.load(t)
	if s.LastDeployed != "base" || s.Vetoed != "A" || s.LastAttempted != "A" {
		t.Fatalf("state = %+v", s)
	}
	if got := h.hist.types(); len(got) != 1 || got[0] != history.EventDeployVetoed {
		t.Fatalf("history = %v", got)
	}
	if h.m.State() != StateIdle {
		t.Fatalf("state after iteration = %s", h.m.State())
	}

	// polling the same range again keeps refusing
	for i := 0; i < 3; i++ {
		if out, err := h.m.RunOnce(ctx, false); out != OutcomeNone || err != nil {
			t.Fatalf("repeat poll = %v, %v", out, err)
		}
	}
	// a later safe commit cannot carry the dangerous one through
	h.repo.push(fakeCommit{id: "B", author: "bob", files: []string{"app.py"}})
	if out, err := h.m.RunOnce(ctx, false); out != OutcomeVetoed || !errors.Is(err, ErrVetoed) {
		t.Fatalf("later commit = %v, %v; want vetoed", out, err)
	}
	if len(h.exec.deployed) != 0 {
		t.Fatalf("deployed = %v", h.exec.deployed)
	}
	if s := h.load(t); s.Vetoed != "A" {
		t.Fatalf("veto should still start at A: %+v", s)
	}

	// a human forces the deploy; the veto is cleared
	if out, err := h.m.RunOnce(ctx, true); out != OutcomeDeployed || err != nil {
		t.Fatalf("forced = %v, %v", out, err)
	}
	s = h.load(t)
	if s.LastDeployed != "B" || s.Vetoed != "" {
		t.Fatalf("state after force = %+v", s)
	}
}

func TestHaltOnDangerous(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HaltOnDangerous = true })
	h.repo.push(fakeCommit{id: "A", files: []string{"cron.yaml"}})
	_, err := h.m.RunOnce(context.Background(), false)
	if !errors.Is(err, ErrHalted) || !errors.Is(err, ErrVetoed) {
		t.Fatalf("err = %v, want halted veto", err)
	}
}

func TestRunReturnsHalt(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.HaltOnDangerous = true })
	h.repo.push(fakeCommit{id: "A", files: []string{"index.yaml"}})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.m.Run(ctx, false); !errors.Is(err, ErrHalted) {
		t.Fatalf("Run = %v, want ErrHalted", err)
	}
}

func TestSafeChangeIsDeployed(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.Version = "canary" })
	h.repo.push(fakeCommit{id: "B0123456789abcdef", author: "bob", files: []string{"app.py"}})

	out, err := h.m.RunOnce(context.Background(), false)
	if out != OutcomeDeployed || err != nil {
		t.Fatalf("RunOnce = %v, %v", out, err)
	}
	if len(h.exec.deployed) != 1 || h.exec.deployed[0] != "B0123456789abcdef" || h.exec.versions[0] != "canary" {
		t.Fatalf("deployed = %v versions = %v", h.exec.deployed, h.exec.versions)
	}
	s := h.load(t)
	if s.LastDeployed != "B0123456789abcdef" || s.LastAttempted != "B0123456789abcdef" {
		t.Fatalf("state = %+v", s)
	}
	msgs := h.notes.Messages()
	if len(msgs) != 1 || !strings.Contains(msgs[0].Text, "B0123456789a") || !strings.Contains(msgs[0].Text, "bob") {
		t.Fatalf("notifications = %+v", msgs)
	}
	if got := h.hist.types(); len(got) != 1 || got[0] != history.EventDeploySucceeded {
		t.Fatalf("history = %v", got)
	}
}

func TestAlreadyDeployedTipIsSkippedUnlessForced(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		if out, err := h.m.RunOnce(ctx, false); out != OutcomeNone || err != nil {
			t.Fatalf("RunOnce = %v, %v", out, err)
		}
	}
	if len(h.exec.deployed) != 0 {
		t.Fatalf("deployed = %v", h.exec.deployed)
	}
	if out, err := h.m.RunOnce(ctx, true); out != OutcomeDeployed || err != nil {
		t.Fatalf("forced = %v, %v", out, err)
	}
	if h.exec.count("base") != 1 {
		t.Fatalf("forced deploy should run the script once: %v", h.exec.deployed)
	}
}

func TestFailedChangesetIsNotRetried(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	h.exec.deployErr = fmt.Errorf("%w: exit status 1", deploy.ErrDeploy)
	h.repo.push(fakeCommit{id: "C", author: "carol", files: []string{"app.py"}})

	out, err := h.m.RunOnce(ctx, false)
	if out != OutcomeFailed || !errors.Is(err, deploy.ErrDeploy) {
		t.Fatalf("RunOnce = %v, %v", out, err)
	}
	msgs := h.notes.Messages()
	if len(msgs) != 2 || msgs[0].Color != notify.Red || msgs[1].Color != notify.Gray {
		t.Fatalf("notifications = %+v", msgs)
	}
	s := h.load(t)
	if s.LastDeployed != "base" || s.LastAttempted != "C" {
		t.Fatalf("state = %+v", s)
	}

	h.notes.Reset()
	for i := 0; i < 3; i++ {
		if out, err := h.m.RunOnce(ctx, false); out != OutcomeNone || err != nil {
			t.Fatalf("retry = %v, %v", out, err)
		}
	}
	if h.exec.count("C") != 1 || len(h.notes.Messages()) != 0 {
		t.Fatalf("C must be attempted once: %v, notes %v", h.exec.deployed, h.notes.Messages())
	}

	h.exec.deployErr = nil
	h.repo.push(fakeCommit{id: "D", author: "dave", files: []string{"app.py"}})
	if out, err := h.m.RunOnce(ctx, false); out != OutcomeDeployed || err != nil {
		t.Fatalf("next changeset = %v, %v", out, err)
	}
	if s := h.load(t); s.LastDeployed != "D" {
		t.Fatalf("state = %+v", s)
	}
}

func TestPreScriptFailureMarksAttempted(t *testing.T) {
	for name, set := range map[string]func(*fakeExec){
		"secrets": func(e *fakeExec) { e.secretsErr = deploy.ErrSecrets },
		"install": func(e *fakeExec) { e.installErr = deploy.ErrInstall },
	} {
		h := newHarness(t, nil)
		set(h.exec)
		h.repo.push(fakeCommit{id: "E", files: []string{"app.py"}})
		if out, err := h.m.RunOnce(context.Background(), false); out != OutcomeFailed || err == nil {
			t.Fatalf("%s: RunOnce = %v, %v", name, out, err)
		}
		if len(h.exec.deployed) != 0 {
			t.Fatalf("%s: deploy script must not run", name)
		}
		if s := h.load(t); s.LastAttempted != "E" {
			t.Fatalf("%s: state = %+v", name, s)
		}
		if out, _ := h.m.RunOnce(context.Background(), false); out != OutcomeNone {
			t.Fatalf("%s: failed changeset retried", name)
		}
	}
}

func TestRecoveryDeploysUndeployedLocalTip(t *testing.T) {
	h := newHarness(t, nil)
	// the previous run pulled X but crashed before deploying it
	h.repo.push(fakeCommit{id: "X", author: "xena", files: []string{"app.py"}})
	if err := h.repo.Update(context.Background()); err != nil {
		t.Fatalf("update: %v", err)
	}
	out, err := h.m.RunOnce(context.Background(), false)
	if out != OutcomeDeployed || err != nil {
		t.Fatalf("RunOnce = %v, %v", out, err)
	}
	if h.exec.count("X") != 1 {
		t.Fatalf("deployed = %v", h.exec.deployed)
	}
}

func TestNeverRedeploysWithoutForce(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	files := [][]string{{"app.py"}, {"static/a.js"}, {"queue.yaml"}, {"app.py"}, {"README"}}
	for i, f := range files {
		h.repo.push(fakeCommit{id: fmt.Sprintf("c%d", i), files: f})
		for j := 0; j < 3; j++ {
			_, _ = h.m.RunOnce(ctx, false)
		}
		if f[0] == "queue.yaml" {
			_, _ = h.m.RunOnce(ctx, true)
		}
	}
	for _, id := range h.exec.deployed {
		if h.exec.count(id) != 1 {
			t.Fatalf("changeset %s deployed %d times: %v", id, h.exec.count(id), h.exec.deployed)
		}
	}
	if len(h.exec.deployed) != 5 {
		t.Fatalf("expected every changeset deployed once, got %v", h.exec.deployed)
	}
}

func TestCloneAndUpdateErrors(t *testing.T) {
	h := newHarness(t, nil)
	h.repo.cloned = false
	h.repo.cloneErr = fmt.Errorf("%w: exit status 128", repo.ErrCloneFailed)
	if _, err := h.m.RunOnce(context.Background(), true); !errors.Is(err, repo.ErrCloneFailed) {
		t.Fatalf("err = %v, want clone failure", err)
	}

	h = newHarness(t, nil)
	h.repo.updateErr = errors.New("network")
	h.repo.push(fakeCommit{id: "F", files: []string{"app.py"}})
	if out, err := h.m.RunOnce(context.Background(), false); out != OutcomeNone || err == nil {
		t.Fatalf("RunOnce = %v, %v; want update error", out, err)
	}
	if len(h.exec.deployed) != 0 {
		t.Fatalf("no deploy after failed update")
	}
}

func TestRunExitsOnCloneFailure(t *testing.T) {
	cases := []struct {
		name  string
		setup func(h *harness)
		fatal bool
	}{
		{"initial clone", func(h *harness) {
			h.repo.cloned = false
			h.repo.cloneErr = fmt.Errorf("%w: exit status 128", repo.ErrCloneFailed)
		}, true},
		{"re-clone during update", func(h *harness) {
			h.repo.push(fakeCommit{id: "G", files: []string{"app.py"}})
			h.repo.updateErr = fmt.Errorf("%w: exit status 128", repo.ErrCloneFailed)
		}, true},
		{"transient update error", func(h *harness) {
			h.repo.push(fakeCommit{id: "G", files: []string{"app.py"}})
			h.repo.updateErr = errors.New("network unreachable")
		}, false},
	}
	for _, c := range cases {
		h := newHarness(t, nil)
		c.setup(h)
		ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
		err := h.m.Run(ctx, false)
		cancel()
		if c.fatal && !errors.Is(err, repo.ErrCloneFailed) {
			t.Fatalf("%s: Run = %v, want clone failure", c.name, err)
		}
		if !c.fatal && err != nil {
			t.Fatalf("%s: Run = %v, want polling until cancel", c.name, err)
		}
		if len(h.exec.deployed) != 0 {
			t.Fatalf("%s: deployed = %v", c.name, h.exec.deployed)
		}
	}
}

func TestErrorAfterUpdateStillGated(t *testing.T) {
	transient := errors.New("transient")
	cases := []struct {
		name      string
		files     []string
		setup     func(h *harness)
		firstErr  bool
		want      Outcome
		deployRun bool
	}{
		{"affected files fails once", []string{"queue.yaml"}, func(h *harness) { h.repo.affectedErr = transient }, true, OutcomeVetoed, false},
		{"tip read fails once", []string{"cron.yaml"}, func(h *harness) { h.repo.tipErrAfterUpdate = transient }, true, OutcomeVetoed, false},
		{"safe range after error", []string{"app.py"}, func(h *harness) { h.repo.affectedErr = transient }, true, OutcomeDeployed, true},
		{"crash after update", []string{"index.yaml"}, func(h *harness) {
			// a previous run recorded the range and moved the working copy
			if err := h.state.SetPending("Q"); err != nil {
				t.Fatalf("seed pending: %v", err)
			}
			if err := h.repo.Update(context.Background()); err != nil {
				t.Fatalf("update: %v", err)
			}
		}, false, OutcomeVetoed, false},
	}
	for _, c := range cases {
		h := newHarness(t, nil)
		ctx := context.Background()
		h.repo.push(fakeCommit{id: "Q", author: "quinn", files: c.files})
		c.setup(h)

		if c.firstErr {
			if out, err := h.m.RunOnce(ctx, false); out != OutcomeNone || !errors.Is(err, transient) {
				t.Fatalf("%s: first iteration = %v, %v", c.name, out, err)
			}
			if s := h.load(t); s.Pending != "Q" {
				t.Fatalf("%s: pending = %+v", c.name, s)
			}
		}
		out, err := h.m.RunOnce(ctx, false)
		if out != c.want {
			t.Fatalf("%s: second iteration = %v, %v; want %v", c.name, out, err, c.want)
		}
		if got := h.exec.count("Q") == 1; got != c.deployRun || len(h.exec.deployed) > 1 {
			t.Fatalf("%s: deployed = %v", c.name, h.exec.deployed)
		}
		s := h.load(t)
		if s.Pending != "" {
			t.Fatalf("%s: pending not cleared: %+v", c.name, s)
		}
		if c.want == OutcomeVetoed && s.Vetoed != "Q" {
			t.Fatalf("%s: state = %+v", c.name, s)
		}
		// the vetoed range stays refused on later polls
		if c.want == OutcomeVetoed {
			if out, err := h.m.RunOnce(ctx, false); out != OutcomeNone || err != nil || len(h.exec.deployed) != 0 {
				t.Fatalf("%s: later poll = %v, %v, deployed %v", c.name, out, err, h.exec.deployed)
			}
		}
	}
}

func TestRunForcesFirstIterationAndStopsOnCancel(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.m.Run(ctx, true) }()

	deadline := time.Now().Add(5 * time.Second)
	for h.load(t).LastAttempted == "" && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("Run did not stop on cancel")
	}
	if h.exec.count("base") != 1 {
		t.Fatalf("only the first iteration is forced: %v", h.exec.deployed)
	}
}

func TestRunOnceCancelled(t *testing.T) {
	h := newHarness(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.m.RunOnce(ctx, true); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestGateDangerous(t *testing.T) {
	g := NewGate([]string{"queue.yaml", "cron.yaml", ""})
	got := g.Dangerous(map[string]struct{}{"queue.yaml": {}, "app.py": {}, "cron.yaml": {}, "sub/queue.yaml": {}})
	if strings.Join(got, ",") != "cron.yaml,queue.yaml" {
		t.Fatalf("Dangerous = %v", got)
	}
	if got := g.Dangerous(nil); len(got) != 0 {
		t.Fatalf("Dangerous(nil) = %v", got)
	}
}
