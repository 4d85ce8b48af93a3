package daemon

import (
	"context"
	"errors"
	"sync"

	"github.com/loykin/mrdeploy/internal/history"
	"github.com/loykin/mrdeploy/internal/repo"
)

type fakeCommit struct {
	id     string
	author string
	files  []string
}

// fakeRepo models an upstream history and a local prefix of it.
type fakeRepo struct {
	mu        sync.Mutex
	upstream  []fakeCommit
	local     int // number of upstream commits applied locally
	cloned    bool
	cloneErr  error
	updateErr error
	updates   int
	// one-shot failures for the iteration after a successful Update
	tipErrAfterUpdate error
	tipErr            error
	affectedErr       error
}

func newFakeRepo(base fakeCommit) *fakeRepo {
	return &fakeRepo{upstream: []fakeCommit{base}, local: 1, cloned: true}
}

func (r *fakeRepo) push(c fakeCommit) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.upstream = append(r.upstream, c)
}

func (r *fakeRepo) tip() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream[r.local-1].id
}

func (r *fakeRepo) EnsureCloned(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.cloned {
		return nil
	}
	if r.cloneErr != nil {
		return r.cloneErr
	}
	r.cloned = true
	return nil
}

func (r *fakeRepo) HasIncoming(context.Context) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.upstream) > r.local, nil
}

func (r *fakeRepo) EarliestIncoming(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.upstream) == r.local {
		return "", repo.ErrNoIncoming
	}
	return r.upstream[r.local].id, nil
}

func (r *fakeRepo) Update(context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.updates++
	if r.updateErr != nil {
		return r.updateErr
	}
	r.local = len(r.upstream)
	r.tipErr, r.tipErrAfterUpdate = r.tipErrAfterUpdate, nil
	return nil
}

func (r *fakeRepo) index(id string) int {
	for i, c := range r.upstream {
		if c.id == id {
			return i
		}
	}
	return -1
}

func (r *fakeRepo) AffectedFiles(_ context.Context, from, to string) (map[string]struct{}, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.affectedErr; err != nil {
		r.affectedErr = nil
		return nil, err
	}
	i, j := r.index(from), r.index(to)
	if i < 0 || j < 0 {
		return nil, errors.New("unknown revision")
	}
	out := make(map[string]struct{})
	for _, c := range r.upstream[i : j+1] {
		for _, f := range c.files {
			out[f] = struct{}{}
		}
	}
	return out, nil
}

func (r *fakeRepo) CurrentChangeset(context.Context) (string, error) {
	r.mu.Lock()
	if err := r.tipErr; err != nil {
		r.tipErr = nil
		r.mu.Unlock()
		return "", err
	}
	r.mu.Unlock()
	return r.tip(), nil
}

func (r *fakeRepo) CurrentAuthor(context.Context) (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.upstream[r.local-1].author, nil
}

// fakeExec records which changeset each deploy script run saw.
type fakeExec struct {
	repo       *fakeRepo
	secretsErr error
	installErr error
	deployErr  error
	installs   int
	deployed   []string
	versions   []string
}

func (e *fakeExec) MaterializeSecrets(context.Context) error { return e.secretsErr }

func (e *fakeExec) InstallDependencies(context.Context) error {
	e.installs++
	return e.installErr
}

func (e *fakeExec) RunDeployScript(_ context.Context, version string) error {
	e.deployed = append(e.deployed, e.repo.tip())
	e.versions = append(e.versions, version)
	return e.deployErr
}

func (e *fakeExec) count(id string) int {
	n := 0
	for _, d := range e.deployed {
		if d == id {
			n++
		}
	}
	return n
}

type memSink struct {
	mu     sync.Mutex
	events []history.Event
}

func (s *memSink) Send(_ context.Context, e history.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return nil
}

func (s *memSink) types() []history.EventType {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]history.EventType, 0, len(s.events))
	for _, e := range s.events {
		out = append(out, e.Type)
	}
	return out
}
