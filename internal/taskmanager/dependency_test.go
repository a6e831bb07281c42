package taskmanager

import (
	"context"
	"testing"

	"github.com/google/uuid"

	"github.com/arkeep-io/taskctl/internal/db"
	"github.com/arkeep-io/taskctl/internal/repository"
)

func edge(parent, child uuid.UUID, cond string) db.TaskDependency {
	return db.TaskDependency{ParentTaskID: parent, ChildTaskID: child, Condition: cond}
}

func TestWouldCycleDirect(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	existing := []db.TaskDependency{edge(a, b, "always")}
	if !wouldCycle(existing, b, a) {
		t.Fatal("expected b->a to close a cycle given a->b already exists")
	}
}

func TestWouldCycleTransitive(t *testing.T) {
	a, b, c := uuid.New(), uuid.New(), uuid.New()
	existing := []db.TaskDependency{edge(a, b, "always"), edge(b, c, "always")}
	if !wouldCycle(existing, c, a) {
		t.Fatal("expected c->a to close a cycle given a->b->c already exists")
	}
}

func TestWouldCycleUnrelated(t *testing.T) {
	a, b, c, d := uuid.New(), uuid.New(), uuid.New(), uuid.New()
	existing := []db.TaskDependency{edge(a, b, "always")}
	if wouldCycle(existing, c, d) {
		t.Fatal("did not expect an unrelated edge to be flagged as a cycle")
	}
}

func TestConditionMatches(t *testing.T) {
	cases := []struct {
		condition, status string
		want               bool
	}{
		{"always", "success", true},
		{"always", "error", true},
		{"always", "cancelled", true},
		{"on:success", "success", true},
		{"on:success", "error", false},
		{"on:error", "error", true},
		{"on:error", "cancelled", false},
		{"on:error", "success", false},
	}
	for _, c := range cases {
		if got := conditionMatches(c.condition, c.status); got != c.want {
			t.Errorf("conditionMatches(%q, %q) = %v, want %v", c.condition, c.status, got, c.want)
		}
	}
}

// fakeDependencyRepo and fakeRunRepo below back a minimal Store for exercising
// dependencySatisfied / CreateDependency without a database.

type fakeDependencyRepo struct {
	repository.TaskDependencyRepository
	all      []db.TaskDependency
	byChild  map[uuid.UUID][]db.TaskDependency
	created  []db.TaskDependency
}

func (f *fakeDependencyRepo) ListAll(ctx context.Context) ([]db.TaskDependency, error) {
	return f.all, nil
}

func (f *fakeDependencyRepo) ListByChild(ctx context.Context, childTaskID uuid.UUID) ([]db.TaskDependency, error) {
	return f.byChild[childTaskID], nil
}

func (f *fakeDependencyRepo) Create(ctx context.Context, dep *db.TaskDependency) error {
	f.created = append(f.created, *dep)
	return nil
}

type fakeRunRepo struct {
	repository.TaskRunRepository
	latest map[uuid.UUID]*db.TaskRun
}

func (f *fakeRunRepo) LatestByTask(ctx context.Context, taskID uuid.UUID) (*db.TaskRun, error) {
	run, ok := f.latest[taskID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return run, nil
}

func newTestManager(deps *fakeDependencyRepo, runs *fakeRunRepo) *Manager {
	store := &repository.Store{Dependencies: deps, Runs: runs}
	return &Manager{store: store}
}

func TestDependencySatisfiedNoParentRun(t *testing.T) {
	parent, child := uuid.New(), uuid.New()
	deps := &fakeDependencyRepo{byChild: map[uuid.UUID][]db.TaskDependency{
		child: {edge(parent, child, "on:success")},
	}}
	runs := &fakeRunRepo{latest: map[uuid.UUID]*db.TaskRun{}}
	m := newTestManager(deps, runs)

	ok, err := m.dependencySatisfied(context.Background(), child)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected gate unsatisfied when parent has no run")
	}
}

func TestDependencySatisfiedOnSuccess(t *testing.T) {
	parent, child := uuid.New(), uuid.New()
	deps := &fakeDependencyRepo{byChild: map[uuid.UUID][]db.TaskDependency{
		child: {edge(parent, child, "on:success")},
	}}
	runs := &fakeRunRepo{latest: map[uuid.UUID]*db.TaskRun{
		parent: {Status: "success"},
	}}
	m := newTestManager(deps, runs)

	ok, err := m.dependencySatisfied(context.Background(), child)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !ok {
		t.Fatal("expected gate satisfied when parent's latest run succeeded")
	}
}

func TestDependencySatisfiedOnSuccessButParentErrored(t *testing.T) {
	parent, child := uuid.New(), uuid.New()
	deps := &fakeDependencyRepo{byChild: map[uuid.UUID][]db.TaskDependency{
		child: {edge(parent, child, "on:success")},
	}}
	runs := &fakeRunRepo{latest: map[uuid.UUID]*db.TaskRun{
		parent: {Status: "error"},
	}}
	m := newTestManager(deps, runs)

	ok, err := m.dependencySatisfied(context.Background(), child)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatal("expected gate unsatisfied when parent's latest run errored but condition is on:success")
	}
}

func TestCreateDependencyRejectsSelfEdge(t *testing.T) {
	t1 := uuid.New()
	m := newTestManager(&fakeDependencyRepo{}, &fakeRunRepo{})
	err := m.CreateDependency(context.Background(), &db.TaskDependency{ParentTaskID: t1, ChildTaskID: t1})
	if err != ErrSelfDependency {
		t.Fatalf("expected ErrSelfDependency, got %v", err)
	}
}

func TestCreateDependencyRejectsCycle(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	deps := &fakeDependencyRepo{all: []db.TaskDependency{edge(a, b, "always")}}
	m := newTestManager(deps, &fakeRunRepo{})

	err := m.CreateDependency(context.Background(), &db.TaskDependency{ParentTaskID: b, ChildTaskID: a})
	if err != ErrCycle {
		t.Fatalf("expected ErrCycle, got %v", err)
	}
	if len(deps.created) != 0 {
		t.Fatal("expected no edge to be persisted when a cycle is rejected")
	}
}

func TestCreateDependencyAcceptsValidEdge(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	deps := &fakeDependencyRepo{}
	m := newTestManager(deps, &fakeRunRepo{})

	if err := m.CreateDependency(context.Background(), &db.TaskDependency{ParentTaskID: a, ChildTaskID: b, Condition: "always"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(deps.created) != 1 {
		t.Fatal("expected the edge to be persisted")
	}
}
