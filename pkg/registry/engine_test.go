package registry

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"queryreg/pkg/parser"
	"queryreg/pkg/regerrors"
	"queryreg/pkg/replmap"
)

// fakeStore scripts replication outcomes and lets tests push Changed
// snapshots, standing in for the replicated map.
type fakeStore struct {
	mapKey string

	mu       sync.Mutex
	outcomes []replmap.UpdateResult
	updates  []replmap.Mutation
	changes  chan replmap.Changed
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		mapKey:  "statement-registry",
		changes: make(chan replmap.Changed, 16),
	}
}

func (f *fakeStore) MapKey() string { return f.mapKey }

func (f *fakeStore) Update(_ context.Context, mut replmap.Mutation, _ time.Duration) <-chan replmap.UpdateResult {
	f.mu.Lock()
	f.updates = append(f.updates, mut)
	res := replmap.UpdateResult{Outcome: replmap.Success}
	if len(f.outcomes) > 0 {
		res = f.outcomes[0]
		f.outcomes = f.outcomes[1:]
	}
	f.mu.Unlock()

	out := make(chan replmap.UpdateResult, 1)
	out <- res
	return out
}

func (f *fakeStore) Subscribe(mapKey string) (<-chan replmap.Changed, error) {
	if mapKey != f.mapKey {
		return nil, errors.New("unknown map")
	}
	return f.changes, nil
}

func (f *fakeStore) scriptOutcome(res replmap.UpdateResult) {
	f.mu.Lock()
	f.outcomes = append(f.outcomes, res)
	f.mu.Unlock()
}

func (f *fakeStore) push(snapshot map[string]string) {
	f.changes <- replmap.Changed{MapKey: f.mapKey, Snapshot: snapshot}
}

func (f *fakeStore) recordedUpdates() []replmap.Mutation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]replmap.Mutation(nil), f.updates...)
}

func newTestEngine(t *testing.T) (*Engine, *fakeStore) {
	t.Helper()

	store := newFakeStore()
	e, err := NewEngine(Config{
		Name:         "statements",
		MapKey:       store.mapKey,
		WriteTimeout: time.Second,
		Store:        store,
	})
	if err != nil {
		t.Fatalf("NewEngine failed: %v", err)
	}

	e.Start(context.Background())
	t.Cleanup(e.Stop)
	return e, store
}

// waitFor polls until cond holds; reconciliation of pushed snapshots is
// asynchronous.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestEngine_PutRoundTrip(t *testing.T) {
	e, store := newTestEngine(t)

	const text = "SELECT o FROM Order o WHERE o.state = :s"
	key, err := e.PutStatement(context.Background(), "Order/state/1", text, 0)
	if err != nil {
		t.Fatalf("PutStatement failed: %v", err)
	}
	if key != "Order/state/1" {
		t.Fatalf("unexpected key in reply: %q", key)
	}

	got, ok := e.GetStatement("Order/state/1")
	if !ok {
		t.Fatal("expected the statement to be cached")
	}
	want, _ := parser.Parse(text)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("cached statement differs from parse(text):\n%#v\n%#v", got, want)
	}

	updates := store.recordedUpdates()
	if len(updates) != 1 || updates[0].Op != replmap.InsertOp || updates[0].Text != text {
		t.Fatalf("unexpected replicated mutations: %+v", updates)
	}
}

func TestEngine_PutParseFailureSurfaced(t *testing.T) {
	e, store := newTestEngine(t)

	_, err := e.PutStatement(context.Background(), "bad", "SELECT FROM WHERE", 0)
	if err == nil {
		t.Fatal("expected a parse error")
	}
	var pe *parser.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("expected *parser.ParseError, got %T: %v", err, err)
	}

	// nothing reached replication and nothing was cached
	if updates := store.recordedUpdates(); len(updates) != 0 {
		t.Fatalf("parse failure must not replicate, got %+v", updates)
	}
	if _, ok := e.GetStatement("bad"); ok {
		t.Fatal("parse failure must not cache")
	}
}

func TestEngine_PutReplicationFailures(t *testing.T) {
	cases := []struct {
		name    string
		outcome replmap.Outcome
		wantErr error
	}{
		{"timeout", replmap.Timeout, regerrors.ErrReplicationTimeout},
		{"invalid usage", replmap.InvalidUsage, regerrors.ErrInvalidUsage},
		{"modify failure", replmap.ModifyFailure, regerrors.ErrModifyFailure},
		{"unknown", replmap.Unknown, regerrors.ErrReplication},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			e, store := newTestEngine(t)
			store.scriptOutcome(replmap.UpdateResult{Outcome: tc.outcome, Err: tc.outcome.Err()})

			_, err := e.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 0)
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("expected %v, got %v", tc.wantErr, err)
			}
			if _, ok := e.GetStatement("k"); ok {
				t.Fatal("failed replication must not cache")
			}
		})
	}
}

func TestEngine_PutOverwritesExistingKey(t *testing.T) {
	e, _ := newTestEngine(t)

	textA := "SELECT o FROM Order o"
	textB := "SELECT o FROM Order o WHERE o.state = :s"

	if _, err := e.PutStatement(context.Background(), "k", textA, 0); err != nil {
		t.Fatalf("first put failed: %v", err)
	}
	if _, err := e.PutStatement(context.Background(), "k", textB, 0); err != nil {
		t.Fatalf("second put failed: %v", err)
	}

	// the cache mirrors the replicated map: the second write wins
	got, ok := e.GetStatement("k")
	if !ok {
		t.Fatal("expected the statement to be cached")
	}
	want, _ := parser.Parse(textB)
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("expected the second text's parse to be cached, got %#v", got)
	}
}

func TestEngine_Remove(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	key, err := e.RemoveStatement(context.Background(), "k")
	if err != nil {
		t.Fatalf("RemoveStatement failed: %v", err)
	}
	if key != "k" {
		t.Fatalf("unexpected key in reply: %q", key)
	}
	if _, ok := e.GetStatement("k"); ok {
		t.Fatal("expected the statement to be gone")
	}
}

func TestEngine_RemoveAbsentKeyIsNoop(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.RemoveStatement(context.Background(), "never-there"); err != nil {
		t.Fatalf("removing an absent key must succeed, got %v", err)
	}
}

func TestEngine_RemoveFailureLeavesCache(t *testing.T) {
	e, store := newTestEngine(t)

	if _, err := e.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	store.scriptOutcome(replmap.UpdateResult{Outcome: replmap.ModifyFailure})
	if _, err := e.RemoveStatement(context.Background(), "k"); !errors.Is(err, regerrors.ErrModifyFailure) {
		t.Fatalf("expected modify failure, got %v", err)
	}

	if _, ok := e.GetStatement("k"); !ok {
		t.Fatal("failed removal must leave the cache untouched")
	}
}

func TestEngine_ChangedConvergence(t *testing.T) {
	e, store := newTestEngine(t)

	snapshots := []map[string]string{
		{
			"a": "SELECT o FROM Order o",
			"b": "SELECT u FROM User u",
		},
		{
			"b": "SELECT u FROM User u",
			"c": "SELECT i FROM Invoice i",
			"d": "this does not parse",
		},
	}

	for _, s := range snapshots {
		store.push(s)
	}

	waitFor(t, func() bool {
		_, hasB := e.GetStatement("b")
		_, hasC := e.GetStatement("c")
		_, hasA := e.GetStatement("a")
		return hasB && hasC && !hasA
	})

	// unparseable entries are omitted, keys absent from the last snapshot
	// are dropped
	if _, ok := e.GetStatement("d"); ok {
		t.Fatal("unparseable snapshot entry must not be cached")
	}
	if _, ok := e.GetStatement("a"); ok {
		t.Fatal("key absent from the last snapshot must be dropped")
	}
}

func TestEngine_ChangedRefreshesDivergedText(t *testing.T) {
	e, store := newTestEngine(t)

	if _, err := e.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	const remote = "SELECT o FROM Order o WHERE o.state = :s"
	store.push(map[string]string{"k": remote})

	want, _ := parser.Parse(remote)
	waitFor(t, func() bool {
		got, ok := e.GetStatement("k")
		return ok && reflect.DeepEqual(got, want)
	})
}

func TestEngine_ChangedUnparseableTextDropsEntry(t *testing.T) {
	e, store := newTestEngine(t)

	if _, err := e.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}

	store.push(map[string]string{"k": "no longer a statement"})

	waitFor(t, func() bool {
		_, ok := e.GetStatement("k")
		return !ok
	})
}

func TestEngine_Scenario(t *testing.T) {
	e, store := newTestEngine(t)
	ctx := context.Background()

	const text = "SELECT o FROM Order o WHERE o.state = :s"
	if _, err := e.PutStatement(ctx, "Order/state/1", text, 0); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	want, _ := parser.Parse(text)
	if got, ok := e.GetStatement("Order/state/1"); !ok || !reflect.DeepEqual(got, want) {
		t.Fatalf("expected parsed statement after put, got %#v", got)
	}

	if _, err := e.RemoveStatement(ctx, "Order/state/1"); err != nil {
		t.Fatalf("remove failed: %v", err)
	}
	if _, ok := e.GetStatement("Order/state/1"); ok {
		t.Fatal("expected absent after remove")
	}

	const shorter = "SELECT o FROM Order o"
	store.push(map[string]string{"Order/state/1": shorter})

	wantShorter, _ := parser.Parse(shorter)
	waitFor(t, func() bool {
		got, ok := e.GetStatement("Order/state/1")
		return ok && reflect.DeepEqual(got, wantShorter)
	})
}

func TestEngine_CacheEntryTTL(t *testing.T) {
	e, _ := newTestEngine(t)

	if _, err := e.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 10*time.Millisecond); err != nil {
		t.Fatalf("put failed: %v", err)
	}
	if _, ok := e.GetStatement("k"); !ok {
		t.Fatal("entry should be live right after put")
	}

	waitFor(t, func() bool {
		_, ok := e.GetStatement("k")
		return !ok
	})
}

func TestNoopRegistry(t *testing.T) {
	var r Registry = Noop{}

	key, err := r.PutStatement(context.Background(), "k", "SELECT o FROM Order o", 0)
	if err != nil || key != "k" {
		t.Fatalf("noop put must succeed with the key, got %q, %v", key, err)
	}
	if _, ok := r.GetStatement("k"); ok {
		t.Fatal("noop registry must never return a statement")
	}
	if _, err := r.RemoveStatement(context.Background(), "k"); err != nil {
		t.Fatalf("noop remove must succeed, got %v", err)
	}
}
