package replmap

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

const subscriberBuffer = 64

// Memory is an in-process replicated map: a last-writer-wins register per key
// with a lamport revision and tombstones, so two instances converge to the
// same state regardless of merge order. It backs single-node deployments and
// the engine's tests; cross-node transport is out of its scope.
type Memory struct {
	mapKey string

	mu      sync.Mutex
	rev     uint64
	entries map[string]RawEntry
	subs    []chan Changed
}

func NewMemory(mapKey string) *Memory {
	return &Memory{
		mapKey:  mapKey,
		entries: make(map[string]RawEntry),
	}
}

func (m *Memory) MapKey() string {
	return m.mapKey
}

func (m *Memory) Update(ctx context.Context, mut Mutation, timeout time.Duration) <-chan UpdateResult {
	out := make(chan UpdateResult, 1)

	if !validate(mut) {
		out <- UpdateResult{Outcome: InvalidUsage, Err: InvalidUsage.Err()}
		return out
	}

	select {
	case <-ctx.Done():
		out <- UpdateResult{Outcome: Timeout, Err: Timeout.Err()}
		return out
	default:
	}

	m.mu.Lock()
	m.rev++
	m.entries[mut.Key] = RawEntry{
		Key:     mut.Key,
		Text:    mut.Text,
		Rev:     m.rev,
		Deleted: mut.Op == DeleteOp,
	}
	snapshot := m.snapshotLocked()
	subs := append([]chan Changed(nil), m.subs...)
	m.mu.Unlock()

	m.publish(subs, snapshot)
	out <- UpdateResult{Outcome: Success}
	return out
}

func (m *Memory) Subscribe(mapKey string) (<-chan Changed, error) {
	if mapKey != m.mapKey {
		return nil, fmt.Errorf("unknown replicated map %q", mapKey)
	}

	ch := make(chan Changed, subscriberBuffer)
	m.mu.Lock()
	m.subs = append(m.subs, ch)
	snapshot := m.snapshotLocked()
	m.mu.Unlock()

	// new subscribers start from the current state
	ch <- Changed{MapKey: m.mapKey, Snapshot: snapshot}
	return ch, nil
}

// Merge folds remote entries into the local state, last writer wins. Equal
// revisions tie-break on the larger text so both sides settle identically.
// Subscribers observe the merged state as one Changed event.
func (m *Memory) Merge(remote []RawEntry) {
	m.mu.Lock()
	for _, re := range remote {
		cur, ok := m.entries[re.Key]
		if !ok || re.Rev > cur.Rev || (re.Rev == cur.Rev && re.Text > cur.Text) {
			m.entries[re.Key] = re
		}
		if re.Rev > m.rev {
			m.rev = re.Rev
		}
	}
	snapshot := m.snapshotLocked()
	subs := append([]chan Changed(nil), m.subs...)
	m.mu.Unlock()

	m.publish(subs, snapshot)
}

// State exports every entry including tombstones, for merging and snapshots.
func (m *Memory) State() []RawEntry {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]RawEntry, 0, len(m.entries))
	for _, e := range m.entries {
		out = append(out, e)
	}
	return out
}

// Snapshot returns the live key→text view.
func (m *Memory) Snapshot() map[string]string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.snapshotLocked()
}

func (m *Memory) snapshotLocked() map[string]string {
	snapshot := make(map[string]string, len(m.entries))
	for k, e := range m.entries {
		if !e.Deleted {
			snapshot[k] = e.Text
		}
	}
	return snapshot
}

func (m *Memory) publish(subs []chan Changed, snapshot map[string]string) {
	ev := Changed{MapKey: m.mapKey, Snapshot: snapshot}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("replicated map subscriber is lagging, dropping change event",
				"map_key", m.mapKey)
		}
	}
}
