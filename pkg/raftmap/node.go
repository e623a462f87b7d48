// Package raftmap backs the statement registry with raft consensus: the
// replicated map's mutations are raft proposals, acknowledged once committed
// and applied, and every apply advances the locally observed snapshot that
// subscribers receive.
package raftmap

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/raft/v3"
	"go.etcd.io/etcd/raft/v3/raftpb"

	"queryreg/pkg/config"
	"queryreg/pkg/encoding"
	"queryreg/pkg/replmap"
)

const subscriberBuffer = 64

type iTransport interface {
	Send(msg raftpb.Message) error
	AddPeer(id uint64, addr string)
	RemovePeer(id uint64)
	UpdatePeer(id uint64, addr string)
}

// Node is a raft-replicated map instance implementing replmap.Store.
type Node struct {
	ID     uint64
	Peers  map[uint64]string
	mapKey string

	underlying    raft.Node
	storage       *raft.MemoryStorage
	conf          *raftpb.ConfState
	tickInterval  time.Duration
	transport     iTransport
	codec         *encoding.SnapshotCodec
	snapshotEvery uint64

	ctx  context.Context
	stop context.CancelFunc

	proposalsMu sync.RWMutex
	proposals   map[uuid.UUID]chan proposeResult

	stateMu  sync.Mutex
	entries  map[string]replmap.RawEntry
	applied  uint64
	lastSnap uint64
	subs     []chan replmap.Changed
}

func NewNode(cfg *config.RaftConfig, mapKey string) (*Node, error) {
	rc := toRaftConfig(cfg)
	storage := raft.NewMemoryStorage()
	rc.Storage = storage

	var (
		confState raftpb.ConfState
		peers     = make(map[uint64]string, len(cfg.Peers))
		raftPeers = make([]raft.Peer, 0, len(cfg.Peers))
	)
	for _, p := range cfg.Peers {
		if _, ok := peers[p.ID]; ok {
			return nil, fmt.Errorf("duplicate peer ID %d", p.ID)
		}
		peers[p.ID] = p.Address
		confState.Voters = append(confState.Voters, p.ID)
		raftPeers = append(raftPeers, raft.Peer{
			ID:      p.ID,
			Context: []byte(p.Address),
		})
	}

	codec, err := encoding.NewSnapshotCodec()
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Node{
		ID:            cfg.ID,
		Peers:         peers,
		mapKey:        mapKey,
		conf:          &confState,
		underlying:    raft.StartNode(rc, raftPeers),
		storage:       storage,
		tickInterval:  100 * time.Millisecond,
		transport:     NewTransport(peers),
		codec:         codec,
		snapshotEvery: cfg.SnapshotEvery,
		proposals:     make(map[uuid.UUID]chan proposeResult),
		entries:       make(map[string]replmap.RawEntry),
		ctx:           ctx,
		stop:          cancel,
	}, nil
}

func (n *Node) MapKey() string {
	return n.mapKey
}

// Update implements replmap.Store: the mutation is proposed through raft and
// the returned channel delivers exactly one outcome once the proposal is
// committed and applied, or the timeout elapses.
func (n *Node) Update(ctx context.Context, mut replmap.Mutation, timeout time.Duration) <-chan replmap.UpdateResult {
	out := make(chan replmap.UpdateResult, 1)

	if err := validateMutation(mut); err != nil {
		out <- replmap.UpdateResult{Outcome: replmap.InvalidUsage, Err: err}
		return out
	}

	cmd := newCmd(mut)
	data, err := json.Marshal(cmd)
	if err != nil {
		out <- replmap.UpdateResult{Outcome: replmap.Unknown, Err: fmt.Errorf("marshal command: %w", err)}
		return out
	}

	resultChan := make(chan proposeResult, 1)
	n.proposalsMu.Lock()
	n.proposals[cmd.ID] = resultChan
	n.proposalsMu.Unlock()

	go func() {
		defer func() {
			n.proposalsMu.Lock()
			delete(n.proposals, cmd.ID)
			n.proposalsMu.Unlock()
		}()

		ctx, cancel := context.WithTimeout(ctx, timeout)
		defer cancel()

		if err := n.underlying.Propose(ctx, data); err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				out <- replmap.UpdateResult{Outcome: replmap.Timeout, Err: replmap.Timeout.Err()}
				return
			}
			out <- replmap.UpdateResult{Outcome: replmap.Unknown, Err: fmt.Errorf("propose: %w", err)}
			return
		}

		select {
		case res := <-resultChan:
			if res.Err != nil {
				out <- replmap.UpdateResult{Outcome: replmap.ModifyFailure, Err: res.Err}
				return
			}
			out <- replmap.UpdateResult{Outcome: replmap.Success}
		case <-ctx.Done():
			out <- replmap.UpdateResult{Outcome: replmap.Timeout, Err: replmap.Timeout.Err()}
		}
	}()

	return out
}

func (n *Node) Subscribe(mapKey string) (<-chan replmap.Changed, error) {
	if mapKey != n.mapKey {
		return nil, fmt.Errorf("unknown replicated map %q", mapKey)
	}

	ch := make(chan replmap.Changed, subscriberBuffer)
	n.stateMu.Lock()
	n.subs = append(n.subs, ch)
	snapshot := n.snapshotLocked()
	n.stateMu.Unlock()

	ch <- replmap.Changed{MapKey: n.mapKey, Snapshot: snapshot}
	return ch, nil
}

func validateMutation(mut replmap.Mutation) error {
	switch mut.Op {
	case replmap.InsertOp:
		if mut.Key == "" || mut.Text == "" {
			return fmt.Errorf("invalid mutation: empty key or text")
		}
	case replmap.DeleteOp:
		if mut.Key == "" {
			return fmt.Errorf("invalid mutation: empty key")
		}
	default:
		return fmt.Errorf("unknown mutation op: %v", mut.Op)
	}
	return nil
}

func (n *Node) Run(ctx context.Context) error {
	ticker := time.NewTicker(n.tickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return n.ctx.Err()
		case <-ctx.Done():
			_ = n.Stop()
			return ctx.Err()
		case <-ticker.C:
			n.underlying.Tick()
		case rd := <-n.underlying.Ready():
			if err := n.handleReady(rd); err != nil {
				return err
			}
		}
	}
}

func (n *Node) handleReady(rd raft.Ready) error {
	if err := n.storage.Append(rd.Entries); err != nil {
		return fmt.Errorf("append entries: %w", err)
	}

	if !raft.IsEmptySnap(rd.Snapshot) {
		if err := n.restoreSnapshot(rd.Snapshot); err != nil {
			return fmt.Errorf("restore snapshot: %w", err)
		}
	}

	n.sendMessages(rd.Messages)

	for _, entry := range rd.CommittedEntries {
		if err := n.applyEntry(entry); err != nil {
			slog.Error("critical: failed to apply entry", "error", err)
			return fmt.Errorf("apply entry: %w", err)
		}

		if entry.Type == raftpb.EntryConfChange {
			var cc raftpb.ConfChange
			if err := cc.Unmarshal(entry.Data); err != nil {
				return fmt.Errorf("unmarshal conf change: %w", err)
			}
			n.conf = n.underlying.ApplyConfChange(cc)
			n.updateTransport(cc)
		}
	}

	if err := n.maybeSnapshot(); err != nil {
		slog.Warn("failed to take raft snapshot", "error", err)
	}

	n.underlying.Advance()
	return nil
}

func (n *Node) updateTransport(cc raftpb.ConfChange) {
	switch cc.Type {
	case raftpb.ConfChangeAddNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.AddPeer(cc.NodeID, peerAddr)
		slog.Info("added peer", "id", cc.NodeID, "addr", peerAddr)

	case raftpb.ConfChangeRemoveNode:
		delete(n.Peers, cc.NodeID)
		n.transport.RemovePeer(cc.NodeID)
		slog.Info("removed peer", "id", cc.NodeID)

	case raftpb.ConfChangeUpdateNode:
		peerAddr := string(cc.Context)
		n.Peers[cc.NodeID] = peerAddr
		n.transport.UpdatePeer(cc.NodeID, peerAddr)
		slog.Info("updated peer", "id", cc.NodeID, "addr", peerAddr)
	}
}

func (n *Node) sendMessages(msgs []raftpb.Message) {
	for _, msg := range msgs {
		if msg.To == n.ID {
			continue
		}

		go func(m raftpb.Message) {
			if err := n.transport.Send(m); err != nil {
				slog.Error("failed to send raft message",
					"from", m.From,
					"to", m.To,
					"type", m.Type,
					"error", err)
			}
		}(msg)
	}
}

func (n *Node) applyEntry(entry raftpb.Entry) error {
	if entry.Type != raftpb.EntryNormal || len(entry.Data) == 0 {
		n.stateMu.Lock()
		n.applied = entry.Index
		n.stateMu.Unlock()
		return nil
	}

	var cmd Cmd
	if err := json.Unmarshal(entry.Data, &cmd); err != nil {
		return fmt.Errorf("unmarshal command: %w", err)
	}

	// apply errors are reported to the proposer, never fatal to the node
	err := n.applyCmd(cmd, entry.Index)
	return n.notifyProposalResult(cmd.ID, proposeResult{Err: err})
}

func (n *Node) applyCmd(cmd Cmd, index uint64) error {
	mut := replmap.Mutation{Op: cmd.Op, Key: cmd.Key, Text: cmd.Text}
	if err := validateMutation(mut); err != nil {
		n.stateMu.Lock()
		n.applied = index
		n.stateMu.Unlock()
		return err
	}

	n.stateMu.Lock()
	n.entries[cmd.Key] = replmap.RawEntry{
		Key:     cmd.Key,
		Text:    cmd.Text,
		Rev:     index,
		Deleted: cmd.Op == replmap.DeleteOp,
	}
	n.applied = index
	snapshot := n.snapshotLocked()
	subs := append([]chan replmap.Changed(nil), n.subs...)
	n.stateMu.Unlock()

	n.publish(subs, snapshot)
	return nil
}

// Snapshot returns the live key→text view of the map.
func (n *Node) Snapshot() map[string]string {
	n.stateMu.Lock()
	defer n.stateMu.Unlock()
	return n.snapshotLocked()
}

func (n *Node) snapshotLocked() map[string]string {
	snapshot := make(map[string]string, len(n.entries))
	for k, e := range n.entries {
		if !e.Deleted {
			snapshot[k] = e.Text
		}
	}
	return snapshot
}

func (n *Node) publish(subs []chan replmap.Changed, snapshot map[string]string) {
	ev := replmap.Changed{MapKey: n.mapKey, Snapshot: snapshot}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			slog.Warn("replicated map subscriber is lagging, dropping change event",
				"map_key", n.mapKey)
		}
	}
}

// maybeSnapshot compacts the raft log once enough entries were applied since
// the last snapshot; the map state travels as an avro+zstd payload.
func (n *Node) maybeSnapshot() error {
	if n.snapshotEvery == 0 {
		return nil
	}

	n.stateMu.Lock()
	applied, last := n.applied, n.lastSnap
	var state []replmap.RawEntry
	if applied-last >= n.snapshotEvery {
		state = make([]replmap.RawEntry, 0, len(n.entries))
		for _, e := range n.entries {
			state = append(state, e)
		}
		n.lastSnap = applied
	}
	n.stateMu.Unlock()

	if state == nil {
		return nil
	}

	data, err := n.codec.Encode(state)
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if _, err := n.storage.CreateSnapshot(applied, n.conf, data); err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	if err := n.storage.Compact(applied); err != nil && !errors.Is(err, raft.ErrCompacted) {
		return fmt.Errorf("compact log: %w", err)
	}

	slog.Info("raft snapshot taken", "map_key", n.mapKey, "applied", applied)
	return nil
}

func (n *Node) restoreSnapshot(snap raftpb.Snapshot) error {
	if err := n.storage.ApplySnapshot(snap); err != nil {
		return err
	}

	state, err := n.codec.Decode(snap.Data)
	if err != nil {
		return err
	}

	n.stateMu.Lock()
	n.entries = make(map[string]replmap.RawEntry, len(state))
	for _, e := range state {
		n.entries[e.Key] = e
	}
	n.applied = snap.Metadata.Index
	n.lastSnap = snap.Metadata.Index
	snapshot := n.snapshotLocked()
	subs := append([]chan replmap.Changed(nil), n.subs...)
	n.stateMu.Unlock()

	n.publish(subs, snapshot)
	slog.Info("raft snapshot restored", "map_key", n.mapKey, "index", snap.Metadata.Index)
	return nil
}

func (n *Node) IsLeader() bool {
	return n.underlying.Status().Lead == n.ID
}

func (n *Node) LeaderAddr() string {
	leaderID := n.underlying.Status().Lead
	return n.Peers[leaderID]
}

func (n *Node) LeaderID() uint64 {
	return n.underlying.Status().Lead
}

type proposeResult struct {
	Err error
}

func (n *Node) notifyProposalResult(cmdID uuid.UUID, result proposeResult) error {
	n.proposalsMu.RLock()
	resultChan, ok := n.proposals[cmdID]
	n.proposalsMu.RUnlock()

	if !ok {
		// follower applies, or the proposer already gave up
		slog.Debug("proposal result channel not found (ignored)", "cmd_id", cmdID, "is_leader", n.IsLeader())
		return nil
	}

	select {
	case resultChan <- result:
	default:
		slog.Debug("proposal result channel is full (ignored)", "cmd_id", cmdID)
	}
	return nil
}

// Handle feeds a raft message received from a peer into the state machine.
func (n *Node) Handle(ctx context.Context, msg raftpb.Message) error {
	return n.underlying.Step(ctx, msg)
}

func (n *Node) Stop() error {
	slog.Info("stopping raft node", "id", n.ID)

	n.underlying.Stop()
	n.stop()

	n.proposalsMu.Lock()
	for _, resultChan := range n.proposals {
		select {
		case resultChan <- proposeResult{Err: fmt.Errorf("node stopped")}:
		default:
		}
		close(resultChan)
	}
	n.proposalsMu.Unlock()

	slog.Info("raft node stopped", "id", n.ID)
	return nil
}
