// Package replmap defines the boundary to the replicated key-value map that
// backs the statement registry, plus an in-process implementation of it.
//
// The registry core only depends on the Store interface: asynchronous updates
// acknowledged per-request, and a subscription stream of full snapshots
// emitted every time the locally observed map state advances.
package replmap

import (
	"context"
	"time"

	"queryreg/pkg/regerrors"
)

type Op uint8

const (
	InsertOp Op = iota
	DeleteOp
)

// Mutation is one requested change to the replicated map.
type Mutation struct {
	Op   Op
	Key  string
	Text string
}

// Outcome classifies how a replication request ended.
type Outcome uint8

const (
	Success Outcome = iota
	Timeout
	InvalidUsage
	ModifyFailure
	Unknown
)

func (o Outcome) String() string {
	switch o {
	case Success:
		return "success"
	case Timeout:
		return "timeout"
	case InvalidUsage:
		return "invalid-usage"
	case ModifyFailure:
		return "modify-failure"
	default:
		return "unknown"
	}
}

// Err maps the outcome to its sentinel error, nil for Success.
func (o Outcome) Err() error {
	switch o {
	case Success:
		return nil
	case Timeout:
		return regerrors.ErrReplicationTimeout
	case InvalidUsage:
		return regerrors.ErrInvalidUsage
	case ModifyFailure:
		return regerrors.ErrModifyFailure
	default:
		return regerrors.ErrReplication
	}
}

// UpdateResult is the acknowledged outcome of one Update call.
type UpdateResult struct {
	Outcome Outcome
	Err     error
}

// Changed carries a full key→text view of the map, delivered whenever the
// locally observed state advances (including from remote writes).
type Changed struct {
	MapKey   string
	Snapshot map[string]string
}

// RawEntry is the replicated representation of one mapping, including the
// merge metadata. Used by store implementations and the snapshot codec.
type RawEntry struct {
	Key     string
	Text    string
	Rev     uint64
	Deleted bool
}

// Store is the replicated map as seen by the reconciliation engine.
type Store interface {
	// MapKey identifies the replicated map instance this store manages.
	MapKey() string

	// Update requests a mutation and returns a channel that delivers exactly
	// one acknowledged outcome. The call itself never blocks; timeout bounds
	// how long the acknowledgment may take.
	Update(ctx context.Context, mut Mutation, timeout time.Duration) <-chan UpdateResult

	// Subscribe registers for Changed snapshots of the named map.
	Subscribe(mapKey string) (<-chan Changed, error)
}

func validate(mut Mutation) bool {
	switch mut.Op {
	case InsertOp:
		return mut.Key != "" && mut.Text != ""
	case DeleteOp:
		return mut.Key != ""
	default:
		return false
	}
}
