package raftmap

import (
	"github.com/google/uuid"

	"queryreg/pkg/replmap"
)

// Cmd is one proposed registry mutation. The ID correlates the raft apply
// with the Update call awaiting its acknowledgment.
type Cmd struct {
	Op   replmap.Op `json:"op"`
	Key  string     `json:"key"`
	Text string     `json:"text"`
	ID   uuid.UUID  `json:"id"`
}

func newCmd(mut replmap.Mutation) Cmd {
	return Cmd{
		Op:   mut.Op,
		Key:  mut.Key,
		Text: mut.Text,
		ID:   uuid.New(),
	}
}
