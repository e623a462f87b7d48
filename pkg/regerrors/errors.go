package regerrors

import "errors"

var (
	ErrReplicationTimeout = errors.New("queryreg: replication timeout")
	ErrInvalidUsage       = errors.New("queryreg: invalid replication request")
	ErrModifyFailure      = errors.New("queryreg: replicated map modify failure")
	ErrReplication        = errors.New("queryreg: replication failure")
	ErrClosed             = errors.New("queryreg: closed")
)
