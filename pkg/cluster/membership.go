// Package cluster decides whether this node participates in the statement
// registry: membership lives in ZooKeeper as ephemeral nodes whose data
// carries the node's roles.
package cluster

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"
)

// Membership registers this node in ZooKeeper and answers role queries.
type Membership struct {
	conn     *zk.Conn
	rootPath string
	local    string // node addr
	roles    []string
}

// servers: ["zk1:2181", "zk2:2181"]
func NewMembership(servers []string, rootPath, localAddr string, roles []string) (*Membership, error) {
	conn, _, err := zk.Connect(servers, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("zk connect: %w", err)
	}
	return &Membership{
		conn:     conn,
		rootPath: rootPath,
		local:    localAddr,
		roles:    roles,
	}, nil
}

func (m *Membership) Close() error {
	m.conn.Close()
	return nil
}

func (m *Membership) ensurePath(path string) error {
	parts := strings.Split(path, "/")
	cur := ""
	for _, p := range parts {
		if p == "" {
			continue
		}
		cur = cur + "/" + p
		exists, _, err := m.conn.Exists(cur)
		if err != nil {
			return err
		}
		if !exists {
			_, err = m.conn.Create(cur, nil, 0, zk.WorldACL(zk.PermAll))
			if err != nil && err != zk.ErrNodeExists {
				return err
			}
		}
	}
	return nil
}

// RegisterSelf creates the ephemeral znode for this node, with its roles as
// the node data.
func (m *Membership) RegisterSelf() error {
	if err := m.waitConnected(10 * time.Second); err != nil {
		return err
	}

	if err := m.ensurePath(m.rootPath + "/nodes"); err != nil {
		return fmt.Errorf("ensure nodes path: %w", err)
	}

	nodePath := fmt.Sprintf("%s/nodes/%s", m.rootPath, m.local)
	data := []byte(strings.Join(m.roles, ","))

	_, err := m.conn.Create(nodePath, data, zk.FlagEphemeral, zk.WorldACL(zk.PermAll))
	if err != nil && err != zk.ErrNodeExists {
		return fmt.Errorf("create ephemeral node: %w", err)
	}

	slog.Info("registered cluster node", "path", nodePath, "roles", m.roles)
	return nil
}

// Active reports whether this node currently holds a ZooKeeper session.
func (m *Membership) Active() bool {
	st := m.conn.State()
	return st == zk.StateConnected || st == zk.StateHasSession
}

// Participates decides whether this node takes part in a registry scoped to
// requiredRole. An empty requiredRole admits every active member.
func (m *Membership) Participates(requiredRole string) bool {
	if !m.Active() {
		return false
	}
	return RolesMatch(m.roles, requiredRole)
}

// Members lists the currently registered node addresses.
func (m *Membership) Members() ([]string, error) {
	children, _, err := m.conn.Children(m.rootPath + "/nodes")
	if err != nil {
		return nil, fmt.Errorf("zk children: %w", err)
	}
	return children, nil
}

// MemberRoles returns the roles a registered member advertises.
func (m *Membership) MemberRoles(addr string) ([]string, error) {
	data, _, err := m.conn.Get(fmt.Sprintf("%s/nodes/%s", m.rootPath, addr))
	if err != nil {
		return nil, fmt.Errorf("zk get: %w", err)
	}
	if len(data) == 0 {
		return nil, nil
	}
	return strings.Split(string(data), ","), nil
}

// RunWatch follows membership changes until ctx is cancelled, invoking
// onChange with the current member list after every change.
func (m *Membership) RunWatch(ctx context.Context, onChange func(members []string)) {
	go func() {
		for {
			children, _, ch, err := m.conn.ChildrenW(m.rootPath + "/nodes")
			if err != nil {
				slog.Warn("zk watch error", "error", err)
				select {
				case <-time.After(2 * time.Second):
					continue
				case <-ctx.Done():
					return
				}
			}

			onChange(children)

			select {
			case ev := <-ch:
				slog.Debug("zk membership event", "type", ev.Type.String(), "path", ev.Path)
			case <-ctx.Done():
				slog.Info("zk watch stopped")
				return
			}
		}
	}()
}

func (m *Membership) waitConnected(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	for {
		st := m.conn.State()
		if st == zk.StateConnected || st == zk.StateHasSession {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("zk: not connected after %s, state=%v", timeout, st)
		}
		time.Sleep(200 * time.Millisecond)
	}
}

// RolesMatch reports whether a node carrying roles may participate in a
// registry requiring requiredRole.
func RolesMatch(roles []string, requiredRole string) bool {
	if requiredRole == "" {
		return true
	}
	for _, r := range roles {
		if r == requiredRole {
			return true
		}
	}
	return false
}
