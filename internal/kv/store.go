// Package kv implements the lease-based membership and leader-lock
// primitives the supervisor uses to coordinate across nodes. All state
// lives under /service/<scope> in the backing etcd cluster; compare-and-swap
// plus TTL expiry are the only synchronization primitives. There is no
// cross-node RPC in this package.
package kv

import (
	"context"
	"errors"
)

// Sentinel errors returned by Store methods. Callers use errors.Is to
// distinguish "no decision this tick" conditions (ErrKeyNotFound) from
// contention losses (ErrCompareFailed, ErrAlreadyExists).
var (
	ErrKeyNotFound   = errors.New("kv: key not found")
	ErrCompareFailed = errors.New("kv: compare failed")
	ErrAlreadyExists = errors.New("kv: key already exists")
)

// Member is a single node's membership record: the key is its hostname,
// the value its advertised connection address.
type Member struct {
	Hostname string
	Address  string
}

// StateHandler is the subset of the database state handler the KV client
// needs in order to publish replication progress alongside the leader
// lock. internal/pg.StateHandler satisfies this.
type StateHandler interface {
	Name() string
	LastOperation() (int64, error)
}

// Store is the KV coordination client described in the core's design:
// leased membership, a single leader lock, and the compare-and-swap
// primitives both are built from.
type Store interface {
	// TouchMember writes /members/<name> = address with the configured TTL,
	// refreshing the lease if the key already exists.
	TouchMember(ctx context.Context, name, address string) error

	// DeleteMember unconditionally deletes /members/<name>.
	DeleteMember(ctx context.Context, name string) error

	// Members enumerates /members/, returning an empty slice (not an error)
	// when the directory is absent.
	Members(ctx context.Context) ([]Member, error)

	// CurrentLeader reads /leader then /members/<hostname>. It returns
	// (nil, nil) if either key is absent -- this is a first-class nullable
	// result, not ErrKeyNotFound.
	CurrentLeader(ctx context.Context) (*Member, error)

	// TakeLeader unconditionally writes /leader = name with TTL. Used
	// immediately after winning the initialization race, where no other
	// writer could possibly hold the lock yet.
	TakeLeader(ctx context.Context, name string) error

	// AttemptToAcquireLeader performs a CAS create of /leader = name,
	// succeeding only if the key does not already exist.
	AttemptToAcquireLeader(ctx context.Context, name string) (bool, error)

	// UpdateLeader refreshes /leader = name (prior value must equal name,
	// up to 10 attempts) then writes /optime/leader = sh.LastOperation()
	// (up to 2 attempts). A false result means the lock was lost and the
	// caller must demote.
	UpdateLeader(ctx context.Context, sh StateHandler) (bool, error)

	// LastLeaderOperation reads /optime/leader, returning nil if absent.
	LastLeaderOperation(ctx context.Context) (*int64, error)

	// LeaderUnlocked reports whether /leader is currently absent.
	LeaderUnlocked(ctx context.Context) (bool, error)

	// AmILeader reports whether /leader reads exactly name.
	AmILeader(ctx context.Context, name string) (bool, error)

	// Abdicate deletes /leader conditioned on its prior value equaling name.
	Abdicate(ctx context.Context, name string) error

	// Race performs a CAS create of path = value, used for the
	// /initialize bootstrap sentinel.
	Race(ctx context.Context, path, value string) (bool, error)
}
