// Package ha implements the reconciliation cycle: a single, pure decision
// procedure run once per tick, mapping the current KV and database state
// onto exactly one action (promote, demote, follow, wait). It depends only
// on narrow interfaces so it is unit-testable without a live etcd cluster
// or PostgreSQL instance.
package ha

import (
	"context"

	"github.com/hashicorp/go-hclog"

	"github.com/go-governor/governor/internal/kv"
)

// StateHandler is the subset of the database state handler the cycle
// drives directly. internal/pg.StateHandler satisfies this.
type StateHandler interface {
	kv.StateHandler
	IsHealthy(ctx context.Context) bool
	IsLeader(ctx context.Context) (bool, error)
	IsHealthiestNode(ctx context.Context, store kv.Store) (bool, error)
	Promote(ctx context.Context) (bool, error)
	Demote(ctx context.Context, leader *kv.Member) error
	FollowTheLeader(ctx context.Context, leader kv.Member) (bool, error)
	FollowNoLeader(ctx context.Context) (bool, error)
}

// Cycle is the HA decision engine. It holds no mutable state of its own;
// every decision is derived fresh each call from the KV store and state
// handler's current answers.
type Cycle struct {
	store  kv.Store
	state  StateHandler
	logger hclog.Logger
}

// New constructs a Cycle.
func New(store kv.Store, state StateHandler, logger hclog.Logger) *Cycle {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &Cycle{store: store, state: state, logger: logger.Named("ha")}
}

// RunCycle executes one reconciliation step and returns a short
// human-readable status describing what action, if any, was taken.
// Rules are evaluated top-to-bottom; the first matching rule fires.
func (c *Cycle) RunCycle(ctx context.Context) string {
	name := c.state.Name()

	// Rule 1: an unhealthy local daemon pre-empts every other decision.
	if !c.state.IsHealthy(ctx) {
		return "not healthy, waiting"
	}

	unlocked, err := c.store.LeaderUnlocked(ctx)
	if err != nil {
		c.logger.Warn("leader_unlocked check failed, no decision this tick", "error", err)
		return "no decision, retrying"
	}

	// Rule 2: no leader currently holds the lock.
	if unlocked {
		return c.runUnlocked(ctx, name)
	}

	amLeader, err := c.store.AmILeader(ctx, name)
	if err != nil {
		c.logger.Warn("am_i_leader check failed, no decision this tick", "error", err)
		return "no decision, retrying"
	}

	// Rule 3: the lock is held, and held by this node.
	if amLeader {
		return c.runAsLeader(ctx)
	}

	// Rule 4: someone else holds the lock.
	return c.runAsFollower(ctx)
}

// runUnlocked implements rule 2: attempt to win an unheld lock, or follow
// whoever has since appeared.
func (c *Cycle) runUnlocked(ctx context.Context, name string) string {
	healthiest, err := c.state.IsHealthiestNode(ctx, c.store)
	if err != nil {
		c.logger.Warn("is_healthiest_node check failed, no decision this tick", "error", err)
		return "no decision, retrying"
	}

	if healthiest {
		acquired, err := c.store.AttemptToAcquireLeader(ctx, name)
		if err != nil {
			c.logger.Warn("attempt_to_acquire_leader failed, no decision this tick", "error", err)
			return "no decision, retrying"
		}
		if acquired {
			if _, err := c.state.Promote(ctx); err != nil {
				c.logger.Error("promote failed after acquiring leader", "error", err)
			}
			return "acquired leader"
		}
	}

	leader, err := c.store.CurrentLeader(ctx)
	if err != nil {
		c.logger.Warn("current_leader lookup failed, no decision this tick", "error", err)
		return "no decision, retrying"
	}
	if leader != nil {
		if _, err := c.state.FollowTheLeader(ctx, *leader); err != nil {
			c.logger.Error("follow_the_leader failed", "error", err)
		}
	} else {
		if _, err := c.state.FollowNoLeader(ctx); err != nil {
			c.logger.Error("follow_no_leader failed", "error", err)
		}
	}
	return "no leader, following"
}

// runAsLeader implements rule 3: refresh the lock, or demote if the
// refresh fails.
func (c *Cycle) runAsLeader(ctx context.Context) string {
	ok, err := c.store.UpdateLeader(ctx, c.state)
	if err != nil || !ok {
		if err != nil {
			c.logger.Warn("update_leader failed, demoting", "error", err)
		} else {
			c.logger.Warn("update_leader lost the lock, demoting")
		}

		leader, lookupErr := c.store.CurrentLeader(ctx)
		if lookupErr != nil || (leader != nil && leader.Hostname == c.state.Name()) {
			leader = nil
		}
		if demoteErr := c.state.Demote(ctx, leader); demoteErr != nil {
			c.logger.Error("demote failed", "error", demoteErr)
		}
		return "demoted"
	}

	isLeader, err := c.state.IsLeader(ctx)
	if err != nil {
		c.logger.Warn("is_leader check failed after update_leader succeeded", "error", err)
	} else if !isLeader {
		if _, err := c.state.Promote(ctx); err != nil {
			c.logger.Error("promote failed while holding the lock", "error", err)
		}
	}

	return "is leader"
}

// runAsFollower implements rule 4: someone else holds the lock.
func (c *Cycle) runAsFollower(ctx context.Context) string {
	leader, err := c.store.CurrentLeader(ctx)
	if err != nil {
		c.logger.Warn("current_leader lookup failed, no decision this tick", "error", err)
		return "no decision, retrying"
	}
	if leader == nil {
		return c.runUnlocked(ctx, c.state.Name())
	}

	if _, err := c.state.FollowTheLeader(ctx, *leader); err != nil {
		c.logger.Error("follow_the_leader failed", "error", err)
	}
	return "following " + leader.Hostname
}
