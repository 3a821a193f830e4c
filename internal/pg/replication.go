package pg

import (
	"context"
	"os"

	"github.com/go-governor/governor/internal/kv"
)

// Promote brings a follower to read-write. It is a restart: PostgreSQL has
// no in-place promotion that survives the recovery signal files this
// handler manages, so Promote removes them and restarts the daemon.
func (s *StateHandler) Promote(ctx context.Context) (bool, error) {
	s.logger.Info("promoting to leader")
	ready, err := s.Restart(ctx, true)
	if err != nil {
		return false, &TransientError{Op: "promote", Cause: err}
	}
	return ready, nil
}

// Demote stops advertising as read-write and starts following leader (or
// no one, if leader is nil, meaning the last known leader is also gone).
func (s *StateHandler) Demote(ctx context.Context, leader *kv.Member) error {
	s.logger.Info("demoting")
	if leader == nil {
		if err := os.WriteFile(s.replicationConfPath(), nil, 0o600); err != nil {
			return &TransientError{Op: "demote", Cause: err}
		}
		if err := os.WriteFile(s.standbySignalPath(), nil, 0o600); err != nil {
			return &TransientError{Op: "demote", Cause: err}
		}
		s.mu.Lock()
		s.upstream = ""
		s.mu.Unlock()
		if s.IsRunning() {
			_, err := s.Restart(ctx, false)
			return err
		}
		_, err := s.FollowNoLeader(ctx)
		return err
	}
	_, err := s.FollowTheLeader(ctx, *leader)
	return err
}

// FollowTheLeader points this node's recovery configuration at leader. A
// daemon that is either currently read-write or already streaming from a
// different upstream must be stopped and restarted: PostgreSQL has no
// in-place way to flip a live postmaster from primary to standby, or to
// pick up a changed primary_conninfo, without a restart.
func (s *StateHandler) FollowTheLeader(ctx context.Context, leader kv.Member) (bool, error) {
	running := s.IsRunning()

	var wasLeader bool
	if running {
		var err error
		wasLeader, err = s.IsLeader(ctx)
		if err != nil {
			return false, &TransientError{Op: "follow_the_leader", Cause: err}
		}
	}

	s.mu.Lock()
	sameUpstream := s.upstream == leader.Address
	s.mu.Unlock()

	if err := s.writeReadOnlyConf(leader.Address); err != nil {
		return false, &TransientError{Op: "follow_the_leader", Cause: err}
	}
	s.mu.Lock()
	s.upstream = leader.Address
	s.mu.Unlock()

	if !running {
		return s.Start(ctx, false)
	}
	if wasLeader || !sameUpstream {
		return s.Restart(ctx, false)
	}
	return true, nil
}

// FollowNoLeader is used when no leader is known at all. It does not touch
// the recovery configuration: a daemon that is not running is started in
// whatever role the data directory's files give it, and a running daemon is
// left as it is, read-write or not. No primary_conninfo is set.
func (s *StateHandler) FollowNoLeader(ctx context.Context) (bool, error) {
	if !s.IsRunning() {
		return s.Start(ctx, false)
	}
	return true, nil
}

// CreateReplicationSlot idempotently creates the physical slot a follower
// named member will use, against the local (leader) daemon.
func (s *StateHandler) CreateReplicationSlot(ctx context.Context, member kv.Member) error {
	return s.probe.EnsureReplicationSlot(ctx, s.dsn(""), slotName(member.Hostname))
}
