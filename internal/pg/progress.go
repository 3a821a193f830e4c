package pg

import (
	"context"
	"time"

	"github.com/go-governor/governor/internal/kv"
)

// probeTimeout bounds any single SQL round-trip this package performs
// outside of an explicit caller-supplied context (LastOperation, as
// required by kv.StateHandler's no-context signature).
const probeTimeout = 5 * time.Second

// LastOperation returns this node's replication progress as a byte
// offset, comparable across roles: pg_current_wal_lsn() on a leader,
// the greater of received/replayed WAL on a follower.
func (s *StateHandler) LastOperation() (int64, error) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()

	isLeader, err := s.IsLeader(ctx)
	if err != nil {
		return 0, err
	}
	if isLeader {
		return s.probe.CurrentLSN(ctx, s.dsn(""))
	}
	return s.probe.ReplayLSN(ctx, s.dsn(""))
}

// IsHealthiestNode reports whether no currently-reachable peer has made
// more replication progress than this node. A peer that cannot be reached
// within probeTimeout is excluded rather than treated as ahead: a
// temporarily partitioned peer must not block an otherwise-eligible
// promotion.
func (s *StateHandler) IsHealthiestNode(ctx context.Context, store kv.Store) (bool, error) {
	mine, err := s.LastOperation()
	if err != nil {
		return false, &TransientError{Op: "is_healthiest_node", Cause: err}
	}

	lastLeaderOp, err := store.LastLeaderOperation(ctx)
	if err != nil {
		return false, err
	}
	if lastLeaderOp != nil && *lastLeaderOp-mine > s.cfg.MaximumLagOnFailover {
		s.logger.Info("disqualified from promotion, exceeds maximum lag on failover",
			"lag", *lastLeaderOp-mine, "max", s.cfg.MaximumLagOnFailover)
		return false, nil
	}

	members, err := store.Members(ctx)
	if err != nil {
		return false, err
	}

	for _, m := range members {
		if m.Hostname == s.cfg.Name {
			continue
		}

		peerCtx, cancel := context.WithTimeout(ctx, probeTimeout)
		theirs, err := s.probe.ReplayLSN(peerCtx, s.dsn(hostOf(m.Address)))
		cancel()
		if err != nil {
			s.logger.Debug("peer unreachable during healthiest-node check, excluding", "peer", m.Hostname, "error", err)
			continue
		}
		if theirs > mine {
			return false, nil
		}
	}

	return true, nil
}
