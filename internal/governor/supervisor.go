// Package governor is the supervisor driver: the composition root that
// sequences startup, runs the main HA loop, and executes a best-effort
// shutdown on signal. It owns no domain logic of its own -- every
// decision is delegated to internal/kv, internal/pg, and internal/ha.
package governor

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"

	"github.com/go-governor/governor/internal/ha"
	"github.com/go-governor/governor/internal/kv"
	"github.com/go-governor/governor/internal/telemetry"
)

// StateHandler is the subset of the database state handler the
// supervisor drives directly during startup and shutdown.
// internal/pg.StateHandler satisfies this.
type StateHandler interface {
	ha.StateHandler
	DataDirectoryEmpty() (bool, error)
	Initialize(ctx context.Context) error
	SyncFromLeader(ctx context.Context, leader kv.Member) (bool, error)
	WriteRecoveryConf(ctx context.Context, leader kv.Member) error
	Start(ctx context.Context, master bool) (bool, error)
	Stop(ctx context.Context) error
	CreateReplicationSlot(ctx context.Context, member kv.Member) error
	AdvertisedConnectionString() string
}

// touchMemberBackoff is the fixed retry interval the startup sequence
// waits between failed touch_member attempts, per spec.md §5's 2-5s KV
// retry window.
const touchMemberBackoff = 3 * time.Second

// syncRetryBackoff is the grace period between iterations of the
// empty-data-directory sync loop.
const syncRetryBackoff = 5 * time.Second

// Supervisor sequences startup, runs the main loop, and executes
// shutdown. It is constructed once per process.
type Supervisor struct {
	store    kv.Store
	state    StateHandler
	cycle    *ha.Cycle
	loopWait time.Duration
	clock    clockwork.Clock
	logger   hclog.Logger
	metrics  telemetry.Sink
}

// New constructs a Supervisor.
func New(store kv.Store, state StateHandler, cycle *ha.Cycle, loopWait time.Duration, clock clockwork.Clock, logger hclog.Logger, metrics telemetry.Sink) *Supervisor {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	if metrics == nil {
		metrics = telemetry.NewSink()
	}
	return &Supervisor{
		store:    store,
		state:    state,
		cycle:    cycle,
		loopWait: loopWait,
		clock:    clock,
		logger:   logger.Named("governor"),
		metrics:  metrics,
	}
}

// Run executes the startup sequence, then the main loop, until ctx is
// cancelled. It returns nil on graceful shutdown and a non-nil error on
// unrecoverable initialization failure.
func (s *Supervisor) Run(ctx context.Context) error {
	if err := s.startup(ctx); err != nil {
		return err
	}
	s.mainLoop(ctx)
	return nil
}

// startup implements spec.md §4.4's startup sequence.
func (s *Supervisor) startup(ctx context.Context) error {
	name := s.state.Name()
	address := s.state.AdvertisedConnectionString()

	for {
		if err := s.store.TouchMember(ctx, name, address); err == nil {
			break
		} else {
			s.logger.Warn("touch_member failed during startup, retrying", "error", err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(touchMemberBackoff):
		}
	}

	empty, err := s.state.DataDirectoryEmpty()
	if err != nil {
		return err
	}

	if empty {
		return s.startupEmptyDataDir(ctx, name)
	}
	return s.startupExistingDataDir(ctx)
}

func (s *Supervisor) startupEmptyDataDir(ctx context.Context, name string) error {
	won, err := s.store.Race(ctx, "/initialize", name)
	if err != nil {
		s.logger.Warn("initialize race check failed, falling back to sync path", "error", err)
		won = false
	}

	if won {
		s.logger.Info("won initialize race, bootstrapping new cluster")
		if err := s.state.Initialize(ctx); err != nil {
			return err
		}
		if err := s.store.TakeLeader(ctx, name); err != nil {
			s.logger.Error("take_leader failed after winning initialize race", "error", err)
		}
		if _, err := s.state.Start(ctx, true); err != nil {
			return err
		}
		return nil
	}

	s.logger.Info("lost initialize race, waiting to sync from leader")
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.clock.After(syncRetryBackoff):
		}

		leader, err := s.store.CurrentLeader(ctx)
		if err != nil {
			s.logger.Warn("current_leader lookup failed while waiting to sync", "error", err)
			continue
		}
		if leader == nil {
			continue
		}

		ok, err := s.state.SyncFromLeader(ctx, *leader)
		if err != nil {
			return err
		}
		if !ok {
			s.logger.Warn("sync_from_leader did not complete, retrying", "leader", leader.Hostname)
			continue
		}

		if err := s.state.WriteRecoveryConf(ctx, *leader); err != nil {
			return err
		}
		_, err = s.state.Start(ctx, false)
		return err
	}
}

func (s *Supervisor) startupExistingDataDir(ctx context.Context) error {
	s.logger.Info("data directory already initialized, starting as follower pending first cycle")
	if _, err := s.state.FollowNoLeader(ctx); err != nil {
		s.logger.Warn("follow_no_leader failed during startup", "error", err)
	}
	_, err := s.state.Start(ctx, false)
	return err
}

// mainLoop implements spec.md §4.4's main loop: run one HA cycle, create
// any missing replication slots if this node is the leader, touch this
// node's membership key, then sleep.
func (s *Supervisor) mainLoop(ctx context.Context) {
	name := s.state.Name()
	address := s.state.AdvertisedConnectionString()

	for {
		s.tick(ctx, name, address)

		select {
		case <-ctx.Done():
			s.shutdown(context.Background())
			return
		case <-s.clock.After(s.loopWait):
		}
	}
}

func (s *Supervisor) tick(ctx context.Context, name, address string) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("recovered from panic during cycle", "panic", r)
		}
	}()

	start := s.clock.Now()
	status := s.cycle.RunCycle(ctx)
	s.metrics.MeasureCycleDuration(start)
	s.metrics.IncrCycleOutcome(status)
	s.logger.Info("cycle complete", "status", status)

	isLeader, err := s.state.IsLeader(ctx)
	if err != nil {
		s.logger.Warn("is_leader check failed after cycle", "error", err)
	} else if isLeader {
		members, err := s.store.Members(ctx)
		if err != nil {
			s.logger.Warn("members lookup failed, skipping slot maintenance this tick", "error", err)
		} else {
			for _, m := range members {
				if m.Hostname == name {
					continue
				}
				if err := s.state.CreateReplicationSlot(ctx, m); err != nil {
					s.logger.Warn("create_replication_slot failed", "member", m.Hostname, "error", err)
				}
			}
		}
	}

	if err := s.store.TouchMember(ctx, name, address); err != nil {
		s.logger.Warn("touch_member failed", "error", err)
	}
}

// shutdown executes the best-effort graceful shutdown sequence: abdicate
// if leader, delete this node's membership key, stop the daemon.
func (s *Supervisor) shutdown(ctx context.Context) {
	name := s.state.Name()

	amLeader, err := s.store.AmILeader(ctx, name)
	if err != nil {
		s.logger.Warn("am_i_leader check failed during shutdown", "error", err)
	} else if amLeader {
		if err := s.store.Abdicate(ctx, name); err != nil && !errors.Is(err, kv.ErrCompareFailed) {
			s.logger.Warn("abdicate failed during shutdown", "error", err)
		}
	}

	if err := s.store.DeleteMember(ctx, name); err != nil {
		s.logger.Warn("delete_member failed during shutdown", "error", err)
	}

	if err := s.state.Stop(ctx); err != nil {
		s.logger.Warn("stop failed during shutdown", "error", err)
	}
}
