package ha

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/go-governor/governor/internal/kv"
)

type fakeStore struct {
	leaderUnlocked    bool
	leaderUnlockedErr error

	amLeader    bool
	amLeaderErr error

	currentLeader    *kv.Member
	currentLeaderErr error

	acquireOK  bool
	acquireErr error

	updateOK  bool
	updateErr error

	acquireCalled bool
	updateCalled  bool
}

func (f *fakeStore) TouchMember(ctx context.Context, name, address string) error { return nil }
func (f *fakeStore) DeleteMember(ctx context.Context, name string) error         { return nil }
func (f *fakeStore) Members(ctx context.Context) ([]kv.Member, error)            { return nil, nil }

func (f *fakeStore) CurrentLeader(ctx context.Context) (*kv.Member, error) {
	return f.currentLeader, f.currentLeaderErr
}

func (f *fakeStore) TakeLeader(ctx context.Context, name string) error { return nil }

func (f *fakeStore) AttemptToAcquireLeader(ctx context.Context, name string) (bool, error) {
	f.acquireCalled = true
	return f.acquireOK, f.acquireErr
}

func (f *fakeStore) UpdateLeader(ctx context.Context, sh kv.StateHandler) (bool, error) {
	f.updateCalled = true
	return f.updateOK, f.updateErr
}

func (f *fakeStore) LastLeaderOperation(ctx context.Context) (*int64, error) { return nil, nil }

func (f *fakeStore) LeaderUnlocked(ctx context.Context) (bool, error) {
	return f.leaderUnlocked, f.leaderUnlockedErr
}

func (f *fakeStore) AmILeader(ctx context.Context, name string) (bool, error) {
	return f.amLeader, f.amLeaderErr
}

func (f *fakeStore) Abdicate(ctx context.Context, name string) error { return nil }

func (f *fakeStore) Race(ctx context.Context, path, value string) (bool, error) { return false, nil }

type fakeState struct {
	name string

	healthy  bool
	isLeader bool
	isLeaderErr error

	healthiest    bool
	healthiestErr error

	promoteCalled bool
	promoteErr    error

	demoteCalled bool
	demoteLeader *kv.Member
	demoteErr    error

	followLeaderCalled bool
	followLeaderArg    kv.Member
	followLeaderErr    error

	followNoLeaderCalled bool
	followNoLeaderErr    error
}

func (f *fakeState) Name() string                          { return f.name }
func (f *fakeState) LastOperation() (int64, error)         { return 0, nil }
func (f *fakeState) IsHealthy(ctx context.Context) bool     { return f.healthy }

func (f *fakeState) IsLeader(ctx context.Context) (bool, error) { return f.isLeader, f.isLeaderErr }

func (f *fakeState) IsHealthiestNode(ctx context.Context, store kv.Store) (bool, error) {
	return f.healthiest, f.healthiestErr
}

func (f *fakeState) Promote(ctx context.Context) (bool, error) {
	f.promoteCalled = true
	return true, f.promoteErr
}

func (f *fakeState) Demote(ctx context.Context, leader *kv.Member) error {
	f.demoteCalled = true
	f.demoteLeader = leader
	return f.demoteErr
}

func (f *fakeState) FollowTheLeader(ctx context.Context, leader kv.Member) (bool, error) {
	f.followLeaderCalled = true
	f.followLeaderArg = leader
	return true, f.followLeaderErr
}

func (f *fakeState) FollowNoLeader(ctx context.Context) (bool, error) {
	f.followNoLeaderCalled = true
	return true, f.followNoLeaderErr
}

func TestRunCycle_Rule1_NotHealthy(t *testing.T) {
	store := &fakeStore{}
	state := &fakeState{name: "node-a", healthy: false}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "not healthy, waiting", status)
	require.False(t, store.acquireCalled)
}

func TestRunCycle_Rule2a_AcquiresLeaderWhenHealthiest(t *testing.T) {
	store := &fakeStore{leaderUnlocked: true, acquireOK: true}
	state := &fakeState{name: "node-a", healthy: true, healthiest: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "acquired leader", status)
	require.True(t, state.promoteCalled)
}

func TestRunCycle_Rule2a_LosesRaceFallsBackToFollow(t *testing.T) {
	leader := &kv.Member{Hostname: "node-b", Address: "node-b:5432"}
	store := &fakeStore{leaderUnlocked: true, acquireOK: false, currentLeader: leader}
	state := &fakeState{name: "node-a", healthy: true, healthiest: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "no leader, following", status)
	require.False(t, state.promoteCalled)
	require.True(t, state.followLeaderCalled)
	require.Equal(t, *leader, state.followLeaderArg)
}

func TestRunCycle_Rule2b_NotHealthiestFollowsExistingLeader(t *testing.T) {
	leader := &kv.Member{Hostname: "node-b", Address: "node-b:5432"}
	store := &fakeStore{leaderUnlocked: true, currentLeader: leader}
	state := &fakeState{name: "node-a", healthy: true, healthiest: false}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "no leader, following", status)
	require.True(t, state.followLeaderCalled)
}

func TestRunCycle_Rule2b_NoLeaderAnywhereFollowsNoLeader(t *testing.T) {
	store := &fakeStore{leaderUnlocked: true, currentLeader: nil}
	state := &fakeState{name: "node-a", healthy: true, healthiest: false}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "no leader, following", status)
	require.True(t, state.followNoLeaderCalled)
}

func TestRunCycle_Rule3a_RefreshFailureDemotesToCurrentLeader(t *testing.T) {
	leader := &kv.Member{Hostname: "node-b", Address: "node-b:5432"}
	store := &fakeStore{leaderUnlocked: false, amLeader: true, updateOK: false, currentLeader: leader}
	state := &fakeState{name: "node-a", healthy: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "demoted", status)
	require.True(t, state.demoteCalled)
	require.Equal(t, leader, state.demoteLeader)
}

func TestRunCycle_Rule3a_RefreshTransportErrorDemotes(t *testing.T) {
	store := &fakeStore{leaderUnlocked: false, amLeader: true, updateErr: errors.New("transport down")}
	state := &fakeState{name: "node-a", healthy: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "demoted", status)
	require.True(t, state.demoteCalled)
}

func TestRunCycle_Rule3b_PromotesIfNotYetReadWrite(t *testing.T) {
	store := &fakeStore{leaderUnlocked: false, amLeader: true, updateOK: true}
	state := &fakeState{name: "node-a", healthy: true, isLeader: false}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "is leader", status)
	require.True(t, state.promoteCalled)
}

func TestRunCycle_Rule3c_StaysLeaderWithoutPromoting(t *testing.T) {
	store := &fakeStore{leaderUnlocked: false, amLeader: true, updateOK: true}
	state := &fakeState{name: "node-a", healthy: true, isLeader: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "is leader", status)
	require.False(t, state.promoteCalled)
}

func TestRunCycle_Rule4_FollowsOtherLeader(t *testing.T) {
	leader := &kv.Member{Hostname: "node-b", Address: "node-b:5432"}
	store := &fakeStore{leaderUnlocked: false, amLeader: false, currentLeader: leader}
	state := &fakeState{name: "node-a", healthy: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "following node-b", status)
	require.True(t, state.followLeaderCalled)
	require.Equal(t, *leader, state.followLeaderArg)
}

func TestRunCycle_Rule4_FallsThroughToRule2WhenLeaderKeyVanished(t *testing.T) {
	store := &fakeStore{leaderUnlocked: false, amLeader: false, currentLeader: nil}
	state := &fakeState{name: "node-a", healthy: true, healthiest: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "no leader, following", status)
}

func TestRunCycle_LeaderUnlockedTransportErrorNoDecision(t *testing.T) {
	store := &fakeStore{leaderUnlockedErr: errors.New("dial timeout")}
	state := &fakeState{name: "node-a", healthy: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "no decision, retrying", status)
}

func TestRunCycle_AmILeaderTransportErrorNoDecision(t *testing.T) {
	store := &fakeStore{leaderUnlocked: false, amLeaderErr: errors.New("dial timeout")}
	state := &fakeState{name: "node-a", healthy: true}
	c := New(store, state, nil)

	status := c.RunCycle(context.Background())

	require.Equal(t, "no decision, retrying", status)
}
