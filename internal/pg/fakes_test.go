package pg

import (
	"context"
	"os"
	"sync"
)

// fakeProcess is a scripted Process: alive until killed, recording every
// signal it receives.
type fakeProcess struct {
	mu      sync.Mutex
	alive   bool
	signals []os.Signal
	waitErr error
}

func (p *fakeProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.alive
}

func (p *fakeProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.signals = append(p.signals, sig)
	return nil
}

func (p *fakeProcess) Wait() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
	return p.waitErr
}

func (p *fakeProcess) kill() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.alive = false
}

// runCall records one invocation of fakeRunner.Run/RunOutput.
type runCall struct {
	name string
	args []string
}

// fakeRunner is a scripted CommandRunner. runErr/startErr apply to every
// call; tests that need per-call behavior close over a counter in a
// wrapping function instead of extending this struct.
type fakeRunner struct {
	mu sync.Mutex

	runCalls  []runCall
	runErr    error
	runOutput string

	startCalls     []runCall
	startErr       error
	startedProcess *fakeProcess
}

func (f *fakeRunner) Run(ctx context.Context, name string, args []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls = append(f.runCalls, runCall{name, args})
	return f.runErr
}

func (f *fakeRunner) RunOutput(ctx context.Context, name string, args []string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runCalls = append(f.runCalls, runCall{name, args})
	return f.runOutput, f.runErr
}

func (f *fakeRunner) StartDaemon(ctx context.Context, name string, args []string) (Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls = append(f.startCalls, runCall{name, args})
	if f.startErr != nil {
		return nil, f.startErr
	}
	f.startedProcess = &fakeProcess{alive: true}
	return f.startedProcess, nil
}

func (f *fakeRunner) startCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.startCalls)
}

func (f *fakeRunner) stopCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.runCalls {
		if len(c.args) > 0 && c.args[0] == "stop" {
			n++
		}
	}
	return n
}

// fakeProbe is a scripted Probe. replayLSN/replayLSNErr are keyed by the
// exact dsn passed in, so tests can assert the caller built the right
// connection string (host vs. full URI) without depending on a live dial.
type fakeProbe struct {
	mu sync.Mutex

	pingErr error

	inRecovery    bool
	inRecoveryErr error

	currentLSN    int64
	currentLSNErr error

	localReplayLSN    int64
	localReplayLSNErr error

	replayLSN    map[string]int64
	replayLSNErr map[string]error
	replayDSNs   []string

	slotsEnsured  []string
	ensureSlotErr error

	roleCreated   bool
	roleCfg       ReplicationConfig
	createRoleErr error

	execStmts []string
	execErr   error
}

func (p *fakeProbe) Ping(ctx context.Context, dsn string) error {
	return p.pingErr
}

func (p *fakeProbe) IsInRecovery(ctx context.Context, dsn string) (bool, error) {
	return p.inRecovery, p.inRecoveryErr
}

func (p *fakeProbe) CurrentLSN(ctx context.Context, dsn string) (int64, error) {
	return p.currentLSN, p.currentLSNErr
}

func (p *fakeProbe) ReplayLSN(ctx context.Context, dsn string) (int64, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.replayDSNs = append(p.replayDSNs, dsn)
	if err, ok := p.replayLSNErr[dsn]; ok && err != nil {
		return 0, err
	}
	if v, ok := p.replayLSN[dsn]; ok {
		return v, nil
	}
	return p.localReplayLSN, p.localReplayLSNErr
}

func (p *fakeProbe) EnsureReplicationSlot(ctx context.Context, dsn, name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.ensureSlotErr != nil {
		return p.ensureSlotErr
	}
	for _, existing := range p.slotsEnsured {
		if existing == name {
			return nil
		}
	}
	p.slotsEnsured = append(p.slotsEnsured, name)
	return nil
}

func (p *fakeProbe) CreateReplicationRole(ctx context.Context, dsn string, cfg ReplicationConfig) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.createRoleErr != nil {
		return p.createRoleErr
	}
	p.roleCreated = true
	p.roleCfg = cfg
	return nil
}

func (p *fakeProbe) Exec(ctx context.Context, dsn, stmt string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.execStmts = append(p.execStmts, stmt)
	return p.execErr
}
