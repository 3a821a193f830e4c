// Package pg implements the database lifecycle/state handler: bring-up
// from an empty data directory, synchronization from a leader, promotion,
// demotion, replica slot maintenance, and replication-progress comparison.
// It owns the local data directory and daemon process exclusively; no
// other process is permitted to mutate them while the supervisor runs.
package pg

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"sync"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/jonboulle/clockwork"
)

// readyPollInterval is the fixed interval Start polls readiness at,
// per spec §5 ("start polls until ready with fixed 3-second intervals").
const readyPollInterval = 3 * time.Second

// StateHandler is the core's database lifecycle/state handler.
type StateHandler struct {
	cfg    Config
	runner CommandRunner
	probe  Probe
	clock  clockwork.Clock
	logger hclog.Logger

	mu       sync.Mutex
	proc     Process
	running  bool
	upstream string
}

// NewStateHandler constructs a StateHandler. runner and probe are the
// production implementations in normal operation (NewExecRunner,
// NewSQLProbe) and scripted fakes in tests.
func NewStateHandler(cfg Config, runner CommandRunner, probe Probe, clock clockwork.Clock, logger hclog.Logger) *StateHandler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &StateHandler{
		cfg:    cfg,
		runner: runner,
		probe:  probe,
		clock:  clock,
		logger: logger.Named("pg"),
	}
}

// Name returns this node's hostname, as used for KV member/leader values.
func (s *StateHandler) Name() string { return s.cfg.Name }

// AdvertisedConnectionString is the address published in /members/<name>.
func (s *StateHandler) AdvertisedConnectionString() string {
	if s.cfg.Connect != "" {
		return s.cfg.Connect
	}
	return fmt.Sprintf("postgres://%s@%s/postgres", s.cfg.Replication.Username, s.cfg.Listen)
}

// dsn builds a libpq connection string to the daemon at host (empty host
// means the local daemon) using the replication role's credentials.
func (s *StateHandler) dsn(host string) string {
	if host == "" {
		host = s.cfg.Listen
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s/postgres?sslmode=disable&connect_timeout=5",
		s.cfg.Replication.Username, s.cfg.Replication.Password, host)
}

// DataDirectoryEmpty reports whether the configured data directory does
// not exist or contains no entries.
func (s *StateHandler) DataDirectoryEmpty() (bool, error) {
	entries, err := os.ReadDir(s.cfg.DataDir)
	if os.IsNotExist(err) {
		return true, nil
	}
	if err != nil {
		return false, err
	}
	return len(entries) == 0, nil
}

// IsRunning reports whether the daemon process this handler started is
// still alive. It does not probe the network -- see IsReady for that.
func (s *StateHandler) IsRunning() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running && s.proc != nil && s.proc.Alive()
}

// IsReady reports whether the daemon is running and accepting
// connections.
func (s *StateHandler) IsReady(ctx context.Context) bool {
	if !s.IsRunning() {
		return false
	}
	return s.probe.Ping(ctx, s.dsn("")) == nil
}

// IsHealthy reports whether the daemon is in a state the HA cycle can
// reconcile against: running, regardless of role.
func (s *StateHandler) IsHealthy(ctx context.Context) bool {
	if !s.IsRunning() {
		s.logger.Warn("daemon is not running")
		return false
	}
	return true
}

// IsLeader reports whether the local daemon is currently read-write.
func (s *StateHandler) IsLeader(ctx context.Context) (bool, error) {
	inRecovery, err := s.probe.IsInRecovery(ctx, s.dsn(""))
	if err != nil {
		return false, &TransientError{Op: "is_leader", Cause: err}
	}
	return !inRecovery, nil
}

// serverOptions renders postgresql.conf-style tunables from Config.
func (s *StateHandler) serverOptions() []string {
	args := []string{
		"-D", s.cfg.DataDir,
		"-h", hostOf(s.cfg.Listen),
		"-p", portOf(s.cfg.Listen),
	}
	for k, v := range s.cfg.Parameters {
		args = append(args, "-c", fmt.Sprintf("%s=%s", k, v))
	}
	return args
}

// Start spawns the daemon and blocks until it reports ready, polling at
// readyPollInterval. It returns false if the process exits before
// becoming ready.
func (s *StateHandler) Start(ctx context.Context, master bool) (bool, error) {
	if s.IsRunning() {
		s.logger.Error("cannot start, daemon already running")
		return false, nil
	}

	if master {
		if err := s.writeReadWriteConf(); err != nil {
			return false, err
		}
		s.mu.Lock()
		s.upstream = ""
		s.mu.Unlock()
	}

	proc, err := s.runner.StartDaemon(ctx, s.cfg.binPath("postgres"), s.serverOptions())
	if err != nil {
		return false, &TransientError{Op: "start", Cause: err}
	}

	s.mu.Lock()
	s.proc = proc
	s.running = true
	s.mu.Unlock()

	for {
		if s.IsReady(ctx) {
			return true, nil
		}
		if !proc.Alive() {
			s.mu.Lock()
			s.running = false
			s.mu.Unlock()
			return false, nil
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-s.clock.After(readyPollInterval):
		}
	}
}

// Stop shuts the daemon down and waits for it to exit.
func (s *StateHandler) Stop(ctx context.Context) error {
	s.mu.Lock()
	proc := s.proc
	s.mu.Unlock()

	if proc == nil || !proc.Alive() {
		s.mu.Lock()
		s.running = false
		s.mu.Unlock()
		return nil
	}

	if err := s.runner.Run(ctx, s.cfg.binPath("pg_ctl"),
		[]string{"stop", "-D", s.cfg.DataDir, "-m", "fast"}); err != nil {
		return err
	}

	err := proc.Wait()
	s.mu.Lock()
	s.running = false
	s.mu.Unlock()
	return err
}

// Restart stops then starts the daemon in the given role.
func (s *StateHandler) Restart(ctx context.Context, master bool) (bool, error) {
	if err := s.Stop(ctx); err != nil {
		return false, err
	}
	return s.Start(ctx, master)
}

// hostOf and portOf accept either a bare host:port or a postgres:// URI
// such as the one AdvertisedConnectionString derives from Listen.
func hostOf(listen string) string {
	if u, err := url.Parse(listen); err == nil && u.Host != "" {
		return u.Hostname()
	}
	for i := len(listen) - 1; i >= 0; i-- {
		if listen[i] == ':' {
			return listen[:i]
		}
	}
	return listen
}

func portOf(listen string) string {
	if u, err := url.Parse(listen); err == nil && u.Host != "" {
		if p := u.Port(); p != "" {
			return p
		}
		return "5432"
	}
	for i := len(listen) - 1; i >= 0; i-- {
		if listen[i] == ':' {
			return listen[i+1:]
		}
	}
	return "5432"
}
