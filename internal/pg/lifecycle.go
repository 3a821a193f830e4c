package pg

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/go-governor/governor/internal/kv"
)

const (
	replicationConfName = "governor_replication.conf"
	standbySignalName   = "standby.signal"
)

func (s *StateHandler) replicationConfPath() string {
	return filepath.Join(s.cfg.DataDir, replicationConfName)
}

func (s *StateHandler) standbySignalPath() string {
	return filepath.Join(s.cfg.DataDir, standbySignalName)
}

func (s *StateHandler) hbaConfPath() string {
	return filepath.Join(s.cfg.DataDir, "pg_hba.conf")
}

// appendReplicationHBA restricts the replication role to the configured
// network by appending a pg_hba.conf line: CREATE ROLE has no concept of
// host scoping, so the network a replication login is permitted from is
// entirely pg_hba.conf's responsibility. Falls back to 0.0.0.0/0 (the
// existing behavior) when no network is configured.
func (s *StateHandler) appendReplicationHBA() error {
	network := s.cfg.Replication.Network
	if network == "" {
		network = "0.0.0.0/0"
	}
	line := fmt.Sprintf("host replication %s %s md5\n", s.cfg.Replication.Username, network)

	f, err := os.OpenFile(s.hbaConfPath(), os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// writeReadWriteConf removes any standby markers, returning the data
// directory to a plain read-write configuration.
func (s *StateHandler) writeReadWriteConf() error {
	if err := os.Remove(s.standbySignalPath()); err != nil && !os.IsNotExist(err) {
		return err
	}
	return os.WriteFile(s.replicationConfPath(), nil, 0o600)
}

// writeReadOnlyConf points the data directory at leaderDSN and marks it a
// standby, per PostgreSQL 12+'s signal-file recovery model.
func (s *StateHandler) writeReadOnlyConf(leaderHost string) error {
	primaryConninfo := fmt.Sprintf(
		"primary_conninfo = 'host=%s user=%s password=%s application_name=%s'",
		hostOf(leaderHost), s.cfg.Replication.Username, s.cfg.Replication.Password, s.cfg.Name)

	contents := fmt.Sprintf("%s\nprimary_slot_name = '%s'\n", primaryConninfo, slotName(s.cfg.Name))
	if err := os.WriteFile(s.replicationConfPath(), []byte(contents), 0o600); err != nil {
		return err
	}
	return os.WriteFile(s.standbySignalPath(), nil, 0o600)
}

// WriteRecoveryConf rewrites the replication configuration to follow
// leader, without restarting the daemon. The supervisor calls this during
// startup, after a successful SyncFromLeader and before starting the
// daemon as a follower.
func (s *StateHandler) WriteRecoveryConf(ctx context.Context, leader kv.Member) error {
	return s.writeReadOnlyConf(leader.Address)
}

// Initialize bootstraps a brand-new data directory: runs initdb, starts
// the daemon long enough to create the replication role and run any
// configured post-init SQL, then stops it. Intended for the node that
// wins the /initialize race.
func (s *StateHandler) Initialize(ctx context.Context) error {
	args := append([]string{"-D", s.cfg.DataDir, "--auth=md5"}, s.cfg.InitdbParameters...)
	if err := s.runner.Run(ctx, s.cfg.binPath("initdb"), args); err != nil {
		return &FatalError{Op: "initialize", Cause: err}
	}

	if err := s.appendReplicationHBA(); err != nil {
		return &FatalError{Op: "initialize", Cause: err}
	}

	if err := s.writeReadWriteConf(); err != nil {
		return &FatalError{Op: "initialize", Cause: err}
	}

	ready, err := s.Start(ctx, true)
	if err != nil {
		return &FatalError{Op: "initialize", Cause: err}
	}
	if !ready {
		return &FatalError{Op: "initialize", Cause: fmt.Errorf("daemon did not become ready after initdb")}
	}

	if err := s.probe.CreateReplicationRole(ctx, s.dsn(""), s.cfg.Replication); err != nil {
		return &FatalError{Op: "initialize", Cause: err}
	}
	for _, stmt := range s.cfg.PostInitSQL {
		if err := s.probe.Exec(ctx, s.dsn(""), stmt); err != nil {
			return &FatalError{Op: "initialize", Cause: err}
		}
	}

	return s.Stop(ctx)
}

// SyncFromLeader clones the leader's data directory via pg_basebackup.
// Intended for a node joining a cluster that already has an initialized
// leader. It returns false (without error) if the leader was unreachable,
// letting the caller retry rather than treating the attempt as fatal.
func (s *StateHandler) SyncFromLeader(ctx context.Context, leader kv.Member) (bool, error) {
	if err := os.MkdirAll(filepath.Dir(s.cfg.DataDir), 0o700); err != nil {
		return false, &FatalError{Op: "sync_from_leader", Cause: err}
	}

	args := []string{
		"-D", s.cfg.DataDir,
		"-h", hostOf(leader.Address),
		"-p", portOf(leader.Address),
		"-U", s.cfg.Replication.Username,
		"--wal-method=stream",
		"--checkpoint=fast",
		"--progress",
	}
	if err := s.runner.Run(ctx, s.cfg.binPath("pg_basebackup"), args); err != nil {
		s.logger.Warn("sync from leader failed, leader may be unreachable", "leader", leader.Hostname, "error", err)
		return false, nil
	}

	return true, s.writeReadOnlyConf(leader.Address)
}

func slotName(hostname string) string {
	out := make([]byte, 0, len(hostname))
	for i := 0; i < len(hostname); i++ {
		c := hostname[i]
		switch {
		case c >= 'a' && c <= 'z', c >= '0' && c <= '9':
			out = append(out, c)
		case c >= 'A' && c <= 'Z':
			out = append(out, c+('a'-'A'))
		default:
			out = append(out, '_')
		}
	}
	return string(out)
}
