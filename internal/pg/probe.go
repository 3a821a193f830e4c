package pg

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

// Probe is the narrow interface the state handler uses to talk to a
// running daemon over SQL. It is satisfied by sqlProbe in production and
// by a scripted fake in tests, so role transitions and lag arithmetic are
// testable without a live PostgreSQL instance.
type Probe interface {
	// Ping reports whether the daemon is accepting connections.
	Ping(ctx context.Context, dsn string) error

	// IsInRecovery reports pg_is_in_recovery(): true on a follower, false
	// on a primary.
	IsInRecovery(ctx context.Context, dsn string) (bool, error)

	// CurrentLSN returns the primary's current WAL position as a byte
	// offset (pg_wal_lsn_diff(pg_current_wal_lsn(), '0/0')).
	CurrentLSN(ctx context.Context, dsn string) (int64, error)

	// ReplayLSN returns a follower's replication progress as a byte
	// offset: the greater of received and replayed WAL.
	ReplayLSN(ctx context.Context, dsn string) (int64, error)

	// EnsureReplicationSlot idempotently creates a physical replication
	// slot named name.
	EnsureReplicationSlot(ctx context.Context, dsn, name string) error

	// CreateReplicationRole idempotently creates the replication role
	// with the given credentials. cfg.Network is not applied here; the
	// network restriction lives in pg_hba.conf (see appendReplicationHBA).
	CreateReplicationRole(ctx context.Context, dsn string, cfg ReplicationConfig) error

	// Exec runs a single administrative statement, e.g. a post-init SQL
	// command.
	Exec(ctx context.Context, dsn, stmt string) error
}

// sqlProbe is the production Probe, backed by database/sql and lib/pq.
type sqlProbe struct {
	dialTimeout time.Duration
}

// NewSQLProbe returns the production Probe. dialTimeout is applied as the
// maximum lifetime of each pooled connection; the dial itself is bounded by
// the connect_timeout in the dsn and by the caller's context.
func NewSQLProbe(dialTimeout time.Duration) Probe {
	return &sqlProbe{dialTimeout: dialTimeout}
}

func (p *sqlProbe) open(dsn string) (*sql.DB, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(2)
	db.SetConnMaxLifetime(p.dialTimeout)
	return db, nil
}

func (p *sqlProbe) Ping(ctx context.Context, dsn string) error {
	db, err := p.open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()
	return db.PingContext(ctx)
}

func (p *sqlProbe) IsInRecovery(ctx context.Context, dsn string) (bool, error) {
	db, err := p.open(dsn)
	if err != nil {
		return false, err
	}
	defer db.Close()

	var inRecovery bool
	err = db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()").Scan(&inRecovery)
	return inRecovery, err
}

func (p *sqlProbe) CurrentLSN(ctx context.Context, dsn string) (int64, error) {
	db, err := p.open(dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var offset int64
	err = db.QueryRowContext(ctx,
		"SELECT pg_wal_lsn_diff(pg_current_wal_lsn(), '0/0')::bigint").Scan(&offset)
	return offset, err
}

func (p *sqlProbe) ReplayLSN(ctx context.Context, dsn string) (int64, error) {
	db, err := p.open(dsn)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	var offset int64
	err = db.QueryRowContext(ctx, `
		SELECT pg_wal_lsn_diff(
			GREATEST(pg_last_wal_receive_lsn(), pg_last_wal_replay_lsn()),
			'0/0'
		)::bigint`).Scan(&offset)
	return offset, err
}

func (p *sqlProbe) EnsureReplicationSlot(ctx context.Context, dsn, name string) error {
	db, err := p.open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	// The existence check and creation happen inside a single statement
	// so two supervisors racing to create the same follower's slot can
	// never both succeed: pg_create_physical_replication_slot raises on a
	// duplicate name, so NOT EXISTS ... guards it atomically from this
	// session's point of view, and the name's own uniqueness constraint
	// in pg_replication_slots resolves any remaining race.
	_, err = db.ExecContext(ctx, `
		SELECT pg_create_physical_replication_slot($1)
		WHERE NOT EXISTS (
			SELECT 1 FROM pg_replication_slots WHERE slot_name = $1
		)`, name)
	return err
}

func (p *sqlProbe) CreateReplicationRole(ctx context.Context, dsn string, cfg ReplicationConfig) error {
	db, err := p.open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	var exists bool
	if err := db.QueryRowContext(ctx,
		"SELECT EXISTS (SELECT 1 FROM pg_roles WHERE rolname = $1)", cfg.Username,
	).Scan(&exists); err != nil {
		return err
	}
	if exists {
		return nil
	}

	stmt := fmt.Sprintf(
		"CREATE ROLE %s WITH REPLICATION LOGIN PASSWORD %s",
		quoteIdent(cfg.Username), quoteLiteral(cfg.Password))
	_, err = db.ExecContext(ctx, stmt)
	return err
}

func (p *sqlProbe) Exec(ctx context.Context, dsn, stmt string) error {
	db, err := p.open(dsn)
	if err != nil {
		return err
	}
	defer db.Close()

	_, err = db.ExecContext(ctx, stmt)
	return err
}

// quoteIdent and quoteLiteral apply PostgreSQL's own quoting rules for
// identifiers and string literals built into DDL we must assemble
// ourselves (CREATE ROLE takes no placeholder for its name or password).
func quoteIdent(s string) string {
	return `"` + escapeDouble(s) + `"`
}

func quoteLiteral(s string) string {
	return `'` + escapeSingle(s) + `'`
}

func escapeDouble(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '"' {
			out = append(out, '"')
		}
		out = append(out, s[i])
	}
	return string(out)
}

func escapeSingle(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		if s[i] == '\'' {
			out = append(out, '\'')
		}
		out = append(out, s[i])
	}
	return string(out)
}
