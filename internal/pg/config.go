package pg

// ReplicationConfig holds the credentials and network CIDR granted to the
// replication role created during Initialize.
type ReplicationConfig struct {
	Username string
	Password string
	Network  string
}

// Config configures a StateHandler. It corresponds to the postgresql.*
// section of the supervisor's configuration file (spec §6).
type Config struct {
	// Name is this node's hostname, used as the slot-name seed and the
	// value written to the leader lock and member keys.
	Name string

	// Listen is the host:port the daemon binds to.
	Listen string

	// Connect is the connection string advertised to other members; if
	// empty it is derived from Listen.
	Connect string

	// DataDir is the path to the PostgreSQL data directory.
	DataDir string

	// Replication holds the replication role's credentials and allowed
	// network.
	Replication ReplicationConfig

	// Parameters are postgresql.conf tunables applied on every start.
	Parameters map[string]string

	// InitdbParameters are extra flags passed to initdb.
	InitdbParameters []string

	// PostInitSQL are statements run once against a freshly initialized
	// cluster, after the replication role is created.
	PostInitSQL []string

	// MaximumLagOnFailover is the maximum permitted deficit, in bytes of
	// WAL, between a follower's progress and the last recorded leader
	// optime before that follower is disqualified from promotion.
	MaximumLagOnFailover int64

	// BinDir is the directory containing the initdb/postgres/pg_ctl/
	// pg_basebackup binaries. Empty means "use PATH".
	BinDir string
}

// binPath resolves a PostgreSQL binary name against BinDir.
func (c Config) binPath(name string) string {
	if c.BinDir == "" {
		return name
	}
	return c.BinDir + "/" + name
}
