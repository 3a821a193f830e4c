package config

import "os"

// envOverrides lists the environment variables recognised by the
// supervisor, each mapped to the dotted config key it replaces.
var envOverrides = []struct {
	env string
	key string
	set func(c *Config, v string)
}{
	{"GOVERNOR_ETCD_HOST", "etcd.host", func(c *Config, v string) { c.Etcd.Host = v }},
	{"GOVERNOR_POSTGRESQL_NAME", "postgresql.name", func(c *Config, v string) { c.PostgreSQL.Name = v }},
	{"GOVERNOR_POSTGRESQL_CONNECT", "postgresql.connect", func(c *Config, v string) { c.PostgreSQL.Connect = v }},
	{"GOVERNOR_POSTGRESQL_LISTEN", "postgresql.listen", func(c *Config, v string) { c.PostgreSQL.Listen = v }},
	{"GOVERNOR_POSTGRESQL_READ_ONLY_PORT", "postgresql.read_only_port", func(c *Config, v string) { c.PostgreSQL.ReadOnlyPort = v }},
	{"GOVERNOR_POSTGRESQL_DATA_DIR", "postgresql.data_dir", func(c *Config, v string) { c.PostgreSQL.DataDir = v }},
	{"GOVERNOR_POSTGRESQL_REPLICATION_NETWORK", "postgresql.replication.network", func(c *Config, v string) {
		if c.PostgreSQL.Replication == nil {
			c.PostgreSQL.Replication = &ReplicationConfig{}
		}
		c.PostgreSQL.Replication.Network = v
	}},
}

// ApplyEnv overrides c's fields from the recognised GOVERNOR_* environment
// variables, whichever of them are set. It runs after file load and
// before Finalize, per the core's documented load order.
func ApplyEnv(c *Config) {
	if c.Etcd == nil {
		c.Etcd = &EtcdConfig{}
	}
	if c.PostgreSQL == nil {
		c.PostgreSQL = &PostgreSQLConfig{}
	}

	for _, o := range envOverrides {
		if v, ok := os.LookupEnv(o.env); ok {
			o.set(c, v)
			c.set(o.key)
		}
	}
}
