package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseConfig_MergesOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "governor.hcl")
	contents := `
loop_wait = 5
log_level = "DEBUG"

etcd {
  scope = "prod"
  host  = "etcd.internal:2379"
  ttl   = 20
}

postgresql {
  name     = "node-a"
  listen   = "0.0.0.0:5432"
  data_dir = "/data/pg"

  replication {
    username = "replicator"
    password = "s3cr3t"
    network  = "10.0.0.0/8"
  }

  parameters = {
    max_connections = "200"
  }
}
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	c, err := ParseConfig(path)
	require.NoError(t, err)

	require.Equal(t, 5, c.LoopWait)
	require.Equal(t, "DEBUG", c.LogLevel)
	require.Equal(t, "prod", c.Etcd.Scope)
	require.Equal(t, "etcd.internal:2379", c.Etcd.Host)
	require.EqualValues(t, 20, c.Etcd.TTL)
	require.Equal(t, "node-a", c.PostgreSQL.Name)
	require.Equal(t, "replicator", c.PostgreSQL.Replication.Username)
	require.Equal(t, "200", c.PostgreSQL.Parameters["max_connections"])

	// MaximumLagOnFailover was never set in the file, so the default
	// survives the merge.
	require.EqualValues(t, 1<<24, c.PostgreSQL.MaximumLagOnFailover)
}

func TestParseConfig_MissingFile(t *testing.T) {
	_, err := ParseConfig(filepath.Join(t.TempDir(), "missing.hcl"))
	require.Error(t, err)
}

func TestApplyEnv_OverridesRecognisedVars(t *testing.T) {
	c := DefaultConfig()

	t.Setenv("GOVERNOR_ETCD_HOST", "etcd-override:2379")
	t.Setenv("GOVERNOR_POSTGRESQL_NAME", "node-from-env")
	t.Setenv("GOVERNOR_POSTGRESQL_REPLICATION_NETWORK", "192.168.0.0/16")

	ApplyEnv(c)
	c.Finalize()

	require.Equal(t, "etcd-override:2379", c.Etcd.Host)
	require.Equal(t, "node-from-env", c.PostgreSQL.Name)
	require.Equal(t, "192.168.0.0/16", c.PostgreSQL.Replication.Network)
	require.True(t, c.WasSet("postgresql.name"))
}

func TestFinalize_AppliesDefaultsForUnsetFields(t *testing.T) {
	c := &Config{}
	c.Finalize()

	require.Equal(t, 10, c.LoopWait)
	require.Equal(t, "INFO", c.LogLevel)
	require.NotNil(t, c.Etcd)
	require.NotNil(t, c.PostgreSQL)
	require.NotNil(t, c.PostgreSQL.Replication)
}

func TestConfig_CopyIsIndependent(t *testing.T) {
	c := DefaultConfig()
	c.PostgreSQL.Name = "original"

	dup := c.Copy()
	dup.PostgreSQL.Name = "copy"

	require.Equal(t, "original", c.PostgreSQL.Name)
	require.Equal(t, "copy", dup.PostgreSQL.Name)
}
