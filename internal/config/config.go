// Package config loads and validates the supervisor's configuration:
// HCL on disk, decoded with mapstructure, then overridden by a small set
// of recognised environment variables.
package config

import (
	"fmt"
	"os"

	"github.com/hashicorp/go-multierror"
	"github.com/hashicorp/hcl"
	"github.com/mitchellh/mapstructure"
)

// ReplicationConfig is the postgresql.replication.* section: the
// credentials and CIDR granted to the replication role.
type ReplicationConfig struct {
	Username string `mapstructure:"username"`
	Password string `mapstructure:"password"`
	Network  string `mapstructure:"network"`
}

func (r *ReplicationConfig) Copy() *ReplicationConfig {
	if r == nil {
		return nil
	}
	o := *r
	return &o
}

// PostgreSQLConfig is the postgresql.* section.
type PostgreSQLConfig struct {
	Name                 string             `mapstructure:"name"`
	Listen               string             `mapstructure:"listen"`
	Connect              string             `mapstructure:"connect"`
	ReadOnlyPort         string             `mapstructure:"read_only_port"`
	DataDir              string             `mapstructure:"data_dir"`
	BinDir               string             `mapstructure:"bin_dir"`
	Replication          *ReplicationConfig `mapstructure:"replication"`
	Parameters           map[string]string  `mapstructure:"parameters"`
	InitdbParameters     []string           `mapstructure:"initdb_parameters"`
	PostInitSQL          []string           `mapstructure:"post_init_sql"`
	MaximumLagOnFailover int64              `mapstructure:"maximum_lag_on_failover"`
}

func (p *PostgreSQLConfig) Copy() *PostgreSQLConfig {
	if p == nil {
		return nil
	}
	o := new(PostgreSQLConfig)
	o.Name = p.Name
	o.Listen = p.Listen
	o.Connect = p.Connect
	o.ReadOnlyPort = p.ReadOnlyPort
	o.DataDir = p.DataDir
	o.BinDir = p.BinDir
	o.Replication = p.Replication.Copy()
	o.MaximumLagOnFailover = p.MaximumLagOnFailover

	if p.Parameters != nil {
		o.Parameters = make(map[string]string, len(p.Parameters))
		for k, v := range p.Parameters {
			o.Parameters[k] = v
		}
	}
	if p.InitdbParameters != nil {
		o.InitdbParameters = append([]string(nil), p.InitdbParameters...)
	}
	if p.PostInitSQL != nil {
		o.PostInitSQL = append([]string(nil), p.PostInitSQL...)
	}
	return o
}

// EtcdConfig is the etcd.* section.
type EtcdConfig struct {
	Scope string `mapstructure:"scope"`
	Host  string `mapstructure:"host"`
	TTL   int64  `mapstructure:"ttl"`
}

func (e *EtcdConfig) Copy() *EtcdConfig {
	if e == nil {
		return nil
	}
	o := *e
	return &o
}

// Config is the supervisor's top-level configuration.
type Config struct {
	// Path is the file this configuration was read from. Not read from
	// disk itself; populated by ParseConfig.
	Path string `mapstructure:"-"`

	// LoopWait is the number of seconds between HA cycle ticks.
	LoopWait int `mapstructure:"loop_wait"`

	// LogLevel is the hclog level name ("TRACE".."ERROR").
	LogLevel string `mapstructure:"log_level"`

	Etcd       *EtcdConfig       `mapstructure:"etcd"`
	PostgreSQL *PostgreSQLConfig `mapstructure:"postgresql"`

	// setKeys tracks which keys this Config instance actually set, so
	// Merge only overrides fields the user explicitly configured.
	setKeys map[string]struct{}
}

// Copy returns a deep copy of c.
func (c *Config) Copy() *Config {
	o := new(Config)
	o.Path = c.Path
	o.LoopWait = c.LoopWait
	o.LogLevel = c.LogLevel
	o.Etcd = c.Etcd.Copy()
	o.PostgreSQL = c.PostgreSQL.Copy()
	o.setKeys = c.setKeys
	return o
}

// Merge merges the values set in o into c. Values in o take precedence.
func (c *Config) Merge(o *Config) {
	if o == nil {
		return
	}

	if o.WasSet("path") {
		c.Path = o.Path
	}
	if o.WasSet("loop_wait") {
		c.LoopWait = o.LoopWait
	}
	if o.WasSet("log_level") {
		c.LogLevel = o.LogLevel
	}

	if o.WasSet("etcd") {
		if c.Etcd == nil {
			c.Etcd = &EtcdConfig{}
		}
		if o.WasSet("etcd.scope") {
			c.Etcd.Scope = o.Etcd.Scope
		}
		if o.WasSet("etcd.host") {
			c.Etcd.Host = o.Etcd.Host
		}
		if o.WasSet("etcd.ttl") {
			c.Etcd.TTL = o.Etcd.TTL
		}
	}

	if o.WasSet("postgresql") {
		if c.PostgreSQL == nil {
			c.PostgreSQL = &PostgreSQLConfig{}
		}
		if o.WasSet("postgresql.name") {
			c.PostgreSQL.Name = o.PostgreSQL.Name
		}
		if o.WasSet("postgresql.listen") {
			c.PostgreSQL.Listen = o.PostgreSQL.Listen
		}
		if o.WasSet("postgresql.connect") {
			c.PostgreSQL.Connect = o.PostgreSQL.Connect
		}
		if o.WasSet("postgresql.read_only_port") {
			c.PostgreSQL.ReadOnlyPort = o.PostgreSQL.ReadOnlyPort
		}
		if o.WasSet("postgresql.data_dir") {
			c.PostgreSQL.DataDir = o.PostgreSQL.DataDir
		}
		if o.WasSet("postgresql.bin_dir") {
			c.PostgreSQL.BinDir = o.PostgreSQL.BinDir
		}
		if o.WasSet("postgresql.maximum_lag_on_failover") {
			c.PostgreSQL.MaximumLagOnFailover = o.PostgreSQL.MaximumLagOnFailover
		}
		if o.WasSet("postgresql.parameters") {
			c.PostgreSQL.Parameters = o.PostgreSQL.Parameters
		}
		if o.WasSet("postgresql.initdb_parameters") {
			c.PostgreSQL.InitdbParameters = o.PostgreSQL.InitdbParameters
		}
		if o.WasSet("postgresql.post_init_sql") {
			c.PostgreSQL.PostInitSQL = o.PostgreSQL.PostInitSQL
		}
		if o.WasSet("postgresql.replication") {
			if c.PostgreSQL.Replication == nil {
				c.PostgreSQL.Replication = &ReplicationConfig{}
			}
			if o.WasSet("postgresql.replication.username") {
				c.PostgreSQL.Replication.Username = o.PostgreSQL.Replication.Username
			}
			if o.WasSet("postgresql.replication.password") {
				c.PostgreSQL.Replication.Password = o.PostgreSQL.Replication.Password
			}
			if o.WasSet("postgresql.replication.network") {
				c.PostgreSQL.Replication.Network = o.PostgreSQL.Replication.Network
			}
		}
	}

	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	for k := range o.setKeys {
		c.setKeys[k] = struct{}{}
	}
}

// WasSet reports whether key was explicitly set on this Config, as
// opposed to merely holding its zero/default value.
func (c *Config) WasSet(key string) bool {
	_, ok := c.setKeys[key]
	return ok
}

func (c *Config) set(key string) {
	if c.setKeys == nil {
		c.setKeys = make(map[string]struct{})
	}
	c.setKeys[key] = struct{}{}
}

// Finalize applies defaults to any field the user never set, after
// file load, env overrides, and merge have all run.
func (c *Config) Finalize() {
	if c.Etcd == nil {
		c.Etcd = &EtcdConfig{}
	}
	if c.PostgreSQL == nil {
		c.PostgreSQL = &PostgreSQLConfig{}
	}
	if c.PostgreSQL.Replication == nil {
		c.PostgreSQL.Replication = &ReplicationConfig{}
	}
	if c.PostgreSQL.Parameters == nil {
		c.PostgreSQL.Parameters = make(map[string]string)
	}
	if c.LoopWait <= 0 {
		c.LoopWait = 10
	}
	if c.LogLevel == "" {
		c.LogLevel = "INFO"
	}
}

// DefaultConfig returns the baseline configuration merged beneath
// whatever is loaded from file and environment.
func DefaultConfig() *Config {
	return &Config{
		LoopWait: 10,
		LogLevel: "INFO",
		Etcd: &EtcdConfig{
			Scope: "governor",
			TTL:   30,
		},
		PostgreSQL: &PostgreSQLConfig{
			Replication:          &ReplicationConfig{},
			Parameters:           make(map[string]string),
			MaximumLagOnFailover: 1 << 24,
		},
	}
}

// ParseConfig reads and decodes the HCL/JSON configuration file at path.
func ParseConfig(path string) (*Config, error) {
	var errs *multierror.Error

	contents, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("error reading config at %q: %w", path, err)
	}

	var shadow interface{}
	if err := hcl.Decode(&shadow, string(contents)); err != nil {
		return nil, fmt.Errorf("error decoding config at %q: %w", path, err)
	}

	parsed, ok := shadow.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("error converting config at %q", path)
	}
	flattenKeys(parsed, []string{"etcd", "postgresql", "replication", "parameters"})

	c := new(Config)
	metadata := new(mapstructure.Metadata)
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook: mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToSliceHookFunc(","),
			mapstructure.StringToTimeDurationHookFunc(),
		),
		ErrorUnused: true,
		Metadata:    metadata,
		Result:      c,
	})
	if err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}
	if err := decoder.Decode(parsed); err != nil {
		errs = multierror.Append(errs, err)
		return nil, errs.ErrorOrNil()
	}

	c.Path = path
	for _, key := range metadata.Keys {
		c.set(key)
	}
	c.set("path")

	d := DefaultConfig()
	d.Merge(c)
	return d, errs.ErrorOrNil()
}

// flattenKeys is borrowed verbatim from the HCL single-value-block
// flattening idiom: hcl.Decode turns `etcd { ... }` into
// map[string][]map[string]interface{} (a list of one), and this turns
// each listed key back into a plain nested map so mapstructure can decode
// it into a single struct pointer.
func flattenKeys(m map[string]interface{}, keys []string) {
	keySet := make(map[string]struct{}, len(keys))
	for _, k := range keys {
		keySet[k] = struct{}{}
	}
	flattenKeysDeep(m, keySet)
}

func flattenKeysDeep(m map[string]interface{}, keys map[string]struct{}) {
	for k, v := range m {
		if _, ok := keys[k]; !ok {
			if nested, ok := v.(map[string]interface{}); ok {
				flattenKeysDeep(nested, keys)
			}
			continue
		}

		switch t := v.(type) {
		case []map[string]interface{}:
			if len(t) == 0 {
				continue
			}
			flattenKeysDeep(t[0], keys)
			m[k] = t[0]
		case map[string]interface{}:
			flattenKeysDeep(t, keys)
		}
	}
}
