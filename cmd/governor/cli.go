// Copyright (c) HashiCorp, Inc.
// SPDX-License-Identifier: MPL-2.0

package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/hashicorp/go-hclog"
	clientv3 "go.etcd.io/etcd/client/v3"

	"github.com/go-governor/governor/internal/config"
	"github.com/go-governor/governor/internal/governor"
	"github.com/go-governor/governor/internal/ha"
	"github.com/go-governor/governor/internal/kv"
	"github.com/go-governor/governor/internal/pg"
	"github.com/go-governor/governor/internal/telemetry"
)

// Exit codes, extending the teacher's ExitCode* block convention with the
// core's own startup failure modes.
const (
	ExitCodeOK = 0

	ExitCodeError           = 10
	ExitCodeInterrupt       = 11
	ExitCodeParseFlagsError = 12
	ExitCodeConfigError     = 13
	ExitCodeInitializeError = 14
)

// CLI is the process entry point: flag parsing, config load, composition
// of the KV client/state handler/HA cycle/supervisor, and the top-level
// signal-select loop.
type CLI struct {
	sync.Mutex

	outStream, errStream io.Writer
	signalCh             chan os.Signal
}

// NewCLI constructs a CLI writing to the given streams.
func NewCLI(out, err io.Writer) *CLI {
	return &CLI{
		outStream: out,
		errStream: err,
		signalCh:  make(chan os.Signal, 1),
	}
}

// Run parses args and runs the supervisor until shutdown or fatal error.
func (cli *CLI) Run(args []string) int {
	configPaths, debug, isVersion, err := cli.parseFlags(args[1:])
	if err != nil {
		if err == flag.ErrHelp {
			fmt.Fprintf(cli.errStream, usage, versionName)
			return ExitCodeOK
		}
		fmt.Fprintln(cli.errStream, err.Error())
		return ExitCodeParseFlagsError
	}

	if isVersion {
		fmt.Fprintf(cli.errStream, "%s %s\n", versionName, versionNumber)
		return ExitCodeOK
	}

	cfg := config.DefaultConfig()
	for _, path := range configPaths {
		fileCfg, err := config.ParseConfig(path)
		if err != nil {
			fmt.Fprintln(cli.errStream, err.Error())
			return ExitCodeConfigError
		}
		cfg.Merge(fileCfg)
	}
	config.ApplyEnv(cfg)
	cfg.Finalize()

	level := hclog.LevelFromString(cfg.LogLevel)
	if debug {
		level = hclog.Debug
	}
	logger := hclog.New(&hclog.LoggerOptions{
		Name:   "governor",
		Level:  level,
		Output: cli.errStream,
	})

	if _, err := telemetry.Configure(versionName); err != nil {
		logger.Warn("failed to configure telemetry sink", "error", err)
	}

	supervisor, cleanup, err := cli.buildSupervisor(cfg, logger)
	if err != nil {
		logger.Error("failed to initialize", "error", err)
		return ExitCodeInitializeError
	}
	defer cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- supervisor.Run(ctx) }()

	signal.Notify(cli.signalCh, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)

	for {
		select {
		case err := <-runDone:
			if err != nil {
				logger.Error("supervisor exited with error", "error", err)
				return ExitCodeError
			}
			return ExitCodeOK
		case sig := <-cli.signalCh:
			switch sig {
			case syscall.SIGHUP:
				logger.Info("received SIGHUP, reload is a no-op: restart to pick up new configuration")
			default:
				logger.Info("received signal, shutting down", "signal", sig)
				cancel()
			}
		}
	}
}

// buildSupervisor wires the composition root: an etcd-backed kv.Store, a
// pg.StateHandler, an ha.Cycle, and the governor.Supervisor driving them.
func (cli *CLI) buildSupervisor(cfg *config.Config, logger hclog.Logger) (*governor.Supervisor, func(), error) {
	client, err := clientv3.New(clientv3.Config{
		Endpoints:   []string{cfg.Etcd.Host},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, func() {}, err
	}

	store, err := kv.NewStore(kv.Config{
		Scope:  cfg.Etcd.Scope,
		TTL:    cfg.Etcd.TTL,
		Client: client,
	})
	if err != nil {
		client.Close()
		return nil, func() {}, err
	}

	state := pg.NewStateHandler(pg.Config{
		Name:    cfg.PostgreSQL.Name,
		Listen:  cfg.PostgreSQL.Listen,
		Connect: cfg.PostgreSQL.Connect,
		DataDir: cfg.PostgreSQL.DataDir,
		Replication: pg.ReplicationConfig{
			Username: cfg.PostgreSQL.Replication.Username,
			Password: cfg.PostgreSQL.Replication.Password,
			Network:  cfg.PostgreSQL.Replication.Network,
		},
		Parameters:           cfg.PostgreSQL.Parameters,
		InitdbParameters:     cfg.PostgreSQL.InitdbParameters,
		PostInitSQL:          cfg.PostgreSQL.PostInitSQL,
		MaximumLagOnFailover: cfg.PostgreSQL.MaximumLagOnFailover,
		BinDir:               cfg.PostgreSQL.BinDir,
	}, pg.NewExecRunner(), pg.NewSQLProbe(5*time.Second), nil, logger)

	cycle := ha.New(store, state, logger)

	loopWait := time.Duration(cfg.LoopWait) * time.Second
	supervisor := governor.New(store, state, cycle, loopWait, nil, logger, nil)

	cleanup := func() { client.Close() }
	return supervisor, cleanup, nil
}

// parseFlags parses the CLI's own flags: repeated -config paths, -debug,
// and -version.
func (cli *CLI) parseFlags(args []string) ([]string, bool, bool, error) {
	var debug, isVersion bool
	var configPaths []string

	flags := flag.NewFlagSet(versionName, flag.ContinueOnError)
	flags.SetOutput(io.Discard)
	flags.Usage = func() {}

	flags.Var(funcVar(func(s string) error {
		configPaths = append(configPaths, s)
		return nil
	}), "config", "path to a configuration file (may be given multiple times)")

	flags.BoolVar(&debug, "debug", false, "enable debug logging")
	flags.BoolVar(&isVersion, "version", false, "print version and exit")

	if err := flags.Parse(args); err != nil {
		return nil, false, false, err
	}

	return configPaths, debug, isVersion, nil
}

const usage = `
Usage: %s [options]

  Runs the governor supervisor, coordinating leader election for a
  PostgreSQL primary/replica cluster via etcd.

Options:

  -config=<path>      Path to a configuration file. May be given multiple
                       times; later files take precedence.

  -debug               Enable debug-level logging regardless of the
                       configured log level.

  -version             Print the version and exit.
`
