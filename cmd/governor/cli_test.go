package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseFlags_CollectsRepeatedConfigPaths(t *testing.T) {
	cli := NewCLI(&bytes.Buffer{}, &bytes.Buffer{})

	paths, debug, isVersion, err := cli.parseFlags([]string{
		"-config=/etc/governor/base.hcl",
		"-config=/etc/governor/local.hcl",
	})

	require.NoError(t, err)
	require.Equal(t, []string{"/etc/governor/base.hcl", "/etc/governor/local.hcl"}, paths)
	require.False(t, debug)
	require.False(t, isVersion)
}

func TestParseFlags_Debug(t *testing.T) {
	cli := NewCLI(&bytes.Buffer{}, &bytes.Buffer{})

	_, debug, _, err := cli.parseFlags([]string{"-debug"})

	require.NoError(t, err)
	require.True(t, debug)
}

func TestParseFlags_Version(t *testing.T) {
	cli := NewCLI(&bytes.Buffer{}, &bytes.Buffer{})

	_, _, isVersion, err := cli.parseFlags([]string{"-version"})

	require.NoError(t, err)
	require.True(t, isVersion)
}

func TestRun_ConfigErrorOnMissingFile(t *testing.T) {
	var errBuf bytes.Buffer
	cli := NewCLI(&bytes.Buffer{}, &errBuf)

	code := cli.Run([]string{"governor", "-config=/nonexistent/governor.hcl"})

	require.Equal(t, ExitCodeConfigError, code)
}
