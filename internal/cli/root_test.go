package cli

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func executeCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return buf.String(), err
}

func TestVersionCommand(t *testing.T) {
	SetVersion("test-version")
	out, err := executeCommand("version")
	require.NoError(t, err)
	assert.Contains(t, out, "test-version")
}

func TestRootHelp(t *testing.T) {
	out, err := executeCommand("--help")
	require.NoError(t, err)

	for _, sub := range []string{"serve", "sweep", "migrate", "version"} {
		assert.True(t, strings.Contains(out, sub), "help output missing subcommand %q", sub)
	}
	assert.Contains(t, out, "--config")
}

func TestSweepFlags(t *testing.T) {
	out, err := executeCommand("sweep", "--help")
	require.NoError(t, err)
	assert.Contains(t, out, "--publish")
}

func TestBootstrap_RequiresCompany(t *testing.T) {
	t.Setenv("COMPANY_ID", "")
	configPath = t.TempDir()
	defer func() { configPath = "" }()

	_, err := bootstrap()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "company.id")
}
