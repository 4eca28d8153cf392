package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}

	for _, name := range []string{"serve", "sync", "import", "scheduler", "jobs", "keys", "migrate"} {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "bizdir", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag)
	assert.Equal(t, "0", flag.DefValue)

	flag = serveCmd.Flags().Lookup("schedule")
	require.NotNil(t, flag)
	assert.Equal(t, "false", flag.DefValue)
}

func TestSyncCommand_HasSubcommands(t *testing.T) {
	names := make(map[string]bool)
	for _, c := range syncCmd.Commands() {
		names[c.Name()] = true
	}
	assert.True(t, names["run"])
	assert.True(t, names["status"])

	require.NotNil(t, syncRunCmd.Flags().Lookup("sources"))
	flag := syncStatusCmd.Flags().Lookup("limit")
	require.NotNil(t, flag)
	assert.Equal(t, "10", flag.DefValue)
}

func TestImportCommand_Flags(t *testing.T) {
	for _, name := range []string{"csv", "url", "kind", "province", "source", "dedupe"} {
		assert.NotNil(t, importCmd.Flags().Lookup(name), "missing --%s", name)
	}
	assert.Equal(t, "csv", importCmd.Flags().Lookup("kind").DefValue)
	assert.Equal(t, "false", importCmd.Flags().Lookup("dedupe").DefValue)
}

func TestJobsRunCommand_Args(t *testing.T) {
	assert.Error(t, jobsRunCmd.Args(jobsRunCmd, nil))
	assert.NoError(t, jobsRunCmd.Args(jobsRunCmd, []string{"cleanup-logs"}))
	assert.Contains(t, jobsRunCmd.ValidArgs, "weekly-report")
}

func TestKeysCreateCommand_Flags(t *testing.T) {
	flag := keysCreateCmd.Flags().Lookup("email")
	require.NotNil(t, flag)
	assert.Equal(t, []string{"true"}, flag.Annotations["cobra_annotation_bash_completion_one_required_flag"])
	assert.NotNil(t, keysCreateCmd.Flags().Lookup("admin"))
}
