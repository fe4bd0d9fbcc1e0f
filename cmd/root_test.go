package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_HasSubcommands(t *testing.T) {
	cmds := rootCmd.Commands()

	names := make(map[string]bool)
	for _, c := range cmds {
		names[c.Name()] = true
	}

	expected := []string{"import", "run", "batch", "serve", "export", "usage"}
	for _, name := range expected {
		assert.True(t, names[name], "expected subcommand %q not found", name)
	}
}

func TestRootCommand_Metadata(t *testing.T) {
	assert.Equal(t, "aum-tracker", rootCmd.Use)
	assert.NotEmpty(t, rootCmd.Short)
	assert.NotEmpty(t, rootCmd.Long)
}

func TestImportCommand_RequiredFlags(t *testing.T) {
	flag := importCmd.Flags().Lookup("csv")
	require.NotNil(t, flag, "import command should have --csv flag")
}

func TestRunCommand_RequiredFlags(t *testing.T) {
	flag := runCmd.Flags().Lookup("company")
	require.NotNil(t, flag, "run command should have --company flag")
}

func TestBatchCommand_Flags(t *testing.T) {
	flag := batchCmd.Flags().Lookup("limit")
	require.NotNil(t, flag, "batch command should have --limit flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestServeCommand_Flags(t *testing.T) {
	flag := serveCmd.Flags().Lookup("port")
	require.NotNil(t, flag, "serve command should have --port flag")
	assert.Equal(t, "0", flag.DefValue)
}

func TestExportCommand_Flags(t *testing.T) {
	format := exportCmd.Flags().Lookup("format")
	require.NotNil(t, format, "export command should have --format flag")
	assert.Equal(t, "csv", format.DefValue)

	out := exportCmd.Flags().Lookup("out")
	require.NotNil(t, out, "export command should have --out flag")
}

func TestUsageCommand_Flags(t *testing.T) {
	flag := usageCmd.Flags().Lookup("day")
	require.NotNil(t, flag, "usage command should have --day flag")
	assert.Equal(t, "", flag.DefValue)
}
