package main

import (
	"context"
	"io"
	"testing"

	"github.com/phrazzld/scry-queue/internal/platform/postgres"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRootCommand_Subcommands(t *testing.T) {
	root := newRootCommand()

	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "worker", "migrate"})
	assert.NotNil(t, root.PersistentFlags().Lookup("config"))
}

func TestRootCommand_MigrateArgs(t *testing.T) {
	tests := []struct {
		name string
		args []string
	}{
		{name: "missing command", args: []string{"migrate"}},
		{name: "unknown command", args: []string{"migrate", "sideways"}},
		{name: "too many", args: []string{"migrate", "up", "down"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			root := newRootCommand()
			root.SetArgs(tt.args)
			root.SetOut(io.Discard)
			root.SetErr(io.Discard)
			assert.Error(t, root.Execute())
		})
	}
}

func TestRootCommand_MissingConfigFile(t *testing.T) {
	root := newRootCommand()
	root.SetArgs([]string{"serve", "--config", t.TempDir() + "/missing.yaml"})
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)

	err := root.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to load configuration")
}

func TestMigrate_Rejections(t *testing.T) {
	cfg := testConfig()

	err := migrate(context.Background(), cfg, "sideways", testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown migration command")

	err = migrate(context.Background(), cfg, postgres.MigrateUp, testLogger())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "postgres database driver")
}

func TestPoolConfig(t *testing.T) {
	cfg := testConfig().Database
	cfg.MaxOpenConns = 7
	cfg.MaxIdleConns = 3

	pool := poolConfig(cfg)
	assert.Equal(t, 7, pool.MaxOpenConns)
	assert.Equal(t, 3, pool.MaxIdleConns)
}
