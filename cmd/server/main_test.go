package main

import (
	"bytes"
	"context"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/settlement-engine/config"
)

func TestVersionCommand(t *testing.T) {
	cmd := rootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestOverrides_FlagsWinOverEnvironment(t *testing.T) {
	t.Setenv("PORT", "9000")
	t.Setenv("DB_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", "from-env.db")

	var got config.Config
	cmd := rootCmd()
	migrate, _, err := cmd.Find([]string{"migrate"})
	require.NoError(t, err)
	migrate.RunE = func(c *cobra.Command, args []string) error {
		got = config.FromEnv()
		var o overrides
		o.port, _ = c.Flags().GetInt("port")
		o.sqlitePath, _ = c.Flags().GetString("sqlite-path")
		return o.apply(c, &got)
	}
	cmd.SetArgs([]string{"migrate", "--sqlite-path", ":memory:"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, 9000, got.Port, "unchanged flag keeps the environment value")
	assert.Equal(t, ":memory:", got.SQLitePath)
}

func TestOverrides_InvalidResultRejected(t *testing.T) {
	cfg := config.Config{Port: 8080, DBDriver: config.DriverSQLite, SQLitePath: "x.db", ConflictMaxAttempts: 3}
	cmd := rootCmd()
	require.NoError(t, cmd.ParseFlags([]string{"--db-driver", "oracle"}))

	o := overrides{driver: "oracle"}
	assert.Error(t, o.apply(cmd, &cfg))
}

func TestOpenStore_SQLiteMemory(t *testing.T) {
	cfg := config.Config{DBDriver: config.DriverSQLite, SQLitePath: ":memory:", ConflictMaxAttempts: 2}

	store, err := openStore(context.Background(), cfg, config.NewLogger("error"))
	require.NoError(t, err)
	defer store.Close()

	require.NoError(t, store.Ping(context.Background()))
	assert.Equal(t, 2, retryPolicy(cfg).MaxAttempts)
}
