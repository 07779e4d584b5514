package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/torua/internal/errors"
)

func coordinatorFlags(cfg *Coordinator, args ...string) (*pflag.FlagSet, error) {
	fs := pflag.NewFlagSet("coordinator", pflag.ContinueOnError)
	fs.String("config", "", "")
	cfg.Flags(fs)
	return fs, fs.Parse(args)
}

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "torua.toml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestSetAllDefaults(t *testing.T) {
	var cfg Coordinator
	fs, err := coordinatorFlags(&cfg)
	require.NoError(t, err)
	require.NoError(t, SetAll(viper.New(), fs))

	assert.Equal(t, ":8080", cfg.Bind)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, Duration(5*time.Second), cfg.Health.Interval)
	assert.False(t, cfg.Verbose)
	assert.NoError(t, cfg.Validate())
}

func TestSetAllPriority(t *testing.T) {
	path := writeConfig(t, `
bind = ":9000"
data-dir = "/var/lib/torua"
verbose = true

[health]
interval = "30s"
`)
	t.Setenv("TORUA_DATA_DIR", "/env/dir")
	t.Setenv("TORUA_HEALTH_INTERVAL", "1m")

	var cfg Coordinator
	fs, err := coordinatorFlags(&cfg, "--config", path, "--bind", ":7000")
	require.NoError(t, err)
	require.NoError(t, SetAll(viper.New(), fs))

	assert.Equal(t, ":7000", cfg.Bind, "flag beats file")
	assert.Equal(t, "/env/dir", cfg.DataDir, "environment beats file")
	assert.Equal(t, Duration(time.Minute), cfg.Health.Interval)
	assert.True(t, cfg.Verbose, "file beats default")
}

func TestSetAllRejectsUnknownKeys(t *testing.T) {
	path := writeConfig(t, "bind = \":9000\"\nshards = 4\n")

	var cfg Coordinator
	fs, err := coordinatorFlags(&cfg, "--config", path)
	require.NoError(t, err)
	err = SetAll(viper.New(), fs)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	assert.Contains(t, err.Error(), "shards")
}

func TestSetAllMissingFile(t *testing.T) {
	var cfg Coordinator
	fs, err := coordinatorFlags(&cfg, "--config", filepath.Join(t.TempDir(), "none.toml"))
	require.NoError(t, err)
	assert.Error(t, SetAll(viper.New(), fs))
}

func TestSetAllBadValue(t *testing.T) {
	t.Setenv("TORUA_HEALTH_INTERVAL", "often")

	var cfg Coordinator
	fs, err := coordinatorFlags(&cfg)
	require.NoError(t, err)
	err = SetAll(viper.New(), fs)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "health.interval")
}

func TestNodeValidate(t *testing.T) {
	fs := pflag.NewFlagSet("node", pflag.ContinueOnError)
	var cfg Node
	cfg.Flags(fs)
	require.NoError(t, fs.Parse(nil))
	require.NoError(t, SetAll(viper.New(), fs))
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg.ID = "node-1"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))

	cfg.Coordinator = "http://127.0.0.1:8080"
	assert.NoError(t, cfg.Validate())

	cfg.Advertise = "127.0.0.1:8081"
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
}

func TestCoordinatorValidate(t *testing.T) {
	cfg := Coordinator{Bind: ":8080", DataDir: "d"}
	assert.True(t, errors.Is(cfg.Validate(), ErrInvalidConfig))
	cfg.Health.Interval = Duration(time.Second)
	assert.NoError(t, cfg.Validate())
}

func TestRender(t *testing.T) {
	cfg := Coordinator{Bind: ":8080", DataDir: "/data"}
	cfg.Health.Interval = Duration(90 * time.Second)

	var buf bytes.Buffer
	require.NoError(t, Render(&buf, cfg))
	out := buf.String()
	assert.Contains(t, out, `bind = ":8080"`)
	assert.Contains(t, out, `data-dir = "/data"`)
	assert.Contains(t, out, "[health]")
	assert.Contains(t, out, `interval = "1m30s"`)

	// The rendered file loads back.
	var loaded Coordinator
	fs, err := coordinatorFlags(&loaded, "--config", writeConfig(t, out))
	require.NoError(t, err)
	require.NoError(t, SetAll(viper.New(), fs))
	assert.Equal(t, cfg, loaded)
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte("2h")))
	assert.Equal(t, Duration(2*time.Hour), d)
	assert.Error(t, d.UnmarshalText([]byte("soon")))
}
