package config

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	sorterrors "github.com/tamirms/groupsort/errors"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "linesort.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", nil)
	require.NoError(t, err)
	assert.Equal(t, Default(), *cfg)
}

func TestLoadPrecedence(t *testing.T) {
	path := writeConfig(t, `
bufferSize: 65536
maxMemoryForLines: 1048576
sortingSegment: uint32
log:
  level: debug
`)
	t.Setenv("LINESORT_MAXMEMORYFORLINES", "2097152")
	t.Setenv("LINESORT_LOG_FORMAT", "json")

	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	RegisterFlags(fs)
	require.NoError(t, fs.Parse([]string{"--sorting-segment=byte", "--grouper-engines=3"}))

	cfg, err := Load(path, fs)
	require.NoError(t, err)
	assert.Equal(t, 65536, cfg.BufferSize, "file overrides default")
	assert.Equal(t, int64(2097152), cfg.MaxMemoryForLines, "env overrides file")
	assert.Equal(t, "byte", cfg.SortingSegment, "flag overrides file")
	assert.Equal(t, 3, cfg.GrouperEnginesCount)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	assert.Error(t, err)
}

func TestYAMLRoundTrip(t *testing.T) {
	cfg := Default()
	cfg.TempDir = "/scratch"
	cfg.Metrics.Addr = ":9090"
	out, err := cfg.YAML()
	require.NoError(t, err)

	var back Config
	require.NoError(t, yaml.Unmarshal(out, &back))
	assert.Equal(t, cfg, back)

	loaded, err := Load(writeConfig(t, string(out)), nil)
	require.NoError(t, err)
	assert.Equal(t, cfg, *loaded)
}

func TestLogger(t *testing.T) {
	cfg := Default()
	cfg.Log = LogConfig{Level: "warn", Format: "json"}
	var buf bytes.Buffer
	logger, err := cfg.Logger(&buf)
	require.NoError(t, err)
	logger.Info().Msg("hidden")
	logger.Warn().Msg("shown")
	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"message":"shown"`)

	cfg.Log.Level = "loud"
	_, err = cfg.Logger(&buf)
	assert.ErrorIs(t, err, sorterrors.ErrInvalidConfig)

	cfg.Log = LogConfig{Level: "info", Format: "xml"}
	_, err = cfg.Logger(&buf)
	assert.ErrorIs(t, err, sorterrors.ErrInvalidConfig)
}

func TestOptions(t *testing.T) {
	cfg := Default()
	opts, err := cfg.Options(zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Len(t, opts, 6)

	cfg.TempDir = t.TempDir()
	opts, err = cfg.Options(zerolog.Nop(), nil)
	require.NoError(t, err)
	assert.Len(t, opts, 7)

	cfg.SortingSegment = "uint16"
	_, err = cfg.Options(zerolog.Nop(), nil)
	assert.ErrorIs(t, err, sorterrors.ErrInvalidConfig)

	cfg = Default()
	cfg.BufferSize = 0
	_, err = cfg.Options(zerolog.Nop(), nil)
	assert.ErrorIs(t, err, sorterrors.ErrInvalidConfig)
}
