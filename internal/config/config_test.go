package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	v := Register(fs)
	require.NoError(t, fs.Parse(args))
	return Load(v)
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := load(t)
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
	require.Equal(t, "rocksdb", cfg.CacheDriver)
	require.Equal(t, "regtest", cfg.Network)
	require.Equal(t, int64(10), cfg.MinConfirmations)
	require.Equal(t, int64(100), cfg.CheckpointRetention)
	require.Equal(t, int64(1000), cfg.CheckpointInterval)
	require.Equal(t, int64(1000), cfg.CacheRetention)
	require.Equal(t, 2*time.Second, cfg.PollInterval)
	require.Equal(t, "none", cfg.BrokerDriver)
	require.Equal(t, "compactblock", cfg.ZMQTopic)
}

func TestLoad_Precedence(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "lc.yaml")
	require.NoError(t, os.WriteFile(file, []byte("db-driver: postgres\nreorg-step: 4\nlisten: 0.0.0.0:9000\n"), 0o600))

	t.Setenv("JUNO_LC_REORG_STEP", "6")
	t.Setenv("JUNO_LC_MIN_CONFIRMATIONS", "3")

	cfg, err := load(t, "--config", file, "--min-confirmations", "5")
	require.NoError(t, err)
	require.Equal(t, "postgres", cfg.DBDriver)
	require.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	// env beats the file, flags beat env
	require.Equal(t, int64(6), cfg.ReorgStep)
	require.Equal(t, int64(5), cfg.MinConfirmations)
}

func TestLoad_MissingConfigFileIsIgnored(t *testing.T) {
	cfg, err := load(t, "--config", filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	require.Equal(t, "sqlite", cfg.DBDriver)
}

func TestLoad_Invalid(t *testing.T) {
	_, err := load(t, "--min-confirmations", "0")
	require.Error(t, err)
	_, err = load(t, "--reorg-step", "-1")
	require.Error(t, err)
}
