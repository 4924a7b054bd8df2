package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const wallet = "0x1111111111111111111111111111111111111111"

func TestDefaultsValidate(t *testing.T) {
	cfg := Defaults()
	require.NoError(t, cfg.Validate())
}

func TestValidateCollectsEveryProblem(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "trade"
	cfg.LogLevel = "loud"
	cfg.Redis.Addr = ""
	cfg.Rebalance.Rounds = 0
	cfg.Rebalance.Curves = []CurveConfig{{IRM: "nope", Kink: 2}}
	cfg.Sync.Wallets = []string{"bob"}

	err := cfg.Validate()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, `unknown mode "trade"`)
	assert.Contains(t, msg, `unknown log_level "loud"`)
	assert.Contains(t, msg, "redis: addr must not be empty")
	assert.Contains(t, msg, "rebalance: rounds must be >= 1")
	assert.Contains(t, msg, `rebalance.curves[0]: irm "nope" is not a hex address`)
	assert.Contains(t, msg, "rebalance.curves[0]: kink must be in (0, 1]")
	assert.Contains(t, msg, `sync: wallet "bob" is not a hex address`)
}

func TestValidateSyncNeedsSubgraph(t *testing.T) {
	cfg := Defaults()
	cfg.Mode = "sync"
	cfg.Subgraph.URL = ""
	assert.ErrorContains(t, cfg.Validate(), "subgraph: url must not be empty")

	cfg.Mode = "server"
	assert.NoError(t, cfg.Validate())
}

func TestLoadMergesFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
mode = "monitor"

[rebalance]
rounds = 40
excluded_markets = ["0xdead"]

[[rebalance.curves]]
irm = "` + wallet + `"
slope1 = 0.1
slope2 = 1.0
kink = 0.8

[monitor]
interval = "90s"
min_improvement_bps = 10
`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))

	t.Setenv("LENDBOT_SYNC_WALLETS", wallet+", ")
	t.Setenv("LENDBOT_SERVER_PORT", "9100")
	t.Setenv("LENDBOT_REBALANCE_SECONDS_PER_YEAR", "31557600")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "monitor", cfg.Mode)
	assert.Equal(t, 40, cfg.Rebalance.Rounds)
	assert.Equal(t, []string{"0xdead"}, cfg.Rebalance.ExcludedMarkets)
	require.Len(t, cfg.Rebalance.Curves, 1)
	assert.InDelta(t, 0.8, cfg.Rebalance.Curves[0].Kink, 1e-12)
	assert.Equal(t, 90*time.Second, cfg.Monitor.Interval.Duration)
	assert.Equal(t, 9100, cfg.Server.Port)
	assert.Equal(t, 31557600.0, cfg.Rebalance.SecondsPerYear)
	assert.Equal(t, []string{wallet}, cfg.MonitorWallets())
	assert.Equal(t, 5*time.Minute, cfg.Sync.Interval.Duration, "defaults survive")
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.toml"))
	assert.Error(t, err)
}

func TestRedactedConfig(t *testing.T) {
	cfg := Defaults()
	cfg.Postgres.Password = "hunter2"
	cfg.Server.APIKey = "key"
	cfg.Sync.Wallets = []string{wallet}

	out := RedactedConfig(&cfg)
	assert.Equal(t, "***", out.Postgres.Password)
	assert.Equal(t, "***", out.Server.APIKey)
	assert.Equal(t, "", out.Redis.Password, "empty secrets stay empty")

	out.Sync.Wallets[0] = "changed"
	assert.Equal(t, wallet, cfg.Sync.Wallets[0])
	assert.Equal(t, "hunter2", cfg.Postgres.Password)
}
