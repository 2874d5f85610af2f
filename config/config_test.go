// SPDX-License-Identifier: Apache-2.0

package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perun.network/perun-perp-backend/config"
)

const sample = `
listen: ":4000"
peer_url: http://maker:3031
round_timeout: 5s
settle_interval: 1m
log:
  level: debug
  format: json
price_feed:
  url: http://prices/simple/price
  asset: cosmos
chains:
  - name: near
    kind: near
    endpoint: https://rpc.testnet.near.org
    account: maker.testnet
    contract: escrow.testnet
    secret_key: ed25519:abc
    poll_interval: 2s
  - name: Cosmos
    kind: cosmos
    endpoint: http://localhost:1317
    chain_id: testing
    gas: 200000
`

func write(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestDefaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, ":3031", cfg.Listen)
	assert.Equal(t, "http://localhost:3031", cfg.PeerURL)
	assert.Equal(t, 30*time.Second, cfg.RoundTimeout)
	assert.Equal(t, 60*time.Second, cfg.PriceFeed.Interval)
	assert.Empty(t, cfg.PriceFeed.URL)
	assert.Zero(t, cfg.SettleInterval)
	assert.Empty(t, cfg.Chains)
}

func TestLoadFile(t *testing.T) {
	cfg, err := config.Load(write(t, "perp.yaml", sample))
	require.NoError(t, err)

	assert.Equal(t, ":4000", cfg.Listen)
	assert.Equal(t, "http://maker:3031", cfg.PeerURL)
	assert.Equal(t, 5*time.Second, cfg.RoundTimeout)
	assert.Equal(t, time.Minute, cfg.SettleInterval)
	assert.Equal(t, "cosmos", cfg.PriceFeed.Asset)
	assert.Equal(t, 60*time.Second, cfg.PriceFeed.Interval)

	require.Len(t, cfg.Chains, 2)
	assert.Equal(t, "escrow.testnet", cfg.Chains[0].Contract)
	assert.Equal(t, 2*time.Second, cfg.Chains[0].PollInterval)
	assert.Equal(t, uint64(200000), cfg.Chains[1].Gas)

	lvl, err := cfg.Log.ParseLevel()
	require.NoError(t, err)
	assert.Equal(t, logrus.DebugLevel, lvl)
	f, err := cfg.Log.Formatter()
	require.NoError(t, err)
	assert.IsType(t, &logrus.JSONFormatter{}, f)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("PERP_LISTEN", ":5000")
	t.Setenv("PERP_PRICE_FEED_INTERVAL", "15s")
	t.Setenv("PERP_LOG_LEVEL", "warn")

	cfg, err := config.Load(write(t, "perp.yaml", sample))
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.Listen)
	assert.Equal(t, 15*time.Second, cfg.PriceFeed.Interval)
	assert.Equal(t, "warn", cfg.Log.Level)
}

func TestInvalid(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)

	_, err = config.Load(write(t, "bad.yaml", "log:\n  format: xml\n"))
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	_, err = config.Load(write(t, "bad.yaml", "log:\n  level: loud\n"))
	assert.Error(t, err)

	_, err = config.Load(write(t, "bad.yaml", "round_timeout: 0s\n"))
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	dup := "chains:\n  - {name: near, kind: near}\n  - {name: NEAR, kind: near}\n"
	_, err = config.Load(write(t, "bad.yaml", dup))
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))

	_, err = config.Load(write(t, "bad.yaml", "chains:\n  - {name: near}\n"))
	assert.True(t, errors.Is(err, config.ErrInvalidConfig))
}
