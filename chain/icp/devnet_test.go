// SPDX-License-Identifier: Apache-2.0

package icp_test

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"perun.network/perun-perp-backend/chain/icp"
)

// fakeDfx writes a dfx stand-in that logs its arguments and fails the
// first pings.
func fakeDfx(t *testing.T) (bin, calls string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("needs a POSIX shell")
	}
	dir := t.TempDir()
	calls = filepath.Join(dir, "calls")
	bin = filepath.Join(dir, "dfx")
	script := `#!/bin/sh
echo "$@" >> ` + calls + `
case "$1" in
ping)
	n=$(grep -c '^ping' ` + calls + `)
	[ "$n" -ge 2 ] || exit 1 ;;
canister)
	echo "be2us-64aaa-aaaaa-qaabq-cai" ;;
esac
`
	require.NoError(t, os.WriteFile(bin, []byte(script), 0o700))
	return bin, calls
}

func TestLedgerArg(t *testing.T) {
	arg := icp.LedgerArg("mint", map[string]uint64{"b": 2, "a": 80_000_000})
	assert.Equal(t,
		`(record { minting_account = "mint"; initial_values = vec { record { "a"; record { e8s = 80000000 } }; record { "b"; record { e8s = 2 } } }; send_whitelist = vec {} })`,
		arg)
}

func TestDevnet(t *testing.T) {
	bin, calls := fakeDfx(t)
	ctx := context.Background()

	d, err := icp.StartDevnet(ctx, icp.DevnetConfig{Dir: t.TempDir(), Dfx: bin, Minter: "mint", Ready: 5 * time.Second})
	require.NoError(t, err)
	assert.Equal(t, "http://"+icp.DefaultDevnetHost, d.Endpoint())

	id, err := d.CanisterID(ctx, icp.EscrowCanister)
	require.NoError(t, err)
	assert.Equal(t, "be2us-64aaa-aaaaa-qaabq-cai", id)
	require.NoError(t, d.Stop(ctx))

	raw, err := os.ReadFile(calls)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(raw)), "\n")
	require.Len(t, lines, 7)
	assert.Equal(t, "start --background --clean --host "+icp.DefaultDevnetHost, lines[0])
	assert.True(t, strings.HasPrefix(lines[1], "ping"))
	assert.True(t, strings.HasPrefix(lines[2], "ping"))
	assert.True(t, strings.HasPrefix(lines[3], "deploy ledger --argument"))
	assert.Equal(t, "deploy "+icp.EscrowCanister, lines[4])
	assert.Equal(t, "canister id "+icp.EscrowCanister, lines[5])
	assert.Equal(t, "stop", lines[6])
}

func TestDevnetMissingDfx(t *testing.T) {
	_, err := icp.StartDevnet(context.Background(), icp.DevnetConfig{Dfx: filepath.Join(t.TempDir(), "nope")})
	assert.Error(t, err)
}
