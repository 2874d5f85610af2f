// SPDX-License-Identifier: Apache-2.0

package wallet_test

import (
	"bytes"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	ptest "polycry.pt/poly-go/test"

	"perun.network/perun-perp-backend/wallet"
)

func TestAccountSignVerify(t *testing.T) {
	rng := ptest.Prng(t)
	acc, err := wallet.NewAccount(rng)
	require.NoError(t, err)

	msg := []byte("funding payment")
	sig, err := acc.SignData(msg)
	require.NoError(t, err)

	ok, err := wallet.Backend{}.VerifySignature(msg, sig, acc.Address())
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = wallet.Backend{}.VerifySignature([]byte("other"), sig, acc.Address())
	require.NoError(t, err)
	require.False(t, ok)

	decoded, err := wallet.Backend{}.DecodeSig(bytes.NewReader(sig))
	require.NoError(t, err)
	require.Equal(t, sig, []byte(decoded))
}

func TestAccountFromSeed(t *testing.T) {
	acc, err := wallet.NewAccount(ptest.Prng(t))
	require.NoError(t, err)

	again, err := wallet.AccountFromSeed(acc.Seed())
	require.NoError(t, err)
	require.Equal(t, acc, again)

	_, err = wallet.AccountFromSeed([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestAddressText(t *testing.T) {
	acc, err := wallet.NewAccount(ptest.Prng(t))
	require.NoError(t, err)
	addr := acc.PublicKey()

	raw, err := json.Marshal(addr)
	require.NoError(t, err)

	var decoded wallet.Address
	require.NoError(t, json.Unmarshal(raw, &decoded))
	require.True(t, addr.Equal(&decoded))
	require.Zero(t, addr.Cmp(&decoded))

	_, err = wallet.ParseAddress("zz")
	require.Error(t, err)
}

func TestKeystore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keystore")

	ks, err := wallet.OpenKeystore(path, ptest.Prng(t))
	require.NoError(t, err)

	acc, err := ks.NewAccount()
	require.NoError(t, err)

	loaded, err := wallet.OpenKeystore(path, nil)
	require.NoError(t, err, "loading keystore")

	unlocked, err := loaded.Unlock(acc.Address())
	require.NoError(t, err, "unlocking account")
	require.Equal(t, acc, unlocked, "loaded account must be the generated account")

	other, err := wallet.NewAccount(ptest.Prng(t, "other"))
	require.NoError(t, err)
	_, err = loaded.Unlock(other.Address())
	require.Error(t, err, "expected unlocking to fail")

	third, err := loaded.Account(2)
	require.NoError(t, err)
	again, err := loaded.Account(2)
	require.NoError(t, err)
	require.Equal(t, third, again)
}
