// SPDX-License-Identifier: Apache-2.0

package wallet

import (
	"crypto"
	"io"

	ed "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/pkg/errors"
	"perun.network/go-perun/wallet"
)

// Account is an ed25519 signing key of one channel party.
type Account ed.PrivateKey

var _ wallet.Account = (*Account)(nil)

// NewAccount draws a fresh key from rng.
func NewAccount(rng io.Reader) (Account, error) {
	_, sk, err := ed.GenerateKey(rng)
	if err != nil {
		return nil, errors.Wrap(err, "generating ed25519 key")
	}
	return Account(sk), nil
}

// AccountFromSeed rebuilds the key belonging to a 32 byte seed.
func AccountFromSeed(seed []byte) (Account, error) {
	if len(seed) != ed.SeedSize {
		return nil, errors.Errorf("invalid seed length: %d/%d", len(seed), ed.SeedSize)
	}
	return Account(ed.NewKeyFromSeed(seed)), nil
}

// AccountFromBytes checks and wraps a serialized 64 byte private key.
func AccountFromBytes(sk []byte) (Account, error) {
	if len(sk) != ed.PrivateKeySize {
		return nil, errors.Errorf("invalid private key length: %d/%d", len(sk), ed.PrivateKeySize)
	}
	acc := make(Account, ed.PrivateKeySize)
	copy(acc, sk)
	return acc, nil
}

func (a Account) Address() wallet.Address {
	addr := a.PublicKey()
	return &addr
}

// PublicKey returns the typed public half of the key.
func (a Account) PublicKey() Address {
	return Address(ed.PrivateKey(a).Public().(ed.PublicKey))
}

func (a Account) SignData(data []byte) ([]byte, error) {
	return ed.PrivateKey(a).Sign(nil, data, crypto.Hash(0))
}

// Seed returns the 32 byte seed the key was derived from.
func (a Account) Seed() []byte {
	return ed.PrivateKey(a).Seed()
}
