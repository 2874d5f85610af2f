// SPDX-License-Identifier: Apache-2.0

package wallet

import (
	"bytes"
	"encoding/hex"

	ed "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/pkg/errors"
	"perun.network/go-perun/wallet"
)

// Address is an ed25519 public key. It marshals to lower case hex in JSON.
type Address ed.PublicKey

var _ wallet.Address = (*Address)(nil)

// ParseAddress decodes the hex form produced by String.
func ParseAddress(s string) (Address, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, "decoding address")
	}
	var a Address
	if err := a.UnmarshalBinary(raw); err != nil {
		return nil, err
	}
	return a, nil
}

func (a Address) MarshalBinary() ([]byte, error) {
	return a[:], nil
}

func (a *Address) UnmarshalBinary(data []byte) error {
	if len(data) != ed.PublicKeySize {
		return errors.Errorf("invalid PK length: %d/%d", len(data), ed.PublicKeySize)
	}

	*a = make(Address, ed.PublicKeySize)
	copy(*a, data)
	return nil
}

func (a Address) MarshalText() ([]byte, error) {
	return []byte(a.String()), nil
}

func (a *Address) UnmarshalText(text []byte) error {
	parsed, err := ParseAddress(string(text))
	if err != nil {
		return err
	}
	*a = parsed
	return nil
}

func (a Address) String() string {
	return hex.EncodeToString(a[:])
}

func (a Address) Equal(b wallet.Address) bool {
	other, ok := b.(*Address)
	if !ok || other == nil {
		return false
	}
	return bytes.Equal(a[:], (*other)[:])
}

func (a Address) Cmp(b wallet.Address) int {
	return bytes.Compare(a[:], (*b.(*Address))[:])
}

// Verify checks an ed25519 signature made by the key behind a.
func (a Address) Verify(msg, sig []byte) bool {
	if len(a) != ed.PublicKeySize || len(sig) != ed.SignatureSize {
		return false
	}
	return ed.Verify(ed.PublicKey(a), msg, sig)
}
