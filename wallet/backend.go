// SPDX-License-Identifier: Apache-2.0

package wallet

import (
	"io"

	ed "github.com/oasisprotocol/curve25519-voi/primitives/ed25519"
	"github.com/pkg/errors"
	"perun.network/go-perun/wallet"
)

// Backend verifies party signatures for go-perun.
type Backend struct{}

var _ wallet.Backend = Backend{}

func init() {
	wallet.SetBackend(Backend{})
}

func (Backend) NewAddress() wallet.Address {
	a := make(Address, 0)
	return &a
}

func (Backend) DecodeSig(r io.Reader) (wallet.Sig, error) {
	sig := make([]byte, ed.SignatureSize)
	if _, err := io.ReadFull(r, sig); err != nil {
		return nil, errors.Wrap(err, "reading signature")
	}
	return wallet.Sig(sig), nil
}

func (Backend) VerifySignature(msg []byte, sig wallet.Sig, a wallet.Address) (bool, error) {
	addr, ok := a.(*Address)
	if !ok {
		return false, errors.Errorf("unexpected address type %T", a)
	}
	return addr.Verify(msg, sig), nil
}
