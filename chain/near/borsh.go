// SPDX-License-Identifier: Apache-2.0

package near

import (
	"crypto/sha256"
	"math/big"

	"github.com/near/borsh-go"
	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/wallet"
)

const keyTypeED25519 = 0

// Action variants in the order of the NEAR runtime.
const (
	actionCreateAccount borsh.Enum = iota
	actionDeployContract
	actionFunctionCall
)

type (
	publicKey struct {
		KeyType uint8
		Data    [32]byte
	}

	signature struct {
		KeyType uint8
		Data    [64]byte
	}

	functionCall struct {
		MethodName string
		Args       []byte
		Gas        uint64
		// Deposit is in yoctoNEAR.
		Deposit big.Int
	}

	// action is the borsh enum of transaction actions. Only function calls
	// are sent, the leading variants keep the discriminants aligned.
	action struct {
		Enum           borsh.Enum `borsh_enum:"true"`
		CreateAccount  struct{}
		DeployContract struct{ Code []byte }
		FunctionCall   functionCall
	}

	transaction struct {
		SignerID   string
		PublicKey  publicKey
		Nonce      uint64
		ReceiverID string
		BlockHash  [32]byte
		Actions    []action
	}

	signedTransaction struct {
		Transaction transaction
		Signature   signature
	}
)

func newPublicKey(a wallet.Address) (publicKey, error) {
	pk := publicKey{KeyType: keyTypeED25519}
	if len(a) != len(pk.Data) {
		return pk, errors.Errorf("public key of %d bytes", len(a))
	}
	copy(pk.Data[:], a)
	return pk, nil
}

func callAction(call functionCall) action {
	return action{Enum: actionFunctionCall, FunctionCall: call}
}

// hash is the transaction hash that is signed and used to look up the
// outcome.
func (tx *transaction) hash() ([32]byte, error) {
	data, err := borsh.Serialize(*tx)
	if err != nil {
		return [32]byte{}, errors.Wrap(err, "encoding tx")
	}
	return sha256.Sum256(data), nil
}

// sign returns the borsh encoded SignedTransaction and its hash.
func (tx *transaction) sign(acc wallet.Account) ([]byte, [32]byte, error) {
	h, err := tx.hash()
	if err != nil {
		return nil, h, err
	}
	sig, err := acc.SignData(h[:])
	if err != nil {
		return nil, h, err
	}
	signed := signedTransaction{Transaction: *tx, Signature: signature{KeyType: keyTypeED25519}}
	if len(sig) != len(signed.Signature.Data) {
		return nil, h, errors.Errorf("signature of %d bytes", len(sig))
	}
	copy(signed.Signature.Data[:], sig)
	data, err := borsh.Serialize(signed)
	return data, h, errors.Wrap(err, "encoding signed tx")
}
