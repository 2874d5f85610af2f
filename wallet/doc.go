// SPDX-License-Identifier: Apache-2.0

// Package wallet holds the ed25519 party keys of the funding-channel daemon.
// A key identifies a maker or taker inside a channel token and signs escrow
// transactions on ed25519 ledgers. Importing the package registers it as the
// go-perun wallet backend.
package wallet // import "perun.network/perun-perp-backend/wallet"
