// SPDX-License-Identifier: Apache-2.0

package icp

import (
	"github.com/aviate-labs/agent-go"
	"github.com/aviate-labs/agent-go/candid/idl"
	"github.com/aviate-labs/agent-go/principal"
)

// EscrowAgent is a client for the "escrow" canister.
type EscrowAgent struct {
	a          *agent.Agent
	canisterID principal.Principal
}

type (
	// InvokeRequest is the argument of "invoke".
	InvokeRequest = struct {
		Nonce     uint64  `ic:"nonce"`
		Reference string  `ic:"reference"`
		Method    string  `ic:"method"`
		Payload   string  `ic:"payload"`
		Block     *uint64 `ic:"block"`
	}

	// InvokeResult is the result of "invoke".
	InvokeResult = struct {
		Ok     bool   `ic:"ok"`
		Detail string `ic:"detail"`
	}

	// ViewRequest is the argument of "view".
	ViewRequest = struct {
		Method string `ic:"method"`
		Args   string `ic:"args"`
	}
)

// NewEscrowAgent creates a new agent for the "escrow" canister.
func NewEscrowAgent(canisterID principal.Principal, config agent.Config) (*EscrowAgent, error) {
	a, err := agent.New(config)
	if err != nil {
		return nil, err
	}
	return &EscrowAgent{
		a:          a,
		canisterID: canisterID,
	}, nil
}

// NextNonce calls the "next_nonce" query on the "escrow" canister.
func (a EscrowAgent) NextNonce(account string) (uint64, error) {
	args, err := idl.Marshal([]any{account})
	if err != nil {
		return 0, err
	}
	var r0 uint64
	if err := a.a.Query(
		a.canisterID,
		"next_nonce",
		args,
		[]any{&r0},
	); err != nil {
		return 0, err
	}
	return r0, nil
}

// CertifiedHeight calls the "certified_height" query on the "escrow" canister.
func (a EscrowAgent) CertifiedHeight() (uint64, error) {
	args, err := idl.Marshal([]any{})
	if err != nil {
		return 0, err
	}
	var r0 uint64
	if err := a.a.Query(
		a.canisterID,
		"certified_height",
		args,
		[]any{&r0},
	); err != nil {
		return 0, err
	}
	return r0, nil
}

// Invoke calls the "invoke" method on the "escrow" canister and waits for
// the certified reply.
func (a EscrowAgent) Invoke(arg0 InvokeRequest) (*InvokeResult, error) {
	args, err := idl.Marshal([]any{arg0})
	if err != nil {
		return nil, err
	}
	var r0 InvokeResult
	if err := a.a.Call(
		a.canisterID,
		"invoke",
		args,
		[]any{&r0},
	); err != nil {
		return nil, err
	}
	return &r0, nil
}

// View calls the "view" query on the "escrow" canister.
func (a EscrowAgent) View(arg0 ViewRequest) (string, error) {
	args, err := idl.Marshal([]any{arg0})
	if err != nil {
		return "", err
	}
	var r0 string
	if err := a.a.Query(
		a.canisterID,
		"view",
		args,
		[]any{&r0},
	); err != nil {
		return "", err
	}
	return r0, nil
}
