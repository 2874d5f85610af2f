// SPDX-License-Identifier: Apache-2.0

package icp

import (
	"context"
	"fmt"
	"os/exec"
	"sort"
	"strings"
	"time"

	"github.com/jpillora/backoff"
	"github.com/pkg/errors"
	"perun.network/go-perun/log"
)

// Canister names in the dfx project of the devnet.
const (
	LedgerCanister = "ledger"
	EscrowCanister = "perp_escrow"
)

// DefaultDevnetHost is the replica address of a local devnet.
const DefaultDevnetHost = "127.0.0.1:4943"

type (
	// DevnetConfig describes a local replica started with dfx.
	DevnetConfig struct {
		// Dir is the dfx project holding the ledger and escrow canisters.
		Dir  string
		Host string
		// Dfx is the dfx binary, looked up in PATH if empty.
		Dfx    string
		Minter string
		// Balances are the initial ledger balances in e8s by account id.
		Balances map[string]uint64
		// Ready bounds the wait for the replica to answer.
		Ready time.Duration
	}

	// Devnet is a running local replica with deployed canisters.
	Devnet struct {
		log.Embedding

		cfg DevnetConfig
		dfx string
	}
)

// StartDevnet starts a clean replica and deploys the ledger and escrow
// canisters to it.
func StartDevnet(ctx context.Context, cfg DevnetConfig) (*Devnet, error) {
	if cfg.Host == "" {
		cfg.Host = DefaultDevnetHost
	}
	if cfg.Ready <= 0 {
		cfg.Ready = 30 * time.Second
	}
	if cfg.Dfx == "" {
		cfg.Dfx = "dfx"
	}
	path, err := exec.LookPath(cfg.Dfx)
	if err != nil {
		return nil, errors.Wrap(err, "dfx is not installed, check with 'dfx --version'")
	}
	d := &Devnet{
		Embedding: log.MakeEmbedding(log.WithField("devnet", cfg.Host)),
		cfg:       cfg,
		dfx:       path,
	}

	d.Log().Info("Starting replica")
	if _, err := d.run(ctx, "start", "--background", "--clean", "--host", cfg.Host); err != nil {
		return nil, err
	}
	if err := d.awaitReady(ctx); err != nil {
		return nil, err
	}
	if err := d.deploy(ctx); err != nil {
		return nil, err
	}
	return d, nil
}

// Endpoint is the replica URL for the chain config.
func (d *Devnet) Endpoint() string {
	return "http://" + d.cfg.Host
}

// CanisterID returns the principal dfx assigned to the canister name.
func (d *Devnet) CanisterID(ctx context.Context, name string) (string, error) {
	out, err := d.run(ctx, "canister", "id", name)
	return strings.TrimSpace(out), err
}

// Stop shuts the replica down.
func (d *Devnet) Stop(ctx context.Context) error {
	_, err := d.run(ctx, "stop")
	if err == nil {
		d.Log().Info("Replica stopped")
	}
	return err
}

func (d *Devnet) awaitReady(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, d.cfg.Ready)
	defer cancel()
	b := &backoff.Backoff{Min: 100 * time.Millisecond, Max: 2 * time.Second, Factor: 2}
	for {
		_, err := d.run(ctx, "ping", "http://"+d.cfg.Host)
		if err == nil {
			return nil
		}
		select {
		case <-ctx.Done():
			return errors.WithMessage(err, "replica not ready")
		case <-time.After(b.Duration()):
		}
	}
}

func (d *Devnet) deploy(ctx context.Context) error {
	arg := LedgerArg(d.cfg.Minter, d.cfg.Balances)
	d.Log().Debugf("Deploying ledger with %s", arg)
	if _, err := d.run(ctx, "deploy", LedgerCanister, "--argument", arg); err != nil {
		return err
	}
	if _, err := d.run(ctx, "deploy", EscrowCanister); err != nil {
		return err
	}
	d.Log().Info("Canisters deployed")
	return nil
}

func (d *Devnet) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, d.dfx, args...)
	cmd.Dir = d.cfg.Dir
	out, err := cmd.CombinedOutput()
	if err != nil {
		return "", errors.Wrapf(err, "dfx %s: %s", args[0], strings.TrimSpace(string(out)))
	}
	return string(out), nil
}

// LedgerArg is the candid init argument of the ICP ledger canister.
func LedgerArg(minter string, balances map[string]uint64) string {
	accounts := make([]string, 0, len(balances))
	for acc := range balances {
		accounts = append(accounts, acc)
	}
	sort.Strings(accounts)

	values := make([]string, len(accounts))
	for i, acc := range accounts {
		values[i] = fmt.Sprintf("record { %q; record { e8s = %d } }", acc, balances[acc])
	}
	return fmt.Sprintf("(record { minting_account = %q; initial_values = vec { %s }; send_whitelist = vec {} })",
		minter, strings.Join(values, "; "))
}
