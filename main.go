// SPDX-License-Identifier: Apache-2.0

// Command perp-backend runs the maker and taker engines of perpetual funding
// channels behind an HTTP API.
package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"
	"perun.network/go-perun/log"
	plogrus "perun.network/go-perun/log/logrus"

	"perun.network/perun-perp-backend/api"
	"perun.network/perun-perp-backend/chain"
	"perun.network/perun-perp-backend/chain/cosmos"
	"perun.network/perun-perp-backend/chain/icp"
	"perun.network/perun-perp-backend/chain/near"
	"perun.network/perun-perp-backend/chancrypto/edlib"
	"perun.network/perun-perp-backend/config"
	"perun.network/perun-perp-backend/pricefeed"
	"perun.network/perun-perp-backend/session"
	"perun.network/perun-perp-backend/store"
	"perun.network/perun-perp-backend/wallet"
)

func main() {
	if err := newApp().Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "perp-backend",
		Usage: "perpetual funding channels over escrowed chain liquidity",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "config",
				Aliases: []string{"c"},
				Usage:   "config file (yaml, json or toml)",
				EnvVars: []string{config.EnvPrefix + "_CONFIG"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "start the daemon",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "load", Usage: "restore the saved engines from the state dir"},
				},
				Action: runDaemon,
			},
			{
				Name:  "devnet",
				Usage: "start a local ICP replica with the ledger and escrow canisters",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "dir", Value: ".", Usage: "dfx project directory"},
					&cli.StringFlag{Name: "host", Value: icp.DefaultDevnetHost},
					&cli.StringFlag{Name: "minter", Required: true, Usage: "minting account id"},
					&cli.StringSliceFlag{Name: "fund", Usage: "account id funded with 1 ICP, repeatable"},
				},
				Action: runDevnet,
			},
			{
				Name:  "keys",
				Usage: "derive a signing key for a chain account from a keystore",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "keystore", Value: "keystore.bin", Usage: "created if missing"},
					&cli.Uint64Flag{Name: "index", Usage: "derivation index of the account"},
				},
				Action: runKeys,
			},
		},
		DefaultCommand: "run",
	}
}

func runDaemon(c *cli.Context) error {
	cfg, err := config.Load(c.String("config"))
	if err != nil {
		return err
	}
	if err := setupLogging(cfg.Log); err != nil {
		return err
	}

	d, err := newDaemon(cfg, c.Bool("load"))
	if err != nil {
		return err
	}
	defer d.Close()

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return d.Run(ctx)
}

func runDevnet(c *cli.Context) error {
	balances := make(map[string]uint64)
	for _, acc := range c.StringSlice("fund") {
		balances[acc] = 100_000_000
	}
	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	dn, err := icp.StartDevnet(ctx, icp.DevnetConfig{
		Dir:      c.String("dir"),
		Host:     c.String("host"),
		Minter:   c.String("minter"),
		Balances: balances,
	})
	if err != nil {
		return err
	}
	escrow, err := dn.CanisterID(ctx, icp.EscrowCanister)
	if err != nil {
		return err
	}
	ledger, err := dn.CanisterID(ctx, icp.LedgerCanister)
	if err != nil {
		return err
	}
	fmt.Printf("endpoint: %s\ncontract: %s\nledger: %s\n", dn.Endpoint(), escrow, ledger)

	<-ctx.Done()
	return dn.Stop(context.Background())
}

func runKeys(c *cli.Context) error {
	pub, sec, err := deriveKey(c.String("keystore"), c.Uint64("index"))
	if err != nil {
		return err
	}
	fmt.Fprintf(c.App.Writer, "public_key: %s\nsecret_key: %s\n", pub, sec)
	return nil
}

// deriveKey returns the keys of account index of the keystore at path in
// the ed25519:<base58> form of the chain configs.
func deriveKey(path string, index uint64) (pub, sec string, err error) {
	ks, err := wallet.OpenKeystore(path, rand.Reader)
	if err != nil {
		return "", "", err
	}
	acc, err := ks.Account(index)
	if err != nil {
		return "", "", err
	}
	return near.FormatPublicKey(acc.PublicKey()), near.FormatSecretKey(acc), nil
}

func setupLogging(cfg config.Log) error {
	lvl, err := cfg.ParseLevel()
	if err != nil {
		return err
	}
	f, err := cfg.Formatter()
	if err != nil {
		return err
	}
	plogrus.Set(lvl, f)
	return nil
}

// newChains builds the clients of the configured chains. Chains that fail
// to build are logged and left out.
func newChains(cfgs []chain.Config) *chain.Registry {
	r := chain.NewRegistry()
	r.Register(near.Kind, near.Factory)
	r.Register(cosmos.Kind, cosmos.Factory)
	r.Register(icp.Kind, icp.Factory)
	if err := r.Build(cfgs); err != nil {
		log.Warnf("Some chains are unavailable: %v", err)
	}
	return r
}

type daemon struct {
	cfg    config.Config
	store  *store.Store
	reg    *session.Registry
	server *api.Server
	feed   *pricefeed.Feed
}

func newDaemon(cfg config.Config, load bool) (*daemon, error) {
	st, err := store.Open(cfg.StateDir)
	if err != nil {
		return nil, err
	}
	reg := session.NewRegistry(edlib.Library{}, rand.Reader, newChains(cfg.Chains),
		api.NewPeerClient(cfg.PeerURL, cfg.PeerTimeout),
		session.WithPersister(st),
		session.WithRoundTimeout(cfg.RoundTimeout))

	if load {
		ctx := context.Background()
		makers, err := st.Makers(ctx)
		if err != nil {
			st.Close()
			return nil, err
		}
		takers, err := st.Takers(ctx)
		if err != nil {
			st.Close()
			return nil, err
		}
		reg.Restore(makers, takers)
	}

	d := &daemon{cfg: cfg, store: st, reg: reg, server: api.NewServer(reg)}
	if cfg.PriceFeed.URL != "" {
		d.feed = pricefeed.New(cfg.PriceFeed.URL, cfg.PriceFeed.Asset, reg.UpdateMarketData,
			pricefeed.WithInterval(cfg.PriceFeed.Interval))
	}
	return d, nil
}

// Run serves the API and runs the background loops until ctx is done.
func (d *daemon) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return d.server.ListenAndServe(ctx, d.cfg.Listen) })
	if d.cfg.SettleInterval > 0 {
		g.Go(func() error {
			d.reg.Settle(ctx, d.cfg.SettleInterval)
			return nil
		})
	}
	if d.feed != nil {
		g.Go(func() error {
			d.feed.Run(ctx)
			return nil
		})
	}
	return g.Wait()
}

func (d *daemon) Close() error {
	return d.store.Close()
}
