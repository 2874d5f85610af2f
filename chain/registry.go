// SPDX-License-Identifier: Apache-2.0

package chain

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"
)

type (
	// Config describes one configured chain.
	Config struct {
		Name         string        `mapstructure:"name"`
		Kind         string        `mapstructure:"kind"`
		Endpoint     string        `mapstructure:"endpoint"`
		Account      string        `mapstructure:"account"`
		Contract     string        `mapstructure:"contract"`
		Ledger       string        `mapstructure:"ledger"`
		KeyFile      string        `mapstructure:"key_file"`
		SecretKey    string        `mapstructure:"secret_key"`
		ChainID      string        `mapstructure:"chain_id"`
		Denom        string        `mapstructure:"denom"`
		Gas          uint64        `mapstructure:"gas"`
		PollInterval time.Duration `mapstructure:"poll_interval"`
		Timeout      time.Duration `mapstructure:"timeout"`
	}

	// Factory builds the client of one chain kind.
	Factory func(Config) (Client, error)

	// Registry holds the chain clients of the daemon, looked up by
	// case-insensitive name.
	Registry struct {
		mu        sync.RWMutex
		factories map[string]Factory
		clients   map[string]Client
	}
)

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		factories: make(map[string]Factory),
		clients:   make(map[string]Client),
	}
}

// Register makes kind buildable.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[strings.ToLower(kind)] = f
}

// Build creates a client for every config. Chains that fail are skipped and
// reported together.
func (r *Registry) Build(cfgs []Config) error {
	var result *multierror.Error
	for _, cfg := range cfgs {
		r.mu.RLock()
		f, ok := r.factories[strings.ToLower(cfg.Kind)]
		r.mu.RUnlock()
		if !ok {
			result = multierror.Append(result, errors.WithMessagef(ErrUnknownKind, "chain %s: %q", cfg.Name, cfg.Kind))
			continue
		}
		c, err := f(cfg)
		if err != nil {
			result = multierror.Append(result, errors.WithMessagef(err, "chain %s", cfg.Name))
			continue
		}
		r.Add(cfg.Name, c)
	}
	return result.ErrorOrNil()
}

// Add installs c under name.
func (r *Registry) Add(name string, c Client) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.clients[strings.ToLower(name)] = c
}

// Get returns the client called name.
func (r *Registry) Get(name string) (Client, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.clients[strings.ToLower(name)]
	if !ok {
		return nil, errors.WithMessage(ErrChainUnavailable, name)
	}
	return c, nil
}

// Names lists the configured chains.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.clients))
	for n := range r.clients {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
