// SPDX-License-Identifier: Apache-2.0

// Package store persists maker and taker snapshots so a restarted daemon
// can resume its channels.
package store

import (
	"context"
	"encoding/json"
	"os"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	dsq "github.com/ipfs/go-datastore/query"
	levelds "github.com/ipfs/go-ds-leveldb"
	"github.com/pkg/errors"

	"perun.network/perun-perp-backend/maker"
	"perun.network/perun-perp-backend/taker"
)

var ErrNotFound = errors.New("snapshot not found")

var (
	makerPrefix = datastore.NewKey("/makers")
	takerPrefix = datastore.NewKey("/takers")
)

// Store keeps one snapshot per maker, keyed by pool id, and one per taker,
// keyed by channel id.
type Store struct {
	lk sync.Mutex

	root   datastore.Datastore
	makers datastore.Datastore
	takers datastore.Datastore
}

// New stores snapshots in ds.
func New(ds datastore.Datastore) *Store {
	return &Store{
		root:   ds,
		makers: namespace.Wrap(ds, makerPrefix),
		takers: namespace.Wrap(ds, takerPrefix),
	}
}

// Open opens or creates a LevelDB store in dir.
func Open(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "creating state dir %s", dir)
	}
	ds, err := levelds.NewDatastore(dir, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "opening datastore in %s", dir)
	}
	return New(ds), nil
}

// Close closes the underlying datastore.
func (s *Store) Close() error {
	return s.root.Close()
}

// SaveMaker writes the snapshot of the maker owning pool.
func (s *Store) SaveMaker(ctx context.Context, pool string, st maker.State) error {
	return s.put(ctx, s.makers, pool, st)
}

// LoadMaker reads the snapshot of the maker owning pool.
func (s *Store) LoadMaker(ctx context.Context, pool string) (maker.State, error) {
	var st maker.State
	return st, s.get(ctx, s.makers, pool, &st)
}

// Makers returns all maker snapshots by pool id.
func (s *Store) Makers(ctx context.Context) (map[string]maker.State, error) {
	out := make(map[string]maker.State)
	err := s.each(ctx, s.makers, func(key string, raw []byte) error {
		var st maker.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		out[key] = st
		return nil
	})
	return out, err
}

// SaveTaker writes the snapshot of a taker under its channel id.
func (s *Store) SaveTaker(ctx context.Context, st taker.State) error {
	return s.put(ctx, s.takers, st.ChannelID, st)
}

// LoadTaker reads the snapshot of the taker of channel id.
func (s *Store) LoadTaker(ctx context.Context, id string) (taker.State, error) {
	var st taker.State
	return st, s.get(ctx, s.takers, id, &st)
}

// Takers returns all taker snapshots.
func (s *Store) Takers(ctx context.Context) ([]taker.State, error) {
	var out []taker.State
	err := s.each(ctx, s.takers, func(_ string, raw []byte) error {
		var st taker.State
		if err := json.Unmarshal(raw, &st); err != nil {
			return err
		}
		out = append(out, st)
		return nil
	})
	return out, err
}

// DeleteTaker removes the snapshot of a closed channel.
func (s *Store) DeleteTaker(ctx context.Context, id string) error {
	s.lk.Lock()
	defer s.lk.Unlock()
	return s.takers.Delete(ctx, datastore.NewKey(id))
}

func (s *Store) put(ctx context.Context, ds datastore.Datastore, key string, v any) error {
	if key == "" {
		return errors.New("empty snapshot key")
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return errors.Wrap(err, "encoding snapshot")
	}
	s.lk.Lock()
	defer s.lk.Unlock()
	if err := ds.Put(ctx, datastore.NewKey(key), raw); err != nil {
		return errors.Wrapf(err, "writing snapshot %s", key)
	}
	return ds.Sync(ctx, datastore.NewKey(key))
}

func (s *Store) get(ctx context.Context, ds datastore.Datastore, key string, v any) error {
	s.lk.Lock()
	raw, err := ds.Get(ctx, datastore.NewKey(key))
	s.lk.Unlock()
	if errors.Is(err, datastore.ErrNotFound) {
		return errors.WithMessage(ErrNotFound, key)
	}
	if err != nil {
		return errors.Wrapf(err, "reading snapshot %s", key)
	}
	return errors.Wrapf(json.Unmarshal(raw, v), "decoding snapshot %s", key)
}

func (s *Store) each(ctx context.Context, ds datastore.Datastore, fn func(key string, raw []byte) error) error {
	s.lk.Lock()
	defer s.lk.Unlock()

	res, err := ds.Query(ctx, dsq.Query{})
	if err != nil {
		return err
	}
	entries, err := res.Rest()
	if err != nil {
		return err
	}
	for _, e := range entries {
		key := strings.TrimPrefix(e.Key, "/")
		if err := fn(key, e.Value); err != nil {
			return errors.Wrapf(err, "decoding snapshot %s", key)
		}
	}
	return nil
}
