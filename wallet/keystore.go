// SPDX-License-Identifier: Apache-2.0

package wallet

import (
	"bytes"
	"encoding/binary"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/crypto/blake2b"
	"perun.network/go-perun/wallet"
)

// Keystore derives party accounts from a single random seed. Only the seed
// and the next derivation index are written to disk; accounts are recomputed
// on load.
type Keystore struct {
	mutex sync.Mutex
	file  string

	seed [32]byte
	next uint64
	accs map[string]uint64
}

var bo = binary.LittleEndian

// NewRAMKeystore creates an unpersisted keystore seeded from gen.
func NewRAMKeystore(gen io.Reader) (*Keystore, error) {
	ks := &Keystore{accs: make(map[string]uint64)}
	if _, err := io.ReadFull(gen, ks.seed[:]); err != nil {
		return nil, errors.Wrap(err, "reading random seed")
	}
	return ks, nil
}

// OpenKeystore loads the keystore at path or creates and saves a new one.
func OpenKeystore(path string, gen io.Reader) (*Keystore, error) {
	ks := &Keystore{file: path, accs: make(map[string]uint64)}

	if raw, err := os.ReadFile(path); err == nil {
		if err := ks.load(bytes.NewReader(raw)); err != nil {
			return nil, errors.WithMessagef(err, "loading keystore %s", path)
		}
		return ks, nil
	} else if !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "reading keystore")
	}

	if _, err := io.ReadFull(gen, ks.seed[:]); err != nil {
		return nil, errors.Wrap(err, "reading random seed")
	}
	if err := ks.save(); err != nil {
		return nil, err
	}
	return ks, nil
}

func (ks *Keystore) load(r io.Reader) error {
	if _, err := io.ReadFull(r, ks.seed[:]); err != nil {
		return err
	}
	if err := binary.Read(r, bo, &ks.next); err != nil {
		return err
	}
	for i := uint64(0); i < ks.next; i++ {
		ks.accs[ks.derive(i).PublicKey().String()] = i
	}
	return nil
}

func (ks *Keystore) save() error {
	if ks.file == "" {
		return nil
	}

	buf := new(bytes.Buffer)
	buf.Write(ks.seed[:])
	if err := binary.Write(buf, bo, ks.next); err != nil {
		return errors.Wrap(err, "writing account index")
	}
	return errors.Wrap(os.WriteFile(ks.file, buf.Bytes(), 0o600), "writing keystore")
}

func (ks *Keystore) derive(index uint64) Account {
	var idx [8]byte
	bo.PutUint64(idx[:], index)
	seed := blake2b.Sum256(append(ks.seed[:], idx[:]...))
	acc, err := AccountFromSeed(seed[:])
	if err != nil {
		panic("logic error: derived seed has wrong length")
	}
	return acc
}

// Account returns the account at index, deriving and persisting every
// account below it when index is new.
func (ks *Keystore) Account(index uint64) (Account, error) {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	for ks.next <= index {
		ks.accs[ks.derive(ks.next).PublicKey().String()] = ks.next
		ks.next++
	}
	return ks.derive(index), ks.save()
}

// NewAccount derives the next unused account and persists the index.
func (ks *Keystore) NewAccount() (Account, error) {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	acc := ks.derive(ks.next)
	ks.accs[acc.PublicKey().String()] = ks.next
	ks.next++
	return acc, ks.save()
}

// Unlock returns the account that belongs to addr.
func (ks *Keystore) Unlock(a wallet.Address) (wallet.Account, error) {
	ks.mutex.Lock()
	defer ks.mutex.Unlock()

	addr, ok := a.(*Address)
	if !ok {
		return nil, errors.Errorf("unexpected address type %T", a)
	}
	idx, ok := ks.accs[addr.String()]
	if !ok {
		return nil, errors.New("no such account")
	}
	return ks.derive(idx), nil
}
