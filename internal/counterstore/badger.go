package counterstore

import (
	"context"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
)

const badgerPrefix = "fc:"

// BadgerStore persists states in an embedded BadgerDB.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens or creates a store at path.
func OpenBadger(path string) (*BadgerStore, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening badger db: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

// Get loads the state stored under key.
func (b *BadgerStore) Get(_ context.Context, key string) (State, error) {
	var raw []byte
	err := b.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(badgerPrefix + key))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, unavailable("badger get", key, err)
	}
	return decode(key, raw)
}

// Put stores state under key.
func (b *BadgerStore) Put(_ context.Context, key string, state State) error {
	val, err := encode(state)
	if err != nil {
		return err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(badgerPrefix+key), val)
	})
	if err != nil {
		return unavailable("badger put", key, err)
	}
	return nil
}

// Delete removes key.
func (b *BadgerStore) Delete(_ context.Context, key string) error {
	err := b.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(badgerPrefix + key))
	})
	if err != nil {
		return unavailable("badger delete", key, err)
	}
	return nil
}

// Keys lists stored keys, optionally restricted to a prefix.
func (b *BadgerStore) Keys(prefix string) ([]string, error) {
	var keys []string
	err := b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		p := []byte(badgerPrefix + prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(badgerPrefix):]))
		}
		return nil
	})
	return keys, err
}

// Close closes the underlying database.
func (b *BadgerStore) Close() error {
	return b.db.Close()
}
