// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/dgraph-io/badger/v4"
)

// DurableStore is the on-disk half of the resource cache: manifests
// keyed by (name, version, origin) in a BadgerDB value log.
type DurableStore struct {
	db  *badger.DB
	log *slog.Logger
}

// DurableConfig configures the durable store.
type DurableConfig struct {
	// Path is the BadgerDB directory. Ignored when InMemory is true.
	Path string

	// InMemory runs without disk persistence. Useful for testing.
	InMemory bool

	// SyncWrites enables synchronous writes for durability.
	SyncWrites bool

	// Logger receives BadgerDB's own log output. Nil disables it.
	Logger *slog.Logger
}

// OpenDurable opens (and, for on-disk mode, creates) the durable
// store.
func OpenDurable(cfg DurableConfig) (*DurableStore, error) {
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("durable cache requires a path")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0o755); err != nil {
			return nil, fmt.Errorf("create cache dir: %w", err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(cfg.SyncWrites)
	}
	if cfg.Logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: cfg.Logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open cache db: %w", err)
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &DurableStore{db: db, log: log}, nil
}

// OpenDurableInMemory opens an in-memory store for tests.
func OpenDurableInMemory() (*DurableStore, error) {
	return OpenDurable(DurableConfig{InMemory: true})
}

// Put persists a manifest under (name, version, origin).
func (d *DurableStore) Put(name, version, origin string, m Manifest) error {
	data, err := encodeManifest(m)
	if err != nil {
		return err
	}
	return d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(manifestKey(name, version, origin), data)
	})
}

// Get loads the manifest stored under (name, version, origin). The
// second return is false when no entry exists.
func (d *DurableStore) Get(name, version, origin string) (Manifest, bool, error) {
	var m Manifest
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(manifestKey(name, version, origin))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			decoded, err := decodeManifest(val)
			if err != nil {
				return err
			}
			m = decoded
			found = true
			return nil
		})
	})
	return m, found, err
}

// GetAny returns any stored manifest for name whose origin matches.
// Used at warm-up when the persisted version is not known in advance.
func (d *DurableStore) GetAny(name, origin string) (Manifest, bool, error) {
	var m Manifest
	found := false
	err := d.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		prefix := blockPrefix(name)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var decodeErr error
			err := it.Item().Value(func(val []byte) error {
				decoded, err := decodeManifest(val)
				if err != nil {
					decodeErr = err
					return nil
				}
				if decoded.Origin() == origin {
					m = decoded
					found = true
				}
				return nil
			})
			if err != nil {
				return err
			}
			if decodeErr != nil {
				d.log.Warn("skipping undecodable cache manifest", "block", name, "error", decodeErr)
			}
			if found {
				return nil
			}
		}
		return nil
	})
	return m, found, err
}

// DeleteBlock removes every stored manifest for name, across all
// versions and origins.
func (d *DurableStore) DeleteBlock(name string) error {
	return d.db.Update(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.IteratorOptions{PrefetchValues: false})
		defer it.Close()
		prefix := blockPrefix(name)
		var keys [][]byte
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close releases the underlying database.
func (d *DurableStore) Close() error {
	return d.db.Close()
}

// Keys use NUL separators: origins contain "/" and ":" so positional
// delimiters must be characters that cannot appear in any component.
func manifestKey(name, version, origin string) []byte {
	return []byte(strings.Join([]string{"manifest", name, version, origin}, "\x00"))
}

func blockPrefix(name string) []byte {
	return []byte("manifest\x00" + name + "\x00")
}

// badgerLogger adapts slog to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Info(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
