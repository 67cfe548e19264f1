/*
Copyright IBM Corp. All Rights Reserved.

SPDX-License-Identifier: Apache-2.0
*/

// Package store persists the queue state of a chain in badger.  Every committed block is
// written in a single transaction, so a crash leaves either the previous block's state or
// the new one, never a mixture.
package store

import (
	"fmt"
	"strings"

	badger "github.com/dgraph-io/badger/v2"
	"github.com/pkg/errors"

	t "github.com/hyperledger-labs/xcmq/pkg/types"
)

type Store struct {
	db     *badger.DB
	logger t.Logger
}

// badgerLogger routes badger's own messages into the queue's logger.
type badgerLogger struct {
	logger t.Logger
}

func (l badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Open opens the database in dirPath, or an in-memory one if dirPath is empty.
func Open(dirPath string, logger t.Logger) (*Store, error) {
	var badgerOpts badger.Options
	if dirPath == "" {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		badgerOpts = badger.DefaultOptions(dirPath).WithSyncWrites(false).WithTruncate(true)
	}
	badgerOpts = badgerOpts.WithLogger(badgerLogger{logger: logger})

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, errors.WithMessage(err, "could not open backing db")
	}

	return &Store{
		db:     db,
		logger: logger,
	}, nil
}

// replaceAll swaps the whole content of the database for entries in one transaction.
func (s *Store) replaceAll(entries map[string][]byte) error {
	return s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		var stale [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, ok := entries[string(key)]; !ok {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return errors.WithMessagef(err, "could not delete key %s", key)
			}
		}
		for key, value := range entries {
			if err := txn.Set([]byte(key), value); err != nil {
				return errors.WithMessagef(err, "could not set key %s", key)
			}
		}
		return nil
	})
}

func (s *Store) get(key string) ([]byte, error) {
	var valCopy []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get([]byte(key))
		if err != nil {
			return err
		}

		valCopy, err = item.ValueCopy(nil)
		return err
	})

	if err == badger.ErrKeyNotFound {
		return nil, nil
	}

	return valCopy, err
}

// scan calls forEach with the value of every key carrying prefix, in key order.
func (s *Store) scan(prefix string, forEach func(value []byte) error) error {
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		p := []byte(prefix)
		for it.Seek(p); it.ValidForPrefix(p); it.Next() {
			value, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			if err := forEach(value); err != nil {
				return errors.WithMessagef(err, "key %s", it.Item().Key())
			}
		}
		return nil
	})
}

func (s *Store) Sync() error {
	return s.db.Sync()
}

func (s *Store) Close() error {
	return s.db.Close()
}
