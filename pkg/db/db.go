// Package db is the durable side store backing the in-memory relay tracker.
// It caches the last-seen attestation per message hash so the retry sweep can
// resubmit without re-fetching from the aggregation service, and archives
// final relay outcomes for post-mortem lookups.
package db

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/crossline/relayd/pkg/message"
	"github.com/crossline/relayd/pkg/relayer"
)

var storedAttestationsTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Name: "relayd_db_stored_attestations_total",
		Help: "Total number of attestations cached in the database",
	})

var ErrNotFound = errors.New("requested entry not found in store")

type Database struct {
	db *badger.DB
}

func Open(path string) (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

// OpenInMemory is used by tests.
func OpenInMemory() (*Database, error) {
	db, err := badger.Open(badger.DefaultOptions("").WithInMemory(true).WithLogger(nil))
	if err != nil {
		return nil, err
	}
	return &Database{db: db}, nil
}

func (d *Database) Close() error {
	return d.db.Close()
}

func attestationKey(hash message.Hash) []byte {
	return []byte(fmt.Sprintf("attestation/%s", hash))
}

func archiveKey(hash message.Hash) []byte {
	return []byte(fmt.Sprintf("archive/%s", hash))
}

// StoreAttestation caches the attestation under its message hash,
// overwriting any previous entry. The aggregator may hand us the same
// message again with more signatures; the newest copy wins.
func (d *Database) StoreAttestation(a *message.Attestation) error {
	b, err := a.MarshalBinary()
	if err != nil {
		return fmt.Errorf("failed to serialize attestation: %w", err)
	}

	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(attestationKey(a.MessageHash), b)
	})
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}

	storedAttestationsTotal.Inc()
	return nil
}

// Attestation loads the cached attestation for hash.
func (d *Database) Attestation(hash message.Hash) (*message.Attestation, error) {
	var a *message.Attestation
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(attestationKey(hash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			a, err = message.UnmarshalAttestation(val)
			return err
		})
	})
	if err != nil {
		return nil, err
	}
	return a, nil
}

// DeleteAttestation drops the cached attestation; called once the relay is
// reaped by tracker cleanup.
func (d *Database) DeleteAttestation(hash message.Hash) error {
	return d.db.Update(func(txn *badger.Txn) error {
		err := txn.Delete(attestationKey(hash))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return nil
		}
		return err
	})
}

// StoreArchivedResult records the final outcome of a relay, written on
// success and on retries-exhausted failure. Survives tracker cleanup.
func (d *Database) StoreArchivedResult(hash message.Hash, result *relayer.RelayResult) error {
	b, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("failed to serialize result: %w", err)
	}
	err = d.db.Update(func(txn *badger.Txn) error {
		return txn.Set(archiveKey(hash), b)
	})
	if err != nil {
		return fmt.Errorf("failed to commit tx: %w", err)
	}
	return nil
}

// ArchivedResult loads the final outcome of a relay, if one was recorded.
func (d *Database) ArchivedResult(hash message.Hash) (*relayer.RelayResult, error) {
	var result relayer.RelayResult
	err := d.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(archiveKey(hash))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return ErrNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			return json.Unmarshal(val, &result)
		})
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}
