// Package snapshot persists the status cache so the daemon can present
// plausible statuses at startup before the first full rebuild lands.
// The core never depends on it; records loaded here are always
// superseded by the engine's first rebuild.
package snapshot

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"

	"hgcache/internal/status"
)

const recordPrefix = "status:"

// Store wraps a Badger database holding one zstd-compressed JSON value
// per cached path.
type Store struct {
	db      *badger.DB
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// New creates a snapshot store on top of db.
func New(db *badger.DB) (*Store, error) {
	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return nil, fmt.Errorf("creating zstd encoder: %w", err)
	}

	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("creating zstd decoder: %w", err)
	}

	return &Store{db: db, encoder: encoder, decoder: decoder}, nil
}

// Open opens (or creates) a snapshot database at path.
func Open(path string) (*Store, error) {
	opts := badger.DefaultOptions(path)
	opts.Logger = nil

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("opening snapshot database: %w", err)
	}
	return New(db)
}

// Save replaces the persisted snapshot with records.
func (s *Store) Save(records map[string]status.Record) error {
	err := s.db.DropPrefix([]byte(recordPrefix))
	if err != nil {
		return fmt.Errorf("clearing previous snapshot: %w", err)
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()

	for path, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return fmt.Errorf("marshaling record for %s: %w", path, err)
		}

		key := []byte(recordPrefix + path)
		if err := wb.Set(key, s.encoder.EncodeAll(data, nil)); err != nil {
			return fmt.Errorf("writing record for %s: %w", path, err)
		}
	}

	if err := wb.Flush(); err != nil {
		return fmt.Errorf("flushing snapshot: %w", err)
	}
	return nil
}

// Load reads back every persisted record.
func (s *Store) Load() (map[string]status.Record, error) {
	records := make(map[string]status.Record)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(recordPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			path := string(bytes.TrimPrefix(item.Key(), []byte(recordPrefix)))

			err := item.Value(func(val []byte) error {
				data, err := s.decoder.DecodeAll(val, nil)
				if err != nil {
					return fmt.Errorf("decompressing record for %s: %w", path, err)
				}

				var rec status.Record
				if err := json.Unmarshal(data, &rec); err != nil {
					return fmt.Errorf("unmarshaling record for %s: %w", path, err)
				}
				records[path] = rec
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return records, nil
}

// Close releases the database and codec resources.
func (s *Store) Close() error {
	s.encoder.Close()
	s.decoder.Close()
	return s.db.Close()
}
