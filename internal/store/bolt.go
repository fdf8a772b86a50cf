// ABOUTME: bbolt implementation of DocumentStore
// ABOUTME: Stores the state document under a single key in the "documents" bucket

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
)

var documentsBucket = []byte("documents")

// BoltStore implements DocumentStore on a bbolt database file
type BoltStore struct {
	db     *bolt.DB
	logger *slog.Logger
}

// NewBoltStore opens (or creates) the bbolt file at path.
func NewBoltStore(path string) (*BoltStore, error) {
	logger := slog.Default().With("component", "store", "driver", DriverBolt)

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := bolt.Open(path, 0o600, &bolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(documentsBucket)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating bucket: %w", err)
	}

	logger.Info("bolt store initialized", "path", path)
	return &BoltStore{db: db, logger: logger}, nil
}

// Load reads the state document. An empty document is returned if none was saved.
func (s *BoltStore) Load(ctx context.Context) (*Document, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	var body []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(documentsBucket)
		if b == nil {
			return nil
		}
		if v := b.Get([]byte(stateDocumentName)); v != nil {
			// bolt values are only valid inside the transaction
			body = append([]byte(nil), v...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("reading document: %w", err)
	}
	if body == nil {
		return NewDocument(), nil
	}

	var doc Document
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decoding document: %w", err)
	}
	return doc.normalize(), nil
}

// Save replaces the state document.
func (s *BoltStore) Save(ctx context.Context, doc *Document) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	body, err := json.Marshal(doc)
	if err != nil {
		return fmt.Errorf("encoding document: %w", err)
	}

	err = s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(documentsBucket).Put([]byte(stateDocumentName), body)
	})
	if err != nil {
		return fmt.Errorf("saving document: %w", err)
	}

	s.logger.Debug("document saved", "bytes", len(body))
	return nil
}

// Close closes the database file
func (s *BoltStore) Close() error {
	s.logger.Info("closing bolt store")
	return s.db.Close()
}
