package blob

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.etcd.io/bbolt"

	"github.com/kubeflow/asset-integrity/pkg/canonical"
)

var bucketBlobs = []byte("blobs")

// BoltStore implements Store on a single bbolt file.
type BoltStore struct {
	db      *bbolt.DB
	logger  *slog.Logger
	timeout time.Duration
	noSync  bool
}

// BoltOption configures a BoltStore.
type BoltOption func(*BoltStore)

// WithLogger sets the logger for the store.
func WithLogger(logger *slog.Logger) BoltOption {
	return func(s *BoltStore) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOpenTimeout bounds how long Open waits for the file lock.
func WithOpenTimeout(d time.Duration) BoltOption {
	return func(s *BoltStore) {
		s.timeout = d
	}
}

// WithNoSync disables fsync per transaction. Use only in tests.
func WithNoSync(noSync bool) BoltOption {
	return func(s *BoltStore) {
		s.noSync = noSync
	}
}

// OpenBoltStore opens (creating if needed) the blob file at path.
func OpenBoltStore(path string, opts ...BoltOption) (*BoltStore, error) {
	s := &BoltStore{
		logger:  slog.Default(),
		timeout: time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}

	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: s.timeout, NoSync: s.noSync})
	if err != nil {
		return nil, fmt.Errorf("opening blob store: %w", err)
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketBlobs)
		return err
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("creating blob bucket: %w", err)
	}
	s.db = db
	s.logger.Debug("opened blob store", "path", path)
	return s, nil
}

// Close closes the underlying file.
func (s *BoltStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Put stores b under its content id. Existing content is left untouched.
func (s *BoltStore) Put(ctx context.Context, b []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	id := canonical.ContentID(b)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket(bucketBlobs)
		if bucket.Get([]byte(id)) != nil {
			return nil
		}
		return bucket.Put([]byte(id), b)
	})
	if err != nil {
		return "", fmt.Errorf("putting blob: %w", err)
	}
	return id, nil
}

// Get returns the bytes stored under id after verifying them.
func (s *BoltStore) Get(ctx context.Context, id string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var data []byte
	err := s.db.View(func(tx *bbolt.Tx) error {
		val := tx.Bucket(bucketBlobs).Get([]byte(id))
		if val == nil {
			return ErrNotFound
		}
		data = make([]byte, len(val))
		copy(data, val)
		return nil
	})
	if err != nil {
		return nil, err
	}
	if err := verify(id, data); err != nil {
		s.logger.Warn("blob failed verification", "contentId", id)
		return nil, err
	}
	return data, nil
}

// overwrite replaces raw bytes under id without hashing. Tests use it to
// simulate on-disk corruption.
func (s *BoltStore) overwrite(id string, b []byte) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketBlobs).Put([]byte(id), b)
	})
}
