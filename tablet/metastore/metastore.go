// Package metastore persists tablet headers in an embedded bolt database.
package metastore // import "github.com/basaltdata/basalt/tablet/metastore"

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrTabletMetaNotFound is returned when no header is stored for a tablet.
var ErrTabletMetaNotFound = errors.New("tablet meta not found")

var tabletMetaBucket = []byte("tablet-meta")

// Store is a bolt backed store for tablet headers.
type Store struct {
	Path   string
	Logger *zap.Logger

	db *bolt.DB
}

// NewStore returns a store persisting to the bolt file at path.
func NewStore(path string) *Store {
	return &Store{
		Path:   path,
		Logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *Store) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "metastore"))
}

// Open opens or creates the bolt file and ensures the buckets exist.
func (s *Store) Open() error {
	if err := os.MkdirAll(filepath.Dir(s.Path), 0755); err != nil {
		return err
	}

	db, err := bolt.Open(s.Path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return fmt.Errorf("unable to open metastore at %s: %w", s.Path, err)
	}
	s.db = db

	if err := s.db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(tabletMetaBucket)
		return err
	}); err != nil {
		return err
	}

	s.Logger.Info("Opened metastore", zap.String("path", s.Path))
	return nil
}

// Close closes the bolt file.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

// PutTabletMeta stores the encoded header for tabletID.
func (s *Store) PutTabletMeta(tabletID int64, data []byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tabletMetaBucket).Put(metaKey(tabletID), data)
	})
}

// TabletMeta returns the encoded header for tabletID.
func (s *Store) TabletMeta(tabletID int64) ([]byte, error) {
	var data []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(tabletMetaBucket).Get(metaKey(tabletID))
		if v == nil {
			return ErrTabletMetaNotFound
		}
		data = make([]byte, len(v))
		copy(data, v)
		return nil
	})
	return data, err
}

// DeleteTabletMeta removes the header for tabletID. Deleting an absent
// header is not an error.
func (s *Store) DeleteTabletMeta(tabletID int64) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(tabletMetaBucket).Delete(metaKey(tabletID))
	})
}

// ForEachTabletMeta calls fn for every stored header.
func (s *Store) ForEachTabletMeta(fn func(tabletID int64, data []byte) error) error {
	return s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(tabletMetaBucket).ForEach(func(k, v []byte) error {
			return fn(int64(binary.BigEndian.Uint64(k)), v)
		})
	})
}

func metaKey(tabletID int64) []byte {
	var k [8]byte
	binary.BigEndian.PutUint64(k[:], uint64(tabletID))
	return k[:]
}
