package tablet

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"sync"

	"github.com/RoaringBitmap/roaring"
)

// DeleteBitmap is a lockable bitmap of deleted row ids, maintained for
// merge-on-write tablets.
type DeleteBitmap struct {
	mu     sync.RWMutex
	bitmap *roaring.Bitmap
}

// NewDeleteBitmap returns a new empty DeleteBitmap.
func NewDeleteBitmap() *DeleteBitmap {
	return &DeleteBitmap{bitmap: roaring.NewBitmap()}
}

// Add marks the row id as deleted.
func (b *DeleteBitmap) Add(id uint32) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bitmap.Add(id)
}

// Contains returns true if the row id is marked deleted.
func (b *DeleteBitmap) Contains(id uint32) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bitmap.Contains(id)
}

// Cardinality returns the number of deleted row ids.
func (b *DeleteBitmap) Cardinality() uint64 {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.bitmap.GetCardinality()
}

// Merge unions other into b.
func (b *DeleteBitmap) Merge(other *DeleteBitmap) {
	if other == nil {
		return
	}
	other.mu.RLock()
	defer other.mu.RUnlock()
	b.mu.Lock()
	defer b.mu.Unlock()
	b.bitmap.Or(other.bitmap)
}

// Clone returns a deep copy of the bitmap.
func (b *DeleteBitmap) Clone() *DeleteBitmap {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return &DeleteBitmap{bitmap: b.bitmap.Clone()}
}

// MarshalJSON encodes the bitmap in its portable serialized form.
func (b *DeleteBitmap) MarshalJSON() ([]byte, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	var buf bytes.Buffer
	if _, err := b.bitmap.WriteTo(&buf); err != nil {
		return nil, err
	}
	return json.Marshal(base64.StdEncoding.EncodeToString(buf.Bytes()))
}

// UnmarshalJSON decodes a bitmap previously encoded with MarshalJSON.
func (b *DeleteBitmap) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	raw, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return err
	}

	bm := roaring.NewBitmap()
	if len(raw) > 0 {
		if err := bm.UnmarshalBinary(raw); err != nil {
			return err
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.bitmap = bm
	return nil
}
