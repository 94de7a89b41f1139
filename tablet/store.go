package tablet

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/fs"
	"github.com/basaltdata/basalt/tablet/metastore"
)

var (
	// ErrTabletNotFound is returned when a tablet id is unknown to the store.
	ErrTabletNotFound = errors.New("tablet not found")

	// ErrTransitionBusy is returned when a maintenance operation is already
	// registered for a tablet.
	ErrTransitionBusy = errors.New("tablet transition already registered")

	// ErrCapacityExceeded is returned when a write would push the data
	// directory past its capacity limit.
	ErrCapacityExceeded = errors.New("reached capacity limit of data path")
)

const (
	// DefaultMaxDiskUsedPercent is the disk usage ratio above which bulk
	// writes are refused.
	DefaultMaxDiskUsedPercent = 90.0

	// DefaultMinDiskFreeBytes is the floor of free space kept on a data path.
	DefaultMinDiskFreeBytes = int64(1 << 30) // 1GB

	// shardCount is the number of shard directories under a data root.
	shardCount = 16
)

// TabletInfo is the replica description reported back to the controller.
type TabletInfo struct {
	TabletID    int64
	ReplicaID   int64
	SchemaHash  int64
	PartitionID int64
	Version     int64
	PathHash    int64
	DataSize    int64
	RowsetNum   int
}

// Store manages the tablet replicas on this node.
type Store struct {
	mu      sync.RWMutex
	tablets map[int64]*Tablet

	transMu     sync.Mutex
	transitions map[int64]string

	path string
	meta *metastore.Store

	// DiskUsageFn reports capacity of the filesystem backing a path.
	// Overridable for tests.
	DiskUsageFn func(path string) (fs.DiskStatus, error)

	// MaxDiskUsedPercent and MinDiskFreeBytes bound ReachCapacityLimit.
	MaxDiskUsedPercent float64
	MinDiskFreeBytes   int64

	idMu             sync.Mutex
	nextRowsetSeq    uint64
	pendingRowsetIDs map[RowsetID]struct{}

	versionMu       sync.Mutex
	visibleVersions map[int64]int64

	publishMu         sync.Mutex
	minPendingPublish map[int64]int64

	nextShardMu sync.Mutex
	nextShard   int64

	Logger *zap.Logger
}

// NewStore returns a store rooted at path, persisting headers to meta.
func NewStore(path string, meta *metastore.Store) *Store {
	return &Store{
		tablets:            make(map[int64]*Tablet),
		transitions:        make(map[int64]string),
		path:               path,
		meta:               meta,
		DiskUsageFn:        fs.DiskUsage,
		MaxDiskUsedPercent: DefaultMaxDiskUsedPercent,
		MinDiskFreeBytes:   DefaultMinDiskFreeBytes,
		pendingRowsetIDs:   make(map[RowsetID]struct{}),
		visibleVersions:    make(map[int64]int64),
		minPendingPublish:  make(map[int64]int64),
		Logger:             zap.NewNop(),
	}
}

// WithLogger sets the logger on the store.
func (s *Store) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "tablet-store"))
}

// Path returns the data root of the store.
func (s *Store) Path() string { return s.path }

// Open loads every persisted tablet header and registers its tablet.
func (s *Store) Open() error {
	if err := os.MkdirAll(filepath.Join(s.path, "data"), 0755); err != nil {
		return err
	}

	return s.meta.ForEachTabletMeta(func(tabletID int64, data []byte) error {
		m := &Meta{}
		if err := m.UnmarshalBinary(data); err != nil {
			return fmt.Errorf("load tablet %d: %w", tabletID, err)
		}
		dir := s.TabletDir(m.ShardID, m.TabletID, m.SchemaHash)
		t := NewTablet(m, dir, s, s.Logger)

		s.mu.Lock()
		s.tablets[tabletID] = t
		s.mu.Unlock()

		s.bumpRowsetSeq(m)
		return nil
	})
}

// Tablet returns the tablet with the given id, or nil.
func (s *Store) Tablet(id int64) *Tablet {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.tablets[id]
}

// SaveTabletMeta persists a tablet header. It implements MetaSaver.
func (s *Store) SaveTabletMeta(m *Meta) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}
	return s.meta.PutTabletMeta(m.TabletID, data)
}

// RegisterTransition reserves the tablet for one maintenance operation.
// A second registration for the same tablet fails until the first is
// unregistered.
func (s *Store) RegisterTransition(tabletID int64, op string) error {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	if cur, ok := s.transitions[tabletID]; ok {
		return fmt.Errorf("%w: tablet=%d op=%s current=%s", ErrTransitionBusy, tabletID, op, cur)
	}
	s.transitions[tabletID] = op
	return nil
}

// UnregisterTransition releases a transition registered for the tablet.
func (s *Store) UnregisterTransition(tabletID int64, op string) {
	s.transMu.Lock()
	defer s.transMu.Unlock()
	if cur, ok := s.transitions[tabletID]; ok && cur == op {
		delete(s.transitions, tabletID)
	}
}

// TabletDir returns the directory of a tablet under its shard.
func (s *Store) TabletDir(shardID, tabletID, schemaHash int64) string {
	return filepath.Join(s.ShardPath(shardID), fmt.Sprintf("%d", tabletID), fmt.Sprintf("%d", schemaHash))
}

// ShardPath returns the directory of a shard under the data root.
func (s *Store) ShardPath(shardID int64) string {
	return filepath.Join(s.path, "data", fmt.Sprintf("%d", shardID))
}

// ObtainShardPath allocates a shard directory for a new tablet. The storage
// medium and path hash are hints from the controller; a node with a single
// data root spreads tablets across numbered shard dirs.
func (s *Store) ObtainShardPath(medium string, pathHash int64) (string, int64, error) {
	var shardID int64
	if pathHash != 0 {
		shardID = pathHash % shardCount
		if shardID < 0 {
			shardID = -shardID
		}
	} else {
		s.nextShardMu.Lock()
		shardID = s.nextShard % shardCount
		s.nextShard++
		s.nextShardMu.Unlock()
	}

	path := s.ShardPath(shardID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return "", 0, err
	}
	return path, shardID, nil
}

// ReachCapacityLimit reports whether writing incoming more bytes would push
// the data path past its configured limits.
func (s *Store) ReachCapacityLimit(incoming int64) bool {
	du, err := s.DiskUsageFn(s.path)
	if err != nil {
		s.Logger.Warn("Failed to stat data path, assuming capacity ok",
			zap.String("path", s.path), zap.Error(err))
		return false
	}
	if du.Total == 0 {
		return false
	}

	if int64(du.Avail) < incoming+s.MinDiskFreeBytes {
		return true
	}
	used := du.Total - du.Avail
	return float64(used+uint64(incoming))/float64(du.Total)*100 > s.MaxDiskUsedPercent
}

// LoadTabletFromDir builds a tablet from the header file found in dir,
// persists the header to the metastore, and registers the tablet.
func (s *Store) LoadTabletFromDir(tabletID, schemaHash, shardID int64, dir string) (*Tablet, error) {
	m, err := LoadMetaFromFile(HeaderFilePath(dir, tabletID))
	if err != nil {
		return nil, err
	}
	if m.TabletID != tabletID || m.SchemaHash != schemaHash {
		return nil, fmt.Errorf("header identity mismatch: got tablet=%d schema_hash=%d, want tablet=%d schema_hash=%d",
			m.TabletID, m.SchemaHash, tabletID, schemaHash)
	}
	m.ShardID = shardID

	if err := s.SaveTabletMeta(m); err != nil {
		return nil, err
	}

	t := NewTablet(m, dir, s, s.Logger)

	s.mu.Lock()
	s.tablets[tabletID] = t
	s.mu.Unlock()

	s.bumpRowsetSeq(m)

	s.Logger.Info("Loaded tablet from dir",
		zap.Int64("tablet_id", tabletID), zap.String("dir", dir))
	return t, nil
}

// DropTablet removes the tablet from the store and deletes its persisted
// header. When keepFiles is false the tablet directory is deleted as well.
func (s *Store) DropTablet(tabletID, replicaID int64, keepFiles bool) error {
	s.mu.Lock()
	t, ok := s.tablets[tabletID]
	if ok {
		delete(s.tablets, tabletID)
	}
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: tablet=%d", ErrTabletNotFound, tabletID)
	}

	if err := s.meta.DeleteTabletMeta(tabletID); err != nil {
		return err
	}

	if !keepFiles {
		if err := os.RemoveAll(t.Path()); err != nil {
			s.Logger.Warn("Failed to remove dropped tablet dir",
				zap.String("dir", t.Path()), zap.Error(err))
		}
		DeleteTabletParentPathIfEmpty(t.Path())
	}

	s.Logger.Info("Dropped tablet",
		zap.Int64("tablet_id", tabletID), zap.Int64("replica_id", replicaID),
		zap.Bool("keep_files", keepFiles))
	return nil
}

// ReportTabletInfo fills in the replica description for the tablet named in
// info.TabletID.
func (s *Store) ReportTabletInfo(info *TabletInfo) error {
	t := s.Tablet(info.TabletID)
	if t == nil {
		return fmt.Errorf("%w: tablet=%d", ErrTabletNotFound, info.TabletID)
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	info.PartitionID = t.meta.PartitionID
	info.Version = maxContinuousVersion(t.meta.Versions())
	info.RowsetNum = len(t.meta.RowsetMetas)
	for _, rs := range t.meta.RowsetMetas {
		info.DataSize += rs.DataSize
	}
	return nil
}

// UpdatePartitionsVisibleVersion records the visible version the controller
// expects for each partition.
func (s *Store) UpdatePartitionsVisibleVersion(versions map[int64]int64) {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	for partition, version := range versions {
		if version > s.visibleVersions[partition] {
			s.visibleVersions[partition] = version
		}
	}
}

// PartitionVisibleVersion returns the recorded visible version of a
// partition, or zero.
func (s *Store) PartitionVisibleVersion(partitionID int64) int64 {
	s.versionMu.Lock()
	defer s.versionMu.Unlock()
	return s.visibleVersions[partitionID]
}

// SetMinPendingPublishVersion records the lowest version with an unfinished
// publish for a tablet. The ingestion path maintains this.
func (s *Store) SetMinPendingPublishVersion(tabletID, version int64) {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	s.minPendingPublish[tabletID] = version
}

// MinPendingPublishVersion returns the lowest version with an unfinished
// publish for a tablet. Without pending publishes it returns MaxInt64 so
// that clamping against it is a no-op.
func (s *Store) MinPendingPublishVersion(tabletID int64) int64 {
	s.publishMu.Lock()
	defer s.publishMu.Unlock()
	if v, ok := s.minPendingPublish[tabletID]; ok {
		return v
	}
	return int64(^uint64(0) >> 1)
}

// DeleteTabletParentPathIfEmpty removes the parent of dir if it holds no
// entries. Tablet dirs nest as <shard>/<tablet_id>/<schema_hash>; dropping
// the last schema dir leaves an empty tablet dir behind.
func DeleteTabletParentPathIfEmpty(dir string) {
	parent := filepath.Dir(dir)
	entries, err := os.ReadDir(parent)
	if err != nil || len(entries) > 0 {
		return
	}
	_ = os.Remove(parent)
}
