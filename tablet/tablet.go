// Package tablet implements the storage node's tablet model: versioned sets
// of immutable rowsets, their persisted headers, and the store that manages
// replica lifecycle on this node.
package tablet // import "github.com/basaltdata/basalt/tablet"

import (
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"
)

// MetaSaver persists tablet headers. It is implemented by Store.
type MetaSaver interface {
	SaveTabletMeta(m *Meta) error
}

// Tablet is one replica of a tablet materialized on this node.
//
// All metadata mutation happens under the header lock. Maintenance
// operations additionally serialize against each other through the named
// locks below; whenever more than one is taken the order is fixed:
// base compaction, cumulative compaction, cold compaction, build inverted
// index, push, rowset update, header write.
type Tablet struct {
	mu      sync.RWMutex // header lock
	meta    *Meta
	rowsets map[Version]*Rowset

	dir   string
	saver MetaSaver

	migrationMu sync.RWMutex

	baseCompactionMu     sync.Mutex
	cumCompactionMu      sync.Mutex
	coldCompactionMu     sync.Mutex
	buildInvertedIndexMu sync.Mutex
	pushMu               sync.Mutex
	rowsetUpdateMu       sync.Mutex

	cooldownConfMu sync.RWMutex

	logger *zap.Logger
}

// NewTablet builds a tablet from its header and directory.
func NewTablet(meta *Meta, dir string, saver MetaSaver, logger *zap.Logger) *Tablet {
	if logger == nil {
		logger = zap.NewNop()
	}
	t := &Tablet{
		meta:    meta,
		rowsets: make(map[Version]*Rowset, len(meta.RowsetMetas)),
		dir:     dir,
		saver:   saver,
		logger:  logger.With(zap.Int64("tablet_id", meta.TabletID)),
	}
	for _, rs := range meta.RowsetMetas {
		t.rowsets[rs.Version] = &Rowset{Meta: rs, Dir: dir}
	}
	return t
}

// TabletID returns the tablet id.
func (t *Tablet) TabletID() int64 { return t.meta.TabletID }

// SchemaHash returns the schema hash of the replica.
func (t *Tablet) SchemaHash() int64 { return t.meta.SchemaHash }

// Path returns the tablet directory.
func (t *Tablet) Path() string { return t.dir }

// State returns the replica state.
func (t *Tablet) State() State {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.State
}

// ReplicaID returns the replica id stamped in the header.
func (t *Tablet) ReplicaID() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.ReplicaID
}

// SetReplicaID stamps a new replica id into the header and persists it.
func (t *Tablet) SetReplicaID(id int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.meta.ReplicaID = id
	return t.saver.SaveTabletMeta(t.meta)
}

// EnableUniqueKeyMergeOnWrite reports whether the tablet maintains a delete
// bitmap.
func (t *Tablet) EnableUniqueKeyMergeOnWrite() bool {
	return t.meta.EnableUniqueKeyMergeOnWrite
}

// MigrationLock returns the lock serializing clone against data migration.
func (t *Tablet) MigrationLock() *sync.RWMutex { return &t.migrationMu }

// CooldownReplicaID returns the replica currently responsible for writing
// cold data, under the cooldown config lock.
func (t *Tablet) CooldownReplicaID() int64 {
	t.cooldownConfMu.RLock()
	defer t.cooldownConfMu.RUnlock()
	return t.meta.CooldownReplicaID
}

// MetaNoLock returns the header. The caller must hold the header lock or
// otherwise guarantee exclusive access.
func (t *Tablet) MetaNoLock() *Meta { return t.meta }

// MetaCopy returns a deep copy of the header taken under the header lock.
func (t *Tablet) MetaCopy() *Meta {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.meta.Clone()
}

// RowsetsNoLock returns the live rowset map keyed by version range. The
// caller must hold the header lock.
func (t *Tablet) RowsetsNoLock() map[Version]*Rowset { return t.rowsets }

// MissedVersions returns the versions in [0, target] the replica does not
// cover, as singleton ranges.
func (t *Tablet) MissedVersions(target int64) Versions {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.MissedVersionsNoLock(target)
}

// MissedVersionsNoLock is MissedVersions for callers already holding the
// header lock.
func (t *Tablet) MissedVersionsNoLock(target int64) Versions {
	return missedVersions(t.meta.Versions(), target)
}

// VisibleVersion returns the highest version reachable from 0 with no gap.
func (t *Tablet) VisibleVersion() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maxContinuousVersion(t.meta.Versions())
}

// DataSize returns the total size of all rowsets.
func (t *Tablet) DataSize() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var size int64
	for _, rs := range t.meta.RowsetMetas {
		size += rs.DataSize
	}
	return size
}

// CreateRowset materializes a rowset from its meta, rooted in the tablet
// directory.
func (t *Tablet) CreateRowset(meta *RowsetMeta) (*Rowset, error) {
	if meta == nil {
		return nil, fmt.Errorf("nil rowset meta")
	}
	return &Rowset{Meta: meta, Dir: t.dir}, nil
}

// LockForRevision acquires every lock that serializes a metadata revision
// against compaction, ingestion and schema change, in the fixed order, and
// returns a func releasing them in reverse.
func (t *Tablet) LockForRevision() (release func()) {
	t.baseCompactionMu.Lock()
	t.cumCompactionMu.Lock()
	t.coldCompactionMu.Lock()
	t.buildInvertedIndexMu.Lock()
	t.pushMu.Lock()
	t.rowsetUpdateMu.Lock()
	t.mu.Lock()
	return func() {
		t.mu.Unlock()
		t.rowsetUpdateMu.Unlock()
		t.pushMu.Unlock()
		t.buildInvertedIndexMu.Unlock()
		t.coldCompactionMu.Unlock()
		t.cumCompactionMu.Unlock()
		t.baseCompactionMu.Unlock()
	}
}

// ReviseMetaNoLock applies a metadata revision: toDelete rowsets are removed,
// toAdd rowsets are inserted, and the header is persisted. When additive is
// true toDelete must be empty; the revision only ever grows the version set.
// The caller must hold the locks acquired by LockForRevision.
func (t *Tablet) ReviseMetaNoLock(toAdd, toDelete []*Rowset, additive bool) error {
	if additive && len(toDelete) > 0 {
		return fmt.Errorf("additive revision cannot delete rowsets")
	}

	for _, rs := range toDelete {
		delete(t.rowsets, rs.Meta.Version)
	}
	for _, rs := range toAdd {
		t.rowsets[rs.Meta.Version] = rs
	}

	metas := make([]*RowsetMeta, 0, len(t.rowsets))
	for _, rs := range t.rowsets {
		metas = append(metas, rs.Meta)
	}
	sort.Slice(metas, func(i, j int) bool { return metas[i].Version.Start < metas[j].Version.Start })
	t.meta.RowsetMetas = metas

	if err := t.saver.SaveTabletMeta(t.meta); err != nil {
		return fmt.Errorf("persist tablet meta: %w", err)
	}

	t.logger.Info("Revised tablet meta",
		zap.Int("added", len(toAdd)),
		zap.Int("deleted", len(toDelete)),
		zap.Bool("additive", additive))
	return nil
}

// SetCumulativeLayerPointNoLock moves the cumulative compaction layer point.
// The caller must hold the header lock.
func (t *Tablet) SetCumulativeLayerPointNoLock(v int64) {
	t.meta.CumulativeLayerPoint = v
}

// SetCooldownMetaIDNoLock stamps a new cooldown meta id. The caller must
// hold the header lock.
func (t *Tablet) SetCooldownMetaIDNoLock(id string) {
	t.meta.CooldownMetaID = id
}

// IngestBinlogMetas merges the binlog manifest of a snapshot into the
// header and persists it.
func (t *Tablet) IngestBinlogMetas(bm *BinlogMetas) error {
	if bm == nil || len(bm.Metas) == 0 {
		return nil
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.meta.BinlogMetas == nil {
		t.meta.BinlogMetas = &BinlogMetas{}
	}
	known := make(map[RowsetID]struct{}, len(t.meta.BinlogMetas.Metas))
	for _, m := range t.meta.BinlogMetas.Metas {
		known[m.RowsetID] = struct{}{}
	}
	for _, m := range bm.Metas {
		if _, ok := known[m.RowsetID]; ok {
			continue
		}
		cp := *m
		t.meta.BinlogMetas.Metas = append(t.meta.BinlogMetas.Metas, &cp)
	}

	return t.saver.SaveTabletMeta(t.meta)
}
