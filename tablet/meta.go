package tablet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/basaltdata/basalt/pkg/fs"
)

// State is the lifecycle state of a tablet replica.
type State int

const (
	// StateRunning is the normal serving state.
	StateRunning State = iota
	// StateNotReady marks a residual replica left behind by a failed
	// maintenance operation; it must be dropped and re-cloned.
	StateNotReady
)

// InvalidCumulativePoint resets cumulative compaction so that it restarts
// from the beginning of the version chain.
const InvalidCumulativePoint int64 = -1

// HeaderSuffix is the extension of a tablet header file in transit. A header
// file only ever exists inside snapshot and staging directories; at steady
// state the header lives in the metastore.
const HeaderSuffix = ".hdr"

// BinlogMetasFile is the sidecar manifest describing the binlog files that
// accompany a snapshot.
const BinlogMetasFile = "rowset_binlog_metas.pb"

// BinlogDir is the directory under a tablet dir holding binlog files.
const BinlogDir = "_binlog"

// BinlogMeta describes the change log of one rowset.
type BinlogMeta struct {
	RowsetID   RowsetID `json:"rowset_id"`
	Version    Version  `json:"version"`
	SegmentNum int      `json:"segment_num"`
}

// BinlogMetas is the sidecar manifest content.
type BinlogMetas struct {
	Metas []*BinlogMeta `json:"metas"`
}

// MarshalBinary encodes the manifest for the sidecar file.
func (b *BinlogMetas) MarshalBinary() ([]byte, error) { return json.Marshal(b) }

// UnmarshalBinary decodes a sidecar file.
func (b *BinlogMetas) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, b) }

// Meta is the tablet header: the full description of a tablet replica,
// persisted in the metastore and transmitted between nodes as a .hdr file.
type Meta struct {
	TabletID    int64 `json:"tablet_id"`
	TableID     int64 `json:"table_id"`
	PartitionID int64 `json:"partition_id"`
	ReplicaID   int64 `json:"replica_id"`
	SchemaHash  int64 `json:"schema_hash"`
	ShardID     int64 `json:"shard_id"`
	State       State `json:"state"`

	RowsetMetas []*RowsetMeta `json:"rowset_metas"`

	CooldownReplicaID int64  `json:"cooldown_replica_id"`
	CooldownMetaID    string `json:"cooldown_meta_id"`

	CumulativeLayerPoint int64 `json:"cumulative_layer_point"`

	EnableUniqueKeyMergeOnWrite bool          `json:"enable_unique_key_merge_on_write"`
	DeleteBitmap                *DeleteBitmap `json:"delete_bitmap,omitempty"`

	BinlogMetas *BinlogMetas `json:"binlog_metas,omitempty"`
}

// Clone returns a deep copy of the meta.
func (m *Meta) Clone() *Meta {
	other := *m
	other.RowsetMetas = make([]*RowsetMeta, 0, len(m.RowsetMetas))
	for _, rs := range m.RowsetMetas {
		other.RowsetMetas = append(other.RowsetMetas, rs.Clone())
	}
	if m.DeleteBitmap != nil {
		other.DeleteBitmap = m.DeleteBitmap.Clone()
	}
	if m.BinlogMetas != nil {
		metas := make([]*BinlogMeta, len(m.BinlogMetas.Metas))
		for i, bm := range m.BinlogMetas.Metas {
			cp := *bm
			metas[i] = &cp
		}
		other.BinlogMetas = &BinlogMetas{Metas: metas}
	}
	return &other
}

// Versions returns the version ranges of every rowset.
func (m *Meta) Versions() Versions {
	versions := make(Versions, 0, len(m.RowsetMetas))
	for _, rs := range m.RowsetMetas {
		versions = append(versions, rs.Version)
	}
	return versions
}

// MaxVersion returns the version range with the highest end version, or the
// zero Version if the meta holds no rowsets.
func (m *Meta) MaxVersion() Version {
	var max Version
	for i, rs := range m.RowsetMetas {
		if i == 0 || rs.Version.End > max.End {
			max = rs.Version
		}
	}
	return max
}

// RowsetMetaByVersion returns the rowset meta covering exactly v, or nil.
func (m *Meta) RowsetMetaByVersion(v Version) *RowsetMeta {
	for _, rs := range m.RowsetMetas {
		if rs.Version == v {
			return rs
		}
	}
	return nil
}

// MarshalBinary encodes the header.
func (m *Meta) MarshalBinary() ([]byte, error) { return json.Marshal(m) }

// UnmarshalBinary decodes a header.
func (m *Meta) UnmarshalBinary(data []byte) error { return json.Unmarshal(data, m) }

// HeaderFileName returns the base name of a tablet's header file.
func HeaderFileName(tabletID int64) string {
	return fmt.Sprintf("%d%s", tabletID, HeaderSuffix)
}

// HeaderFilePath returns the path of the header file for tabletID inside dir.
func HeaderFilePath(dir string, tabletID int64) string {
	return filepath.Join(dir, HeaderFileName(tabletID))
}

// LoadMetaFromFile reads and decodes a header file.
func LoadMetaFromFile(path string) (*Meta, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	m := &Meta{}
	if err := m.UnmarshalBinary(data); err != nil {
		return nil, fmt.Errorf("decode tablet header %s: %w", path, err)
	}
	return m, nil
}

// WriteHeaderFile encodes the meta into dir as the tablet's header file.
// The header is written to a temporary name and renamed into place so a
// crash mid-write never leaves a truncated header behind; downstream
// loaders treat the header's presence as the completeness marker.
func (m *Meta) WriteHeaderFile(dir string) error {
	data, err := m.MarshalBinary()
	if err != nil {
		return err
	}

	path := HeaderFilePath(dir, m.TabletID)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	if err := fs.RenameFileWithReplacement(tmp, path); err != nil {
		return err
	}
	return fs.SyncDir(dir)
}
