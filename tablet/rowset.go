package tablet

import (
	"fmt"
	"path/filepath"
)

// RowsetID identifies a rowset. IDs are allocated from a node-local counter
// and are unique for the lifetime of the node.
type RowsetID string

// RowsetMeta is the persisted description of one immutable rowset.
type RowsetMeta struct {
	ID          RowsetID `json:"rowset_id"`
	TabletID    int64    `json:"tablet_id"`
	TableID     int64    `json:"table_id"`
	PartitionID int64    `json:"partition_id"`
	SchemaHash  int64    `json:"schema_hash"`
	Version     Version  `json:"version"`
	SegmentNum  int      `json:"segment_num"`
	DataSize    int64    `json:"data_size"`
	RowNum      int64    `json:"row_num"`
}

// Clone returns a deep copy of the meta.
func (m *RowsetMeta) Clone() *RowsetMeta {
	other := *m
	return &other
}

// SegmentFiles returns the file names of every segment in the rowset, data
// file first, index file second for each ordinal.
func (m *RowsetMeta) SegmentFiles() []string {
	files := make([]string, 0, m.SegmentNum*2)
	for ord := 0; ord < m.SegmentNum; ord++ {
		files = append(files,
			fmt.Sprintf("%s_%d.dat", m.ID, ord),
			fmt.Sprintf("%s_%d.idx", m.ID, ord),
		)
	}
	return files
}

// Rowset is a rowset meta bound to the directory holding its segments.
type Rowset struct {
	Meta *RowsetMeta
	Dir  string
}

// SegmentPaths returns the absolute path of every segment file.
func (r *Rowset) SegmentPaths() []string {
	names := r.Meta.SegmentFiles()
	paths := make([]string, 0, len(names))
	for _, name := range names {
		paths = append(paths, filepath.Join(r.Dir, name))
	}
	return paths
}
