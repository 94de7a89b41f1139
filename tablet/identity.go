package tablet

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/fs"
)

// RowsetGuard reserves an allocated rowset id against reuse until the
// operation that allocated it completes.
type RowsetGuard struct {
	store *Store
	id    RowsetID
}

// ID returns the reserved rowset id.
func (g *RowsetGuard) ID() RowsetID { return g.id }

// Release drops the reservation. Release is idempotent.
func (g *RowsetGuard) Release() {
	if g.store == nil {
		return
	}
	g.store.idMu.Lock()
	delete(g.store.pendingRowsetIDs, g.id)
	g.store.idMu.Unlock()
	g.store = nil
}

// NextRowsetID allocates a fresh rowset id and returns it with a guard
// reserving it.
func (s *Store) NextRowsetID() (RowsetID, *RowsetGuard) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	s.nextRowsetSeq++
	id := RowsetID(fmt.Sprintf("%020d", s.nextRowsetSeq))
	s.pendingRowsetIDs[id] = struct{}{}
	return id, &RowsetGuard{store: s, id: id}
}

// bumpRowsetSeq advances the id counter past every id in m so that future
// allocations never collide with loaded rowsets.
func (s *Store) bumpRowsetSeq(m *Meta) {
	s.idMu.Lock()
	defer s.idMu.Unlock()
	for _, rs := range m.RowsetMetas {
		if seq, err := strconv.ParseUint(strings.TrimLeft(string(rs.ID), "0"), 10, 64); err == nil && seq > s.nextRowsetSeq {
			s.nextRowsetSeq = seq
		}
	}
}

// RewriteRowsetIDs rewrites the identity of every rowset staged in dir so
// that the downloaded artifacts belong to this node's replica: each rowset
// gets a freshly allocated id, its segment files are renamed accordingly,
// and the staged header is stamped with the destination replica, table,
// partition and schema hash. The returned guards reserve the new ids; the
// caller releases them once the clone finishes.
func (s *Store) RewriteRowsetIDs(dir string, tabletID, replicaID, tableID, partitionID, schemaHash int64) ([]*RowsetGuard, error) {
	m, err := LoadMetaFromFile(HeaderFilePath(dir, tabletID))
	if err != nil {
		return nil, err
	}

	// Advance the allocator past every staged id first, so no fresh id can
	// collide with the old name of another staged rowset while renaming.
	s.bumpRowsetSeq(m)

	guards := make([]*RowsetGuard, 0, len(m.RowsetMetas))
	releaseAll := func() {
		for _, g := range guards {
			g.Release()
		}
	}

	renamed := make(map[RowsetID]RowsetID, len(m.RowsetMetas))
	for _, rs := range m.RowsetMetas {
		newID, guard := s.NextRowsetID()
		guards = append(guards, guard)

		oldFiles := rs.SegmentFiles()
		renamed[rs.ID] = newID
		rs.ID = newID
		rs.TabletID = tabletID
		rs.TableID = tableID
		rs.PartitionID = partitionID
		rs.SchemaHash = schemaHash
		newFiles := rs.SegmentFiles()

		for i := range oldFiles {
			from := filepath.Join(dir, oldFiles[i])
			to := filepath.Join(dir, newFiles[i])
			if err := fs.RenameFileWithReplacement(from, to); err != nil {
				if os.IsNotExist(err) {
					// Rowsets without data have metas but no segments.
					continue
				}
				releaseAll()
				return nil, fmt.Errorf("rename staged segment %s: %w", oldFiles[i], err)
			}
		}
	}

	// The renames must be on disk before the rewritten header lands; once
	// the header names the new ids, the old segment names are dead.
	if err := fs.SyncDir(dir); err != nil {
		releaseAll()
		return nil, err
	}

	// Binlog files are named by version so they survive the rewrite; only
	// the manifest's rowset references change.
	if m.BinlogMetas != nil {
		for _, bm := range m.BinlogMetas.Metas {
			if newID, ok := renamed[bm.RowsetID]; ok {
				bm.RowsetID = newID
			}
		}
	}

	// The staged sidecar manifest references rowset ids as well.
	sidecar := filepath.Join(dir, BinlogMetasFile)
	if data, err := os.ReadFile(sidecar); err == nil && len(data) > 0 {
		bm := &BinlogMetas{}
		if err := bm.UnmarshalBinary(data); err != nil {
			releaseAll()
			return nil, fmt.Errorf("decode staged binlog manifest: %w", err)
		}
		for _, meta := range bm.Metas {
			if newID, ok := renamed[meta.RowsetID]; ok {
				meta.RowsetID = newID
			}
		}
		out, err := bm.MarshalBinary()
		if err != nil {
			releaseAll()
			return nil, err
		}
		if err := os.WriteFile(sidecar, out, 0600); err != nil {
			releaseAll()
			return nil, err
		}
	}

	m.TabletID = tabletID
	m.ReplicaID = replicaID
	m.TableID = tableID
	m.PartitionID = partitionID
	m.SchemaHash = schemaHash

	if err := m.WriteHeaderFile(dir); err != nil {
		releaseAll()
		return nil, err
	}

	s.Logger.Info("Rewrote staged rowset ids",
		zap.String("dir", dir),
		zap.Int64("tablet_id", tabletID),
		zap.Int64("replica_id", replicaID),
		zap.Int("rowsets", len(m.RowsetMetas)))
	return guards, nil
}
