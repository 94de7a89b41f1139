package snapshotter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/fs"
	"github.com/basaltdata/basalt/tablet"
)

// Manager stages snapshots of local tablets for remote peers. It implements
// Provider.
type Manager struct {
	Store  *tablet.Store
	Root   string
	Logger *zap.Logger
}

// NewManager returns a manager staging snapshots under root.
func NewManager(store *tablet.Store, root string) *Manager {
	return &Manager{
		Store:  store,
		Root:   root,
		Logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the manager.
func (m *Manager) WithLogger(log *zap.Logger) {
	m.Logger = log.With(zap.String("service", "snapshot"))
}

// PrepareSnapshot stages a read-only copy of the requested tablet under the
// snapshot root and returns its path. When the request lists missing
// versions and this node holds a rowset for every one of them, only those
// rowsets are staged and the snapshot is marked incremental; otherwise the
// whole tablet is staged.
func (m *Manager) PrepareSnapshot(req *Request) (string, bool, error) {
	t := m.Store.Tablet(req.TabletID)
	if t == nil {
		return "", false, fmt.Errorf("%w: tablet=%d", tablet.ErrTabletNotFound, req.TabletID)
	}
	if t.SchemaHash() != req.SchemaHash {
		return "", false, fmt.Errorf("schema hash mismatch: local=%d requested=%d", t.SchemaHash(), req.SchemaHash)
	}

	meta := t.MetaCopy()

	staged, allowIncremental := selectRowsets(meta, req)

	snapshotRoot := filepath.Join(m.Root, uuid.NewString())
	dir := filepath.Join(snapshotRoot, fmt.Sprintf("%d", req.TabletID), fmt.Sprintf("%d", req.SchemaHash))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", false, err
	}

	cleanup := func() { _ = os.RemoveAll(snapshotRoot) }

	for _, rs := range staged {
		for _, name := range rs.SegmentFiles() {
			from := filepath.Join(t.Path(), name)
			if ok, err := fs.FileExists(from); err != nil {
				cleanup()
				return "", false, err
			} else if !ok {
				continue
			}
			if err := os.Link(from, filepath.Join(dir, name)); err != nil {
				cleanup()
				return "", false, fmt.Errorf("stage segment %s: %w", name, err)
			}
		}
	}

	header := meta.Clone()
	header.RowsetMetas = staged
	if err := header.WriteHeaderFile(dir); err != nil {
		cleanup()
		return "", false, err
	}

	if req.IsCopyBinlog {
		if err := m.stageBinlog(t, meta, staged, dir); err != nil {
			cleanup()
			return "", false, err
		}
	}

	m.Logger.Info("Prepared snapshot",
		zap.Int64("tablet_id", req.TabletID),
		zap.String("path", snapshotRoot),
		zap.Bool("incremental", allowIncremental),
		zap.Int("rowsets", len(staged)))
	return snapshotRoot, allowIncremental, nil
}

// selectRowsets picks the rowsets to stage. Incremental staging requires an
// exact rowset for every missing version; a source that compacted across a
// missing version can only serve a full snapshot.
func selectRowsets(meta *tablet.Meta, req *Request) ([]*tablet.RowsetMeta, bool) {
	if !req.HasMissingVersions || len(req.MissingVersions) == 0 {
		return meta.RowsetMetas, false
	}

	staged := make([]*tablet.RowsetMeta, 0, len(req.MissingVersions))
	for _, start := range req.MissingVersions {
		rs := meta.RowsetMetaByVersion(tablet.Version{Start: start, End: start})
		if rs == nil {
			return meta.RowsetMetas, false
		}
		staged = append(staged, rs)
	}
	return staged, true
}

// stageBinlog links the binlog files of the staged rowsets into the
// snapshot under their wire names and writes the sidecar manifest.
func (m *Manager) stageBinlog(t *tablet.Tablet, meta *tablet.Meta, staged []*tablet.RowsetMeta, dir string) error {
	if meta.BinlogMetas == nil || len(meta.BinlogMetas.Metas) == 0 {
		return nil
	}

	stagedIDs := make(map[tablet.RowsetID]struct{}, len(staged))
	for _, rs := range staged {
		stagedIDs[rs.ID] = struct{}{}
	}

	binlogDir := filepath.Join(t.Path(), tablet.BinlogDir)
	manifest := &tablet.BinlogMetas{}
	for _, bm := range meta.BinlogMetas.Metas {
		if _, ok := stagedIDs[bm.RowsetID]; !ok {
			continue
		}
		for ord := 0; ord < bm.SegmentNum; ord++ {
			base := fmt.Sprintf("%d_%d", bm.Version.Start, ord)
			links := [][2]string{
				{base + ".dat", base + ".binlog"},
				{base + ".idx", base + ".binlog-index"},
			}
			for _, l := range links {
				from := filepath.Join(binlogDir, l[0])
				if ok, err := fs.FileExists(from); err != nil {
					return err
				} else if !ok {
					continue
				}
				if err := os.Link(from, filepath.Join(dir, l[1])); err != nil {
					return fmt.Errorf("stage binlog %s: %w", l[0], err)
				}
			}
		}
		cp := *bm
		manifest.Metas = append(manifest.Metas, &cp)
	}

	if len(manifest.Metas) == 0 {
		return nil
	}
	data, err := manifest.MarshalBinary()
	if err != nil {
		return err
	}
	return os.WriteFile(filepath.Join(dir, tablet.BinlogMetasFile), data, 0600)
}

// ReleaseSnapshot removes a staged snapshot. Paths outside the snapshot
// root are refused.
func (m *Manager) ReleaseSnapshot(path string) error {
	root := filepath.Clean(m.Root)
	clean := filepath.Clean(path)
	if clean == root || !strings.HasPrefix(clean, root+string(filepath.Separator)) {
		return fmt.Errorf("snapshot path %q outside snapshot root", path)
	}
	if err := os.RemoveAll(clean); err != nil {
		return err
	}
	m.Logger.Info("Released snapshot", zap.String("path", clean))
	return nil
}
