package clone

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/fs"
	"github.com/basaltdata/basalt/tablet"
)

// finishClone merges a fully staged clone dir into an existing tablet:
// stage files are hard-linked into the tablet dir, binlog files are
// reconciled, and the downloaded header is merged with the local one under
// the full lock set. The staging dir is deleted on every exit path.
func (t *task) finishClone(tb *tablet.Tablet, cloneDir string, version int64, incremental bool) error {
	defer func() {
		if err := os.RemoveAll(cloneDir); err != nil {
			t.logger.Warn("Failed to remove clone dir",
				zap.String("dir", cloneDir), zap.Error(err))
		}
	}()

	if ok, err := fs.FileExists(cloneDir); err != nil {
		return err
	} else if !ok {
		return fmt.Errorf("%w: clone dir not existed: %s", ErrInconsistentSnapshot, cloneDir)
	}

	// The tablet meta travels as a .hdr file; load it and remove the file,
	// the header never persists alongside data.
	headerPath := tablet.HeaderFilePath(cloneDir, tb.TabletID())
	clonedMeta, err := tablet.LoadMetaFromFile(headerPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: no header in clone dir %s", ErrInconsistentSnapshot, cloneDir)
		}
		return err
	}
	if err := os.Remove(headerPath); err != nil {
		return err
	}

	containBinlog, binlogMetas, err := t.loadBinlogMetas(cloneDir)
	if err != nil {
		return err
	}

	tabletDir := tb.Path()
	if containBinlog {
		if err := os.MkdirAll(filepath.Join(tabletDir, tablet.BinlogDir), 0755); err != nil {
			return err
		}
	}

	cloneNames, err := listFileNames(cloneDir)
	if err != nil {
		return err
	}
	localList, err := listFileNames(tabletDir)
	if err != nil {
		return err
	}
	localNames := make(map[string]struct{}, len(localList))
	for _, name := range localList {
		localNames[name] = struct{}{}
	}

	// Link every staged file that the tablet does not already have, and
	// remember the links so they can be undone if a later step fails.
	var linked []string
	removeLinked := func() {
		var rmErr error
		for _, path := range linked {
			rmErr = multierr.Append(rmErr, os.Remove(path))
		}
		if rmErr != nil {
			t.logger.Warn("Failed to remove linked files", zap.Error(rmErr))
		}
	}

	for _, name := range cloneNames {
		if _, ok := localNames[name]; ok {
			continue
		}

		skipLink := false
		var to string
		if strings.HasSuffix(name, ".binlog") || strings.HasSuffix(name, ".binlog-index") {
			if !containBinlog {
				t.logger.Warn("Staged binlog file without binlog metas",
					zap.String("file", name))
				break
			}
			to, skipLink, err = t.checkDestBinlog(tabletDir, cloneDir, name)
			if err != nil {
				removeLinked()
				return err
			}
		} else {
			to = filepath.Join(tabletDir, name)
		}

		if skipLink {
			continue
		}
		if err := os.Link(filepath.Join(cloneDir, name), to); err != nil {
			removeLinked()
			return err
		}
		linked = append(linked, to)
	}

	if containBinlog {
		if err := tb.IngestBinlogMetas(binlogMetas); err != nil {
			removeLinked()
			return err
		}
	}

	// Clone and compaction must be performed sequentially; hold every lock
	// that guards metadata mutation for the duration of the merge.
	release := tb.LockForRevision()
	lockStart := time.Now()
	defer func() {
		release()
		if held := time.Since(lockStart); held > time.Duration(t.svc.Config.TraceTabletLockThreshold) {
			t.logger.Warn("Tablet locks held longer than threshold",
				zap.Duration("held", held))
		}
	}()

	if incremental {
		err = t.finishIncrementalClone(tb, clonedMeta, version)
	} else {
		err = t.finishFullClone(tb, clonedMeta)
	}
	if err != nil {
		removeLinked()
		return err
	}

	// A full clone invalidates any cumulative compaction progress.
	if !incremental {
		tb.SetCumulativeLayerPointNoLock(tablet.InvalidCumulativePoint)
	}
	return nil
}

// loadBinlogMetas reads and removes the staged sidecar manifest. An empty
// sidecar means the snapshot carries no binlog data.
func (t *task) loadBinlogMetas(cloneDir string) (bool, *tablet.BinlogMetas, error) {
	sidecarPath := filepath.Join(cloneDir, tablet.BinlogMetasFile)
	ok, err := fs.FileExists(sidecarPath)
	if err != nil {
		return false, nil, err
	}
	if !ok {
		return false, nil, nil
	}

	size, err := fs.FileSize(sidecarPath)
	if err != nil {
		return false, nil, err
	}

	containBinlog := false
	binlogMetas := &tablet.BinlogMetas{}
	if size > 0 {
		data, err := os.ReadFile(sidecarPath)
		if err != nil {
			return false, nil, err
		}
		if err := binlogMetas.UnmarshalBinary(data); err != nil {
			return false, nil, fmt.Errorf("%w: bad binlog manifest: %v", ErrInconsistentSnapshot, err)
		}
		containBinlog = true
	}
	if err := os.Remove(sidecarPath); err != nil {
		return false, nil, err
	}
	return containBinlog, binlogMetas, nil
}

// checkDestBinlog computes the destination of a staged binlog file. If a
// file with the destination name already exists the content hashes decide:
// equal means an idempotent re-clone and the link is skipped, unequal means
// corruption or an identifier collision.
func (t *task) checkDestBinlog(tabletDir, cloneDir, name string) (string, bool, error) {
	newName := name
	if strings.HasSuffix(name, ".binlog") {
		newName = strings.TrimSuffix(name, ".binlog") + ".dat"
	} else if strings.HasSuffix(name, ".binlog-index") {
		newName = strings.TrimSuffix(name, ".binlog-index") + ".idx"
	}
	from := filepath.Join(cloneDir, name)
	to := filepath.Join(tabletDir, tablet.BinlogDir, newName)

	ok, err := fs.FileExists(to)
	if err != nil {
		return "", false, err
	}
	if !ok {
		return to, false, nil
	}

	t.logger.Warn("Binlog file already exists",
		zap.String("from", from), zap.String("to", to))

	fromMD5, err := fs.MD5Sum(from)
	if err != nil {
		return "", false, err
	}
	toMD5, err := fs.MD5Sum(to)
	if err != nil {
		return "", false, err
	}
	if fromMD5 == toMD5 {
		return to, true, nil
	}
	return "", false, fmt.Errorf("%w: binlog file already exists with different md5sum: file=%s", ErrInconsistentSnapshot, name)
}

// finishIncrementalClone adds the still-missing versions out of the cloned
// meta. Nothing is ever deleted on this path.
func (t *task) finishIncrementalClone(tb *tablet.Tablet, clonedMeta *tablet.Meta, version int64) error {
	t.logger.Info("Finishing incremental clone",
		zap.Int64("version", version),
		zap.Int64("cloned_replica_id", clonedMeta.ReplicaID))

	// The missing set was computed before the locks were taken and may
	// have shrunk since; the value under the lock is authoritative.
	missed := tb.MissedVersionsNoLock(version)

	toAdd := make([]*tablet.Rowset, 0, len(missed))
	for _, v := range missed {
		rsMeta := clonedMeta.RowsetMetaByVersion(v)
		if rsMeta == nil {
			return fmt.Errorf("%w: missed version %s is not found in cloned tablet meta", ErrInconsistentSnapshot, v)
		}
		rs, err := tb.CreateRowset(rsMeta)
		if err != nil {
			return err
		}
		toAdd = append(toAdd, rs)
	}

	return tb.ReviseMetaNoLock(toAdd, nil, true)
}

// finishFullClone replaces every local rowset up to the cloned max version
// with the cloned rowsets; strictly newer local rowsets are kept. A local
// range straddling the cloned max version cannot be reconciled.
func (t *task) finishFullClone(tb *tablet.Tablet, clonedMeta *tablet.Meta) error {
	clonedMax := clonedMeta.MaxVersion()
	t.logger.Info("Finishing full clone",
		zap.String("cloned_max_version", clonedMax.String()))

	var toDelete []*tablet.Rowset
	for v, rs := range tb.RowsetsNoLock() {
		if v.Start <= clonedMax.End && v.End > clonedMax.End {
			return fmt.Errorf("%w: cloned_max_version=%d, local_version=%s",
				ErrVersionCrossLatest, clonedMax.End, v)
		}
		if v.End <= clonedMax.End {
			toDelete = append(toDelete, rs)
		}
	}

	toAdd := make([]*tablet.Rowset, 0, len(clonedMeta.RowsetMetas))
	for _, rsMeta := range clonedMeta.RowsetMetas {
		rs, err := tb.CreateRowset(rsMeta)
		if err != nil {
			return err
		}
		toAdd = append(toAdd, rs)
	}

	meta := tb.MetaNoLock()
	if tb.CooldownReplicaID() == meta.ReplicaID {
		// This replica owns cooldown. A cooldown meta id taken from the
		// snapshot could predate the current cooldown term and make the
		// controller trust stale remote data, so mint a fresh one.
		tb.SetCooldownMetaIDNoLock(uuid.NewString())
	} else {
		tb.SetCooldownMetaIDNoLock(clonedMeta.CooldownMetaID)
	}

	if tb.EnableUniqueKeyMergeOnWrite() {
		if meta.DeleteBitmap == nil {
			meta.DeleteBitmap = tablet.NewDeleteBitmap()
		}
		meta.DeleteBitmap.Merge(clonedMeta.DeleteBitmap)
	}

	return tb.ReviseMetaNoLock(toAdd, toDelete, false)
}

func listFileNames(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}
