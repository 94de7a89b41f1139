package clone

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/fs"
	"github.com/basaltdata/basalt/services/snapshotter"
	"github.com/basaltdata/basalt/tablet"
)

// Peer identifies one candidate source node.
type Peer struct {
	Host     string
	Port     int // snapshot service port
	HTTPPort int // download endpoint port
}

// SnapshotAddr returns the host:port of the peer's snapshot service.
func (p Peer) SnapshotAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// HTTPAddr returns the host:port of the peer's download endpoints.
func (p Peer) HTTPAddr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.HTTPPort))
}

// Request is a clone task dispatched by the cluster controller.
type Request struct {
	TabletID    int64
	SchemaHash  int64
	ReplicaID   int64
	TableID     int64
	PartitionID int64

	// Version is the visible version the replica must cover afterwards.
	Version int64

	StorageMedium string
	DestPathHash  int64

	// TimeoutSeconds, when positive, is forwarded to the source peer.
	TimeoutSeconds int64

	// Peers are tried in order until one attempt fully succeeds.
	Peers []Peer
}

// task drives one clone request through the state machine.
type task struct {
	svc    *Service
	req    *Request
	logger *zap.Logger

	isNewTablet bool

	copiedBytes int64
	copyTime    time.Duration

	guards []*tablet.RowsetGuard
}

// execute runs the task. The partition visible version is recorded
// regardless of the outcome so the controller's view converges.
func (t *task) execute(infos *[]tablet.TabletInfo) error {
	err := t.doClone(infos)
	t.svc.Store.UpdatePartitionsVisibleVersion(map[int64]int64{t.req.PartitionID: t.req.Version})
	return err
}

func (t *task) doClone(infos *[]tablet.TabletInfo) error {
	if v, ok := debugPoint(DebugWaitClone); ok {
		if d, ok := v.(time.Duration); ok {
			time.Sleep(d)
		}
	}
	if _, ok := debugPoint(DebugFailClone); ok {
		t.logger.Warn("Failing clone at debug point")
		return fmt.Errorf("clone failed at debug point %s: tablet=%d replica=%d version=%d",
			DebugFailClone, t.req.TabletID, t.req.ReplicaID, t.req.Version)
	}

	store := t.svc.Store

	// Register the tablet so that no other maintenance operation (or a gc
	// pass) touches it while the clone runs.
	if err := store.RegisterTransition(t.req.TabletID, "clone"); err != nil {
		return err
	}
	defer store.UnregisterTransition(t.req.TabletID, "clone")
	defer t.releaseGuards()

	tb := store.Tablet(t.req.TabletID)

	// A NotReady tablet is a residue of a failed maintenance operation;
	// drop it and clone from scratch.
	if tb != nil && tb.State() == tablet.StateNotReady {
		t.logger.Warn("Tablet state is not ready, dropping before clone")
		if err := store.DropTablet(tb.TabletID(), tb.ReplicaID(), false); err != nil {
			return err
		}
		tb = nil
	}
	t.isNewTablet = tb == nil

	if tb != nil {
		if err := t.cloneExisting(tb); err != nil {
			return err
		}
	} else {
		if err := t.cloneNew(); err != nil {
			return err
		}
	}

	return t.setTabletInfo(infos)
}

// cloneExisting repairs a tablet already present on this node by fetching
// its missing versions.
func (t *task) cloneExisting(tb *tablet.Tablet) error {
	store := t.svc.Store

	if !tb.MigrationLock().TryRLock() {
		return fmt.Errorf("%w: tablet=%d", ErrMigrationBusy, t.req.TabletID)
	}
	defer tb.MigrationLock().RUnlock()

	// The local replica may have been dropped in the controller and
	// recreated with a higher replica id; keep the id consistent.
	if tb.ReplicaID() < t.req.ReplicaID {
		if err := tb.SetReplicaID(t.req.ReplicaID); err != nil {
			return err
		}
	}

	specifiedVersion := t.req.Version
	if tb.EnableUniqueKeyMergeOnWrite() {
		if minPending := store.MinPendingPublishVersion(tb.TabletID()); minPending-1 < specifiedVersion {
			t.logger.Info("Using min pending publish version for clone",
				zap.Int64("min_pending_version", minPending),
				zap.Int64("visible_version", t.req.Version))
			specifiedVersion = minPending - 1
		}
	}

	missed := tb.MissedVersions(specifiedVersion)

	// With nothing missing the local data already covers the target; the
	// source would only return a header anyway.
	if len(missed) == 0 {
		t.logger.Info("No missed versions, skipping clone")
		return nil
	}

	t.logger.Info("Cloning to existing tablet",
		zap.Int("missed_versions", len(missed)),
		zap.Int64("visible_version", t.req.Version),
		zap.Int64("specified_version", specifiedVersion))

	cloneDir := filepath.Join(tb.Path(), ClonePrefix)
	allowIncremental, err := t.makeAndDownloadSnapshots(cloneDir, missed)
	if err != nil {
		// The staging dir must never outlive the task.
		if rmErr := os.RemoveAll(cloneDir); rmErr != nil {
			t.logger.Warn("Failed to remove clone dir",
				zap.String("dir", cloneDir), zap.Error(rmErr))
		}
		return err
	}

	return t.finishClone(tb, cloneDir, specifiedVersion, allowIncremental)
}

// cloneNew materializes a tablet that does not exist on this node.
func (t *task) cloneNew() (err error) {
	store := t.svc.Store

	t.logger.Info("Cloning new tablet from remote peer")

	_, shardID, err := store.ObtainShardPath(t.req.StorageMedium, t.req.DestPathHash)
	if err != nil {
		return err
	}
	tabletDir := store.TabletDir(shardID, t.req.TabletID, t.req.SchemaHash)

	defer func() {
		if err == nil {
			return
		}
		t.logger.Info("Clone failed, removing tablet dir", zap.String("dir", tabletDir))
		if rmErr := os.RemoveAll(tabletDir); rmErr != nil {
			t.logger.Warn("Failed to remove clone dir", zap.Error(rmErr))
		}
		tablet.DeleteTabletParentPathIfEmpty(tabletDir)
	}()

	if ok, exErr := fs.FileExists(tabletDir); exErr != nil {
		return exErr
	} else if ok {
		t.logger.Warn("Destination path exists before clone, removing it first",
			zap.String("dir", tabletDir))
		if err := os.RemoveAll(tabletDir); err != nil {
			return err
		}
	}

	if _, err = t.makeAndDownloadSnapshots(tabletDir, nil); err != nil {
		return err
	}

	tb, err := store.LoadTabletFromDir(t.req.TabletID, t.req.SchemaHash, shardID, tabletDir)
	if err != nil {
		return err
	}

	// Stamp the controller's replica id into the loaded header.
	if err = tb.SetReplicaID(t.req.ReplicaID); err != nil {
		return err
	}

	// The header now lives in the metastore; the staged .hdr file must not
	// survive in the tablet dir.
	return os.Remove(tablet.HeaderFilePath(tabletDir, t.req.TabletID))
}

// makeAndDownloadSnapshots negotiates a snapshot with each candidate peer
// in turn, downloads it into localDir, and rewrites the staged rowset
// identities. The first peer whose snapshot downloads completely wins.
// Snapshots are always released best-effort.
func (t *task) makeAndDownloadSnapshots(localDir string, missed tablet.Versions) (bool, error) {
	var lastErr error

	for _, peer := range t.req.Peers {
		snapReq := &snapshotter.Request{
			TabletID:           t.req.TabletID,
			SchemaHash:         t.req.SchemaHash,
			Version:            t.req.Version,
			IsCopyBinlog:       true,
			MissingVersions:    missed.Starts(),
			HasMissingVersions: true,
			Timeout:            t.req.TimeoutSeconds,
		}

		resp, err := t.svc.SnapshotClient.MakeSnapshot(peer.SnapshotAddr(), snapReq)
		if err != nil {
			t.logger.Warn("Failed to make snapshot on remote peer",
				zap.String("peer", peer.SnapshotAddr()), zap.Error(err))
			lastErr = err
			continue // try another peer
		}
		t.logger.Info("Made snapshot on remote peer",
			zap.String("peer", peer.SnapshotAddr()),
			zap.String("snapshot_path", resp.SnapshotPath))

		remoteDir := fmt.Sprintf("%s/%d/%d", resp.SnapshotPath, t.req.TabletID, t.req.SchemaHash)
		downloadErr := t.downloadFrom(peer, remoteDir, localDir)

		if relErr := t.svc.SnapshotClient.ReleaseSnapshot(peer.SnapshotAddr(), resp.SnapshotPath); relErr != nil {
			t.logger.Warn("Failed to release snapshot on remote peer",
				zap.String("peer", peer.SnapshotAddr()),
				zap.String("snapshot_path", resp.SnapshotPath),
				zap.Error(relErr))
		}

		if downloadErr != nil {
			// Capacity problems will not improve with another peer.
			if errors.Is(downloadErr, tablet.ErrCapacityExceeded) {
				return false, downloadErr
			}
			t.logger.Warn("Failed to download snapshot from remote peer",
				zap.String("peer", peer.HTTPAddr()), zap.Error(downloadErr))
			lastErr = downloadErr
			continue // try another peer
		}

		guards, err := t.svc.Store.RewriteRowsetIDs(localDir,
			t.req.TabletID, t.req.ReplicaID, t.req.TableID, t.req.PartitionID, t.req.SchemaHash)
		if err != nil {
			if os.IsNotExist(err) {
				// The peer served an empty or incomplete snapshot.
				return false, fmt.Errorf("%w: no header downloaded into %s", ErrInconsistentSnapshot, localDir)
			}
			return false, err
		}
		t.guards = guards

		// No need to try another peer.
		return resp.AllowIncrementalClone, nil
	}

	if lastErr == nil {
		lastErr = fmt.Errorf("no source peers for tablet %d", t.req.TabletID)
	}
	return false, lastErr
}

// downloadFrom copies the snapshot files, choosing the batch strategy when
// enabled and supported by the peer.
func (t *task) downloadFrom(peer Peer, remoteDir, localDir string) error {
	d := newDownloader(t.svc.Store, t.svc.HTTPClient, t.svc.Token, t.svc.Config, t.logger)
	addr := peer.HTTPAddr()

	var err error
	if t.svc.Config.EnableBatchDownload && d.isBatchSupported(addr) {
		t.logger.Info("Remote peer supports batch download",
			zap.String("peer", addr), zap.String("remote_dir", remoteDir))
		err = d.batchDownloadFiles(addr, remoteDir, localDir)
	} else {
		if t.svc.Config.EnableBatchDownload {
			t.logger.Info("Remote peer does not support batch download, using single file download",
				zap.String("peer", addr), zap.String("remote_dir", remoteDir))
		}
		err = d.downloadFiles(addr, remoteDir, localDir)
	}
	if err != nil {
		return err
	}

	t.copiedBytes = d.copiedBytes
	t.copyTime = d.copyTime
	return nil
}

// setTabletInfo reports the final replica description to the controller.
// A replica still below the requested version is an error; a freshly
// cloned tablet in that state is stale and dropped outright.
func (t *task) setTabletInfo(infos *[]tablet.TabletInfo) error {
	info := tablet.TabletInfo{
		TabletID:   t.req.TabletID,
		ReplicaID:  t.req.ReplicaID,
		SchemaHash: t.req.SchemaHash,
		PathHash:   t.req.DestPathHash,
	}
	if err := t.svc.Store.ReportTabletInfo(&info); err != nil {
		return err
	}

	if info.Version < t.req.Version {
		if t.isNewTablet {
			t.logger.Warn("Dropping stale cloned tablet",
				zap.Int64("version", info.Version),
				zap.Int64("expected_version", t.req.Version))
			if err := t.svc.Store.DropTablet(t.req.TabletID, t.req.ReplicaID, false); err != nil {
				t.logger.Warn("Failed to drop stale cloned tablet", zap.Error(err))
			}
		}
		return fmt.Errorf("%w: tablet version %d, expected version %d",
			ErrUnexpectedVersion, info.Version, t.req.Version)
	}

	t.logger.Info("Clone tablet info reported", zap.Int64("version", info.Version))
	*infos = append(*infos, info)
	return nil
}

func (t *task) releaseGuards() {
	for _, g := range t.guards {
		g.Release()
	}
	t.guards = nil
}
