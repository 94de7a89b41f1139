package clone_test

import (
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdata/basalt/pkg/fs"
	"github.com/basaltdata/basalt/services/clone"
	"github.com/basaltdata/basalt/services/download"
	"github.com/basaltdata/basalt/services/snapshotter"
	"github.com/basaltdata/basalt/tablet"
	"github.com/basaltdata/basalt/tablet/metastore"
)

const (
	testToken      = "cluster-token"
	testTabletID   = int64(10)
	testSchemaHash = int64(1234)
)

// testNode is one storage node: metastore, tablet store and data dir.
type testNode struct {
	dir   string
	store *tablet.Store
}

func newTestNode(t *testing.T) *testNode {
	t.Helper()

	dir := t.TempDir()
	meta := metastore.NewStore(filepath.Join(dir, "meta", "basalt.db"))
	require.NoError(t, meta.Open())
	t.Cleanup(func() { meta.Close() })

	store := tablet.NewStore(dir, meta)
	require.NoError(t, store.Open())
	return &testNode{dir: dir, store: store}
}

type tabletOpts struct {
	replicaID    int64
	mergeOnWrite bool

	// binlogVersions get binlog metas and on-disk binlog files.
	binlogVersions tablet.Versions
}

// createTablet materializes a tablet with real segment files on the node.
func createTablet(t *testing.T, node *testNode, versions tablet.Versions, opts tabletOpts) *tablet.Tablet {
	t.Helper()

	if opts.replicaID == 0 {
		opts.replicaID = 100
	}

	const shardID = 0
	dir := node.store.TabletDir(shardID, testTabletID, testSchemaHash)
	require.NoError(t, os.MkdirAll(dir, 0755))

	meta := &tablet.Meta{
		TabletID:                    testTabletID,
		TableID:                     2,
		PartitionID:                 3,
		ReplicaID:                   opts.replicaID,
		SchemaHash:                  testSchemaHash,
		EnableUniqueKeyMergeOnWrite: opts.mergeOnWrite,
	}
	if opts.mergeOnWrite {
		meta.DeleteBitmap = tablet.NewDeleteBitmap()
	}

	byVersion := make(map[tablet.Version]*tablet.RowsetMeta)
	for _, v := range versions {
		id, guard := node.store.NextRowsetID()
		guard.Release()
		rs := &tablet.RowsetMeta{
			ID:          id,
			TabletID:    testTabletID,
			TableID:     2,
			PartitionID: 3,
			SchemaHash:  testSchemaHash,
			Version:     v,
			SegmentNum:  1,
			DataSize:    4,
		}
		for _, name := range rs.SegmentFiles() {
			require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("data"), 0600))
		}
		meta.RowsetMetas = append(meta.RowsetMetas, rs)
		byVersion[v] = rs
	}

	if len(opts.binlogVersions) > 0 {
		meta.BinlogMetas = &tablet.BinlogMetas{}
		binlogDir := filepath.Join(dir, tablet.BinlogDir)
		require.NoError(t, os.MkdirAll(binlogDir, 0755))
		for _, v := range opts.binlogVersions {
			rs := byVersion[v]
			require.NotNil(t, rs, "binlog version %s has no rowset", v)
			meta.BinlogMetas.Metas = append(meta.BinlogMetas.Metas, &tablet.BinlogMeta{
				RowsetID:   rs.ID,
				Version:    v,
				SegmentNum: 1,
			})
			base := strconv.FormatInt(v.Start, 10) + "_0"
			require.NoError(t, os.WriteFile(filepath.Join(binlogDir, base+".dat"), []byte("binlog-"+v.String()), 0600))
			require.NoError(t, os.WriteFile(filepath.Join(binlogDir, base+".idx"), []byte("binlog-index-"+v.String()), 0600))
		}
	}

	require.NoError(t, meta.WriteHeaderFile(dir))
	tb, err := node.store.LoadTabletFromDir(testTabletID, testSchemaHash, shardID, dir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(tablet.HeaderFilePath(dir, testTabletID)))
	return tb
}

// testPeer wraps a node with the two server halves a clone source needs.
type testPeer struct {
	node     *testNode
	snapRoot string

	snapAddr string
	httpAddr string
}

// startPeer exposes the node's snapshot service and download endpoints.
// wrap, when non-nil, wraps the download handler.
func startPeer(t *testing.T, node *testNode, wrap func(http.Handler) http.Handler) *testPeer {
	t.Helper()

	snapRoot := filepath.Join(node.dir, "snapshot")

	manager := snapshotter.NewManager(node.store, snapRoot)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := snapshotter.NewService()
	svc.Provider = manager
	svc.Listener = ln
	require.NoError(t, svc.Open())
	t.Cleanup(func() { svc.Close() })

	var handler http.Handler = download.NewHandler(testToken, node.dir)
	if wrap != nil {
		handler = wrap(handler)
	}
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	u, err := url.Parse(srv.URL)
	require.NoError(t, err)

	return &testPeer{
		node:     node,
		snapRoot: snapRoot,
		snapAddr: ln.Addr().String(),
		httpAddr: u.Host,
	}
}

func (p *testPeer) peer() clone.Peer {
	host, portStr, _ := net.SplitHostPort(p.snapAddr)
	port, _ := strconv.Atoi(portStr)
	_, httpPortStr, _ := net.SplitHostPort(p.httpAddr)
	httpPort, _ := strconv.Atoi(httpPortStr)
	return clone.Peer{Host: host, Port: port, HTTPPort: httpPort}
}

// snapshotsLeft counts staged snapshots not yet released on the peer.
func (p *testPeer) snapshotsLeft(t *testing.T) int {
	t.Helper()
	entries, err := os.ReadDir(p.snapRoot)
	if os.IsNotExist(err) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func newCloneService(t *testing.T, node *testNode) *clone.Service {
	t.Helper()
	svc := clone.NewService(clone.NewConfig())
	svc.Store = node.store
	svc.Token = testToken
	return svc
}

func cloneRequest(version int64, peers ...clone.Peer) *clone.Request {
	return &clone.Request{
		TabletID:      testTabletID,
		SchemaHash:    testSchemaHash,
		ReplicaID:     100,
		TableID:       2,
		PartitionID:   3,
		Version:       version,
		StorageMedium: "HDD",
		DestPathHash:  77,
		Peers:         peers,
	}
}

// assertCloneInvariants checks the universal post-clone properties: the
// replica covers the requested version, carries the requested replica id,
// holds no header file, no staging dir, and has files for every rowset.
func assertCloneInvariants(t *testing.T, node *testNode, req *clone.Request) {
	t.Helper()

	tb := node.store.Tablet(req.TabletID)
	require.NotNil(t, tb)
	require.GreaterOrEqual(t, tb.VisibleVersion(), req.Version)
	require.Equal(t, req.ReplicaID, tb.ReplicaID())

	ok, err := fs.FileExists(tablet.HeaderFilePath(tb.Path(), req.TabletID))
	require.NoError(t, err)
	require.False(t, ok, "header file must not survive in the tablet dir")

	ok, err = fs.FileExists(filepath.Join(tb.Path(), "clone"))
	require.NoError(t, err)
	require.False(t, ok, "staging dir must not survive")

	for _, rs := range tb.MetaCopy().RowsetMetas {
		for _, name := range rs.SegmentFiles() {
			ok, err := fs.FileExists(filepath.Join(tb.Path(), name))
			require.NoError(t, err)
			require.True(t, ok, "missing segment %s", name)
		}
	}
}

func TestClone_NoMissedVersions(t *testing.T) {
	dest := newTestNode(t)
	createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 5}, {Start: 6, End: 8}}, tabletOpts{})

	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	req := cloneRequest(7) // no peers: nothing may be contacted
	require.NoError(t, svc.Clone(req, &infos))

	require.Len(t, infos, 1)
	require.Equal(t, int64(8), infos[0].Version)
	require.Equal(t, int64(7), dest.store.PartitionVisibleVersion(3))
	assertCloneInvariants(t, dest, req)
}

func TestClone_Incremental(t *testing.T) {
	source := newTestNode(t)
	createTablet(t, source,
		tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}, {Start: 5, End: 5}, {Start: 6, End: 6}},
		tabletOpts{replicaID: 900})
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}}, tabletOpts{})

	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	req := cloneRequest(6, peer.peer())
	require.NoError(t, svc.Clone(req, &infos))

	require.Len(t, infos, 1)
	require.Equal(t, int64(6), infos[0].Version)

	tb := dest.store.Tablet(testTabletID)
	got := tb.MetaCopy().Versions()
	got.Sort()
	// Two rowsets added, none deleted.
	require.Equal(t, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}, {Start: 5, End: 5}, {Start: 6, End: 6}}, got)

	require.Equal(t, 0, peer.snapshotsLeft(t))
	assertCloneInvariants(t, dest, req)
}

func TestClone_FullCloneReplacesCoveredRowsets(t *testing.T) {
	source := newTestNode(t)
	createTablet(t, source,
		tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}, {Start: 5, End: 6}, {Start: 7, End: 8}},
		tabletOpts{replicaID: 900})
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	createTablet(t, dest,
		tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 5}, {Start: 6, End: 6}, {Start: 7, End: 7}, {Start: 9, End: 10}},
		tabletOpts{})

	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	req := cloneRequest(8, peer.peer())
	require.NoError(t, svc.Clone(req, &infos))

	tb := dest.store.Tablet(testTabletID)
	got := tb.MetaCopy().Versions()
	got.Sort()
	// Everything up to the cloned max version is replaced by the cloned
	// rowsets; the strictly newer local rowset survives.
	require.Equal(t, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}, {Start: 5, End: 6}, {Start: 7, End: 8}, {Start: 9, End: 10}}, got)
	require.Equal(t, int64(10), infos[0].Version)

	// A full clone resets cumulative compaction.
	require.Equal(t, tablet.InvalidCumulativePoint, tb.MetaCopy().CumulativeLayerPoint)
	assertCloneInvariants(t, dest, req)
}

func TestClone_VersionCrossLatest(t *testing.T) {
	source := newTestNode(t)
	createTablet(t, source, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 13}}, tabletOpts{replicaID: 900})
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 10}, {Start: 12, End: 14}}, tabletOpts{})

	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(13, peer.peer()), &infos)
	require.ErrorIs(t, err, clone.ErrVersionCrossLatest)
	require.Empty(t, infos)

	// The local replica is untouched.
	got := dest.store.Tablet(testTabletID).MetaCopy().Versions()
	got.Sort()
	require.Equal(t, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 10}, {Start: 12, End: 14}}, got)

	// The staging dir is cleaned up even on failure.
	ok, err2 := fs.FileExists(filepath.Join(dest.store.Tablet(testTabletID).Path(), "clone"))
	require.NoError(t, err2)
	require.False(t, ok)
	require.Equal(t, 0, peer.snapshotsLeft(t))
}

func TestClone_NewTablet(t *testing.T) {
	source := newTestNode(t)
	createTablet(t, source, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 7}}, tabletOpts{replicaID: 900})
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	req := cloneRequest(7, peer.peer())
	require.NoError(t, svc.Clone(req, &infos))

	require.Len(t, infos, 1)
	require.Equal(t, int64(7), infos[0].Version)
	require.Equal(t, 0, peer.snapshotsLeft(t))
	assertCloneInvariants(t, dest, req)
}

func TestClone_NewTabletBatchDownload(t *testing.T) {
	source := newTestNode(t)
	createTablet(t, source, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 7}}, tabletOpts{replicaID: 900})
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	cfg := clone.NewConfig()
	cfg.EnableBatchDownload = true
	svc := clone.NewService(cfg)
	svc.Store = dest.store
	svc.Token = testToken

	var infos []tablet.TabletInfo
	req := cloneRequest(7, peer.peer())
	require.NoError(t, svc.Clone(req, &infos))

	require.Len(t, infos, 1)
	require.Equal(t, int64(7), infos[0].Version)
	require.Equal(t, 0, peer.snapshotsLeft(t))
	assertCloneInvariants(t, dest, req)
}

func TestClone_NewTabletUnexpectedVersion(t *testing.T) {
	source := newTestNode(t)
	createTablet(t, source, tablet.Versions{{Start: 0, End: 4}}, tabletOpts{replicaID: 900})
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(7, peer.peer()), &infos)
	require.ErrorIs(t, err, clone.ErrUnexpectedVersion)
	require.Empty(t, infos)

	// The stale freshly cloned tablet is dropped again. The shard is
	// derived from the destination path hash.
	require.Nil(t, dest.store.Tablet(testTabletID))
	ok, err2 := fs.FileExists(dest.store.TabletDir(77%16, testTabletID, testSchemaHash))
	require.NoError(t, err2)
	require.False(t, ok)
}

func TestClone_PeerRollover(t *testing.T) {
	// Peer A truncates every file download; peer B is healthy.
	sourceA := newTestNode(t)
	createTablet(t, sourceA, tablet.Versions{{Start: 0, End: 4}}, tabletOpts{replicaID: 900})
	peerA := startPeer(t, sourceA, func(inner http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			file := r.URL.Query().Get("file")
			if fi, err := os.Stat(file); r.Method == http.MethodGet && err == nil && !fi.IsDir() {
				data, err := os.ReadFile(file)
				if err != nil {
					http.Error(w, err.Error(), http.StatusInternalServerError)
					return
				}
				w.Header().Set("Content-Length", strconv.Itoa(len(data)))
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write(data[:len(data)-1])
				return
			}
			inner.ServeHTTP(w, r)
		})
	})

	sourceB := newTestNode(t)
	createTablet(t, sourceB, tablet.Versions{{Start: 0, End: 4}}, tabletOpts{replicaID: 900})
	peerB := startPeer(t, sourceB, nil)

	dest := newTestNode(t)
	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	req := cloneRequest(4, peerA.peer(), peerB.peer())
	require.NoError(t, svc.Clone(req, &infos))

	require.Len(t, infos, 1)
	require.Equal(t, int64(4), infos[0].Version)

	// Snapshots were released on both peers.
	require.Equal(t, 0, peerA.snapshotsLeft(t))
	require.Equal(t, 0, peerB.snapshotsLeft(t))
	assertCloneInvariants(t, dest, req)
}

func TestClone_BinlogIdempotent(t *testing.T) {
	newSource := func(t *testing.T) *testPeer {
		source := newTestNode(t)
		createTablet(t, source,
			tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}, {Start: 5, End: 5}, {Start: 6, End: 6}},
			tabletOpts{replicaID: 900, binlogVersions: tablet.Versions{{Start: 5, End: 5}}})
		return startPeer(t, source, nil)
	}

	t.Run("matching binlog content is skipped", func(t *testing.T) {
		peer := newSource(t)

		dest := newTestNode(t)
		tb := createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}}, tabletOpts{})

		// The destination already holds identical binlog files from an
		// earlier, interrupted clone.
		binlogDir := filepath.Join(tb.Path(), tablet.BinlogDir)
		require.NoError(t, os.MkdirAll(binlogDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(binlogDir, "5_0.dat"), []byte("binlog-[5-5]"), 0600))
		require.NoError(t, os.WriteFile(filepath.Join(binlogDir, "5_0.idx"), []byte("binlog-index-[5-5]"), 0600))

		svc := newCloneService(t, dest)
		var infos []tablet.TabletInfo
		req := cloneRequest(6, peer.peer())
		require.NoError(t, svc.Clone(req, &infos))

		require.NotNil(t, dest.store.Tablet(testTabletID).MetaCopy().BinlogMetas)
		assertCloneInvariants(t, dest, req)
	})

	t.Run("differing binlog content fails", func(t *testing.T) {
		peer := newSource(t)

		dest := newTestNode(t)
		tb := createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}}, tabletOpts{})

		binlogDir := filepath.Join(tb.Path(), tablet.BinlogDir)
		require.NoError(t, os.MkdirAll(binlogDir, 0755))
		require.NoError(t, os.WriteFile(filepath.Join(binlogDir, "5_0.dat"), []byte("something else"), 0600))

		svc := newCloneService(t, dest)
		var infos []tablet.TabletInfo
		err := svc.Clone(cloneRequest(6, peer.peer()), &infos)
		require.ErrorIs(t, err, clone.ErrInconsistentSnapshot)
	})
}

func TestClone_TransitionBusy(t *testing.T) {
	dest := newTestNode(t)
	createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}}, tabletOpts{})
	require.NoError(t, dest.store.RegisterTransition(testTabletID, "compaction"))
	defer dest.store.UnregisterTransition(testTabletID, "compaction")

	svc := newCloneService(t, dest)
	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(1), &infos)
	require.ErrorIs(t, err, tablet.ErrTransitionBusy)
}

func TestClone_MigrationBusy(t *testing.T) {
	dest := newTestNode(t)
	tb := createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}}, tabletOpts{})

	tb.MigrationLock().Lock()
	defer tb.MigrationLock().Unlock()

	svc := newCloneService(t, dest)
	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(1), &infos)
	require.ErrorIs(t, err, clone.ErrMigrationBusy)
}

func TestClone_MergeOnWriteClampsToPendingPublish(t *testing.T) {
	dest := newTestNode(t)
	createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}}, tabletOpts{mergeOnWrite: true})

	// Publishing is pending at version 5, so the clone may only target 4,
	// which the local replica already covers. The replica is left alone
	// but the requested version is not reached.
	dest.store.SetMinPendingPublishVersion(testTabletID, 5)

	svc := newCloneService(t, dest)
	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(6), &infos)
	require.ErrorIs(t, err, clone.ErrUnexpectedVersion)
	require.NotNil(t, dest.store.Tablet(testTabletID))
}

func TestClone_EmptySnapshotDir(t *testing.T) {
	// A peer that stages an empty snapshot directory: the transfer is a
	// no-op and the clone fails for want of a header.
	source := newTestNode(t)
	emptyRoot := filepath.Join(source.dir, "snapshot", "empty")
	require.NoError(t, os.MkdirAll(filepath.Join(emptyRoot, "10", "1234"), 0755))
	peer := startPeer(t, source, nil)

	dest := newTestNode(t)
	createTablet(t, dest, tablet.Versions{{Start: 0, End: 1}}, tabletOpts{})

	svc := newCloneService(t, dest)
	svc.SnapshotClient = &fixedSnapshotClient{path: emptyRoot}

	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(2, peer.peer()), &infos)
	require.ErrorIs(t, err, clone.ErrInconsistentSnapshot)

	// The staging dir does not outlive the failed task.
	ok, err2 := fs.FileExists(filepath.Join(dest.store.Tablet(testTabletID).Path(), "clone"))
	require.NoError(t, err2)
	require.False(t, ok)
}

func TestClone_DebugFailurePoint(t *testing.T) {
	clone.SetDebugPoint(clone.DebugFailClone, true)
	defer clone.ClearDebugPoint(clone.DebugFailClone)

	dest := newTestNode(t)
	svc := newCloneService(t, dest)

	var infos []tablet.TabletInfo
	err := svc.Clone(cloneRequest(1), &infos)
	require.Error(t, err)

	// The partition visible version is recorded even for failed tasks.
	require.Equal(t, int64(1), dest.store.PartitionVisibleVersion(3))
}

// fixedSnapshotClient always hands out the same snapshot path.
type fixedSnapshotClient struct {
	path     string
	released []string
}

func (c *fixedSnapshotClient) MakeSnapshot(addr string, req *snapshotter.Request) (*snapshotter.Response, error) {
	return &snapshotter.Response{SnapshotPath: c.path}, nil
}

func (c *fixedSnapshotClient) ReleaseSnapshot(addr, snapshotPath string) error {
	c.released = append(c.released, snapshotPath)
	return nil
}
