package snapshotter_test

import (
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdata/basalt/pkg/fs"
	"github.com/basaltdata/basalt/services/snapshotter"
	"github.com/basaltdata/basalt/tablet"
	"github.com/basaltdata/basalt/tablet/metastore"
)

// fakeProvider records requests and returns canned responses.
type fakeProvider struct {
	path     string
	allowInc bool
	err      error

	prepared []*snapshotter.Request
	released []string
}

func (p *fakeProvider) PrepareSnapshot(req *snapshotter.Request) (string, bool, error) {
	cp := *req
	p.prepared = append(p.prepared, &cp)
	return p.path, p.allowInc, p.err
}

func (p *fakeProvider) ReleaseSnapshot(path string) error {
	p.released = append(p.released, path)
	return p.err
}

func newTestService(t *testing.T, p snapshotter.Provider) string {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	svc := snapshotter.NewService()
	svc.Provider = p
	svc.Listener = ln
	require.NoError(t, svc.Open())
	t.Cleanup(func() { svc.Close() })
	return ln.Addr().String()
}

func TestClient_MakeSnapshot(t *testing.T) {
	p := &fakeProvider{path: "/snap/abc/", allowInc: true}
	addr := newTestService(t, p)

	c := snapshotter.NewClient()
	resp, err := c.MakeSnapshot(addr, &snapshotter.Request{
		TabletID:           10,
		SchemaHash:         1234,
		Version:            7,
		IsCopyBinlog:       true,
		MissingVersions:    []int64{5, 6},
		HasMissingVersions: true,
	})
	require.NoError(t, err)

	// Trailing slash is normalized off.
	require.Equal(t, "/snap/abc", resp.SnapshotPath)
	require.True(t, resp.AllowIncrementalClone)

	require.Len(t, p.prepared, 1)
	req := p.prepared[0]
	require.Equal(t, snapshotter.RequestMakeSnapshot, req.Type)
	require.Equal(t, snapshotter.PreferredSnapshotVersion, req.PreferredSnapshotVersion)
	require.Equal(t, []int64{5, 6}, req.MissingVersions)
	require.True(t, req.HasMissingVersions)
}

func TestClient_MakeSnapshot_EmptyPathIsError(t *testing.T) {
	addr := newTestService(t, &fakeProvider{path: ""})

	c := snapshotter.NewClient()
	_, err := c.MakeSnapshot(addr, &snapshotter.Request{TabletID: 10})
	require.Error(t, err)
}

func TestClient_MakeSnapshot_ProviderError(t *testing.T) {
	addr := newTestService(t, &fakeProvider{err: errors.New("no such tablet")})

	c := snapshotter.NewClient()
	_, err := c.MakeSnapshot(addr, &snapshotter.Request{TabletID: 10})
	require.ErrorContains(t, err, "no such tablet")
}

func TestClient_ReleaseSnapshot(t *testing.T) {
	p := &fakeProvider{}
	addr := newTestService(t, p)

	c := snapshotter.NewClient()
	require.NoError(t, c.ReleaseSnapshot(addr, "/snap/abc"))
	require.Equal(t, []string{"/snap/abc"}, p.released)
}

// newSourceStore builds a store holding one tablet with the given versions
// and segment files on disk.
func newSourceStore(t *testing.T, versions tablet.Versions) (*tablet.Store, *tablet.Tablet) {
	t.Helper()

	dir := t.TempDir()
	meta := metastore.NewStore(filepath.Join(dir, "meta", "basalt.db"))
	require.NoError(t, meta.Open())
	t.Cleanup(func() { meta.Close() })

	s := tablet.NewStore(dir, meta)
	require.NoError(t, s.Open())

	tabletDir := s.TabletDir(0, 10, 1234)
	require.NoError(t, os.MkdirAll(tabletDir, 0755))

	m := &tablet.Meta{TabletID: 10, SchemaHash: 1234, ReplicaID: 100}
	for _, v := range versions {
		id, guard := s.NextRowsetID()
		guard.Release()
		rs := &tablet.RowsetMeta{
			ID: id, TabletID: 10, SchemaHash: 1234,
			Version: v, SegmentNum: 1, DataSize: 4,
		}
		for _, name := range rs.SegmentFiles() {
			require.NoError(t, os.WriteFile(filepath.Join(tabletDir, name), []byte("data"), 0600))
		}
		m.RowsetMetas = append(m.RowsetMetas, rs)
	}
	require.NoError(t, m.WriteHeaderFile(tabletDir))

	tb, err := s.LoadTabletFromDir(10, 1234, 0, tabletDir)
	require.NoError(t, err)
	require.NoError(t, os.Remove(tablet.HeaderFilePath(tabletDir, 10)))
	return s, tb
}

func TestManager_PrepareSnapshot_Full(t *testing.T) {
	s, _ := newSourceStore(t, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}})
	m := snapshotter.NewManager(s, filepath.Join(s.Path(), "snapshot"))

	path, allowInc, err := m.PrepareSnapshot(&snapshotter.Request{
		TabletID: 10, SchemaHash: 1234, Version: 4,
	})
	require.NoError(t, err)
	require.False(t, allowInc)

	dir := filepath.Join(path, "10", "1234")
	names, err := os.ReadDir(dir)
	require.NoError(t, err)
	// two rowsets, 1 segment each (.dat + .idx), plus the header
	require.Len(t, names, 5)

	ok, err := fs.FileExists(tablet.HeaderFilePath(dir, 10))
	require.NoError(t, err)
	require.True(t, ok)

	require.NoError(t, m.ReleaseSnapshot(path))
	ok, err = fs.FileExists(path)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestManager_PrepareSnapshot_Incremental(t *testing.T) {
	s, _ := newSourceStore(t, tablet.Versions{{Start: 0, End: 1}, {Start: 2, End: 4}, {Start: 5, End: 5}, {Start: 6, End: 6}})
	m := snapshotter.NewManager(s, filepath.Join(s.Path(), "snapshot"))

	path, allowInc, err := m.PrepareSnapshot(&snapshotter.Request{
		TabletID: 10, SchemaHash: 1234, Version: 6,
		MissingVersions: []int64{5, 6}, HasMissingVersions: true,
	})
	require.NoError(t, err)
	require.True(t, allowInc)

	dir := filepath.Join(path, "10", "1234")
	header, err := tablet.LoadMetaFromFile(tablet.HeaderFilePath(dir, 10))
	require.NoError(t, err)
	require.Len(t, header.RowsetMetas, 2)

	// A missing version the source cannot serve falls back to full.
	path2, allowInc, err := m.PrepareSnapshot(&snapshotter.Request{
		TabletID: 10, SchemaHash: 1234, Version: 6,
		MissingVersions: []int64{3}, HasMissingVersions: true,
	})
	require.NoError(t, err)
	require.False(t, allowInc)

	header, err = tablet.LoadMetaFromFile(tablet.HeaderFilePath(filepath.Join(path2, "10", "1234"), 10))
	require.NoError(t, err)
	require.Len(t, header.RowsetMetas, 4)
}

func TestManager_PrepareSnapshot_UnknownTablet(t *testing.T) {
	s, _ := newSourceStore(t, tablet.Versions{{Start: 0, End: 1}})
	m := snapshotter.NewManager(s, filepath.Join(s.Path(), "snapshot"))

	_, _, err := m.PrepareSnapshot(&snapshotter.Request{TabletID: 99, SchemaHash: 1234})
	require.ErrorIs(t, err, tablet.ErrTabletNotFound)
}

func TestManager_ReleaseSnapshot_OutsideRoot(t *testing.T) {
	s, _ := newSourceStore(t, tablet.Versions{{Start: 0, End: 1}})
	m := snapshotter.NewManager(s, filepath.Join(s.Path(), "snapshot"))

	require.Error(t, m.ReleaseSnapshot("/etc"))
	require.Error(t, m.ReleaseSnapshot(filepath.Join(s.Path(), "snapshot")))
}
