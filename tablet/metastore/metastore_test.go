package metastore_test

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/basaltdata/basalt/tablet/metastore"
)

func newTestStore(t *testing.T) *metastore.Store {
	t.Helper()
	s := metastore.NewStore(filepath.Join(t.TempDir(), "meta", "basalt.db"))
	require.NoError(t, s.Open())
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStore_PutGetDelete(t *testing.T) {
	s := newTestStore(t)

	_, err := s.TabletMeta(10)
	require.ErrorIs(t, err, metastore.ErrTabletMetaNotFound)

	require.NoError(t, s.PutTabletMeta(10, []byte("header-10")))
	require.NoError(t, s.PutTabletMeta(11, []byte("header-11")))

	got, err := s.TabletMeta(10)
	require.NoError(t, err)
	require.Equal(t, []byte("header-10"), got)

	require.NoError(t, s.DeleteTabletMeta(10))
	_, err = s.TabletMeta(10)
	require.ErrorIs(t, err, metastore.ErrTabletMetaNotFound)

	// Deleting again is not an error.
	require.NoError(t, s.DeleteTabletMeta(10))
}

func TestStore_ForEachTabletMeta(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutTabletMeta(1, []byte("a")))
	require.NoError(t, s.PutTabletMeta(2, []byte("b")))

	seen := make(map[int64]string)
	require.NoError(t, s.ForEachTabletMeta(func(tabletID int64, data []byte) error {
		seen[tabletID] = string(data)
		return nil
	}))
	require.Equal(t, map[int64]string{1: "a", 2: "b"}, seen)
}

func TestStore_Overwrite(t *testing.T) {
	s := newTestStore(t)

	require.NoError(t, s.PutTabletMeta(10, []byte("old")))
	require.NoError(t, s.PutTabletMeta(10, []byte("new")))

	got, err := s.TabletMeta(10)
	require.NoError(t, err)
	require.Equal(t, []byte("new"), got)
}
