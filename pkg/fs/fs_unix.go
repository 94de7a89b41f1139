//go:build !windows

package fs

import (
	"os"
	"syscall"
)

// SyncDir fsyncs a directory so that file creations and renames inside it
// survive a crash. Filesystems that cannot fsync a directory report EINVAL;
// that is treated as success since there is nothing more to flush there.
func SyncDir(dirName string) error {
	dir, err := os.OpenFile(dirName, os.O_RDONLY, os.ModeDir)
	if err != nil {
		return err
	}
	defer dir.Close()

	err = dir.Sync()
	if pe, ok := err.(*os.PathError); ok && pe.Err == syscall.EINVAL {
		err = nil
	} else if err != nil {
		return err
	}

	return dir.Close()
}

// RenameFileWithReplacement will replace any existing file at newpath with the
// contents of oldpath.
//
// If no file already exists at newpath, newpath will be created using the
// contents of oldpath. If this function returns successfully, the contents of
// newpath will be identical to oldpath, and oldpath will be removed.
func RenameFileWithReplacement(oldpath, newpath string) error {
	return os.Rename(oldpath, newpath)
}

// DiskUsage returns the capacity of the filesystem backing path.
func DiskUsage(path string) (DiskStatus, error) {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return DiskStatus{}, err
	}
	bsize := uint64(stat.Bsize)
	return DiskStatus{
		Total: stat.Blocks * bsize,
		Free:  stat.Bfree * bsize,
		Avail: stat.Bavail * bsize,
	}, nil
}
