// Package fs provides filesystem helpers shared by the storage services.
package fs // import "github.com/basaltdata/basalt/pkg/fs"

import (
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
)

// DiskStatus describes the capacity of the filesystem backing a path.
type DiskStatus struct {
	Total uint64
	Free  uint64
	Avail uint64
}

// FileExists reports whether path names an existing file or directory.
func FileExists(path string) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return true, nil
	} else if os.IsNotExist(err) {
		return false, nil
	} else {
		return false, err
	}
}

// FileSize returns the size of the file at path.
func FileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return 0, err
	}
	return fi.Size(), nil
}

// MD5Sum returns the hex encoded md5 checksum of the file at path.
func MD5Sum(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := md5.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
