// Package tar streams groups of files as tar archives between storage nodes.
package tar // import "github.com/basaltdata/basalt/pkg/tar"

import (
	"archive/tar"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// StreamFiles writes a tar archive to w containing exactly the named files
// from dir. Entries are written in the given order and carry only the base
// file name, so extraction flattens into a single directory.
func StreamFiles(w io.Writer, dir string, names []string) error {
	tw := tar.NewWriter(w)
	defer tw.Close()

	for _, name := range names {
		if err := tarFile(tw, dir, name); err != nil {
			return err
		}
	}
	return tw.Close()
}

func tarFile(tw *tar.Writer, dir, name string) error {
	path := filepath.Join(dir, name)
	fi, err := os.Stat(path)
	if err != nil {
		return err
	}
	if fi.IsDir() {
		return fmt.Errorf("refusing to tar directory %q", name)
	}

	h, err := tar.FileInfoHeader(fi, fi.Name())
	if err != nil {
		return err
	}
	h.Name = filepath.Base(name)
	if err := tw.WriteHeader(h); err != nil {
		return err
	}

	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := io.CopyN(tw, f, fi.Size()); err != nil {
		return err
	}
	return f.Close()
}

// Restore reads a tar archive from r and extracts every regular file into
// dir. The size of each extracted file is verified against its header.
func Restore(r io.Reader, dir string) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return err
	}

	tr := tar.NewReader(r)
	for {
		h, err := tr.Next()
		if err == io.EOF {
			break
		} else if err != nil {
			return err
		}
		if h.Typeflag != tar.TypeReg {
			continue
		}
		if err := restoreFile(tr, dir, h); err != nil {
			return err
		}
	}

	return syncDir(dir)
}

func restoreFile(tr *tar.Reader, dir string, h *tar.Header) error {
	// Strip any leading path so a crafted archive cannot escape dir.
	path := filepath.Join(dir, filepath.Base(filepath.Clean(h.Name)))

	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, os.FileMode(h.Mode).Perm())
	if err != nil {
		return err
	}
	defer f.Close()

	n, err := io.Copy(f, tr)
	if err != nil {
		return err
	} else if n != h.Size {
		return fmt.Errorf("short write for %q: %d of %d bytes", h.Name, n, h.Size)
	}

	if err := f.Sync(); err != nil {
		return err
	}
	return f.Close()
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	// Ignore sync errors from filesystems that do not support directory
	// fsync; the per-file syncs above already landed the data.
	_ = d.Sync()
	return d.Close()
}
