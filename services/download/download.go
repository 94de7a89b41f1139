// Package download serves tablet snapshot files to peer nodes over HTTP.
// Peers list a staged snapshot directory, fetch files one by one, or pull
// groups of files as a single tar stream.
package download // import "github.com/basaltdata/basalt/services/download"

import (
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/basaltdata/basalt/pkg/tar"
)

const (
	// FilesPath lists a directory or serves one file, selected by the
	// `file` query parameter.
	FilesPath = "/api/v1/clone/files"

	// FilesV2Path lists a directory with sizes in one response.
	FilesV2Path = "/api/v1/clone/files_v2"

	// FilesBatchPath streams a named set of files as a tar archive. A HEAD
	// request against it probes batch support.
	FilesBatchPath = "/api/v1/clone/files_batch"
)

// FileInfo is one entry of a v2 listing.
type FileInfo struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
}

// BatchRequest names the files of one batch download.
type BatchRequest struct {
	Files []string `json:"files"`
}

// Handler serves snapshot files from a fixed set of root directories.
type Handler struct {
	// Token is the shared cluster token; requests carrying any other token
	// are rejected.
	Token string

	// Roots are the directories files may be served from.
	Roots []string

	Logger *zap.Logger
}

// NewHandler returns a handler serving from roots.
func NewHandler(token string, roots ...string) *Handler {
	return &Handler{
		Token:  token,
		Roots:  roots,
		Logger: zap.NewNop(),
	}
}

// WithLogger sets the logger on the handler.
func (h *Handler) WithLogger(log *zap.Logger) {
	h.Logger = log.With(zap.String("service", "download"))
}

// ServeHTTP dispatches the clone file endpoints.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// The batch probe carries no token.
	if r.URL.Path == FilesBatchPath && r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}

	if r.URL.Query().Get("token") != h.Token {
		http.Error(w, "invalid token", http.StatusForbidden)
		return
	}

	switch r.URL.Path {
	case FilesPath:
		h.serveFiles(w, r)
	case FilesV2Path:
		h.serveFilesV2(w, r)
	case FilesBatchPath:
		h.serveFilesBatch(w, r)
	default:
		http.NotFound(w, r)
	}
}

// serveFiles lists a directory as newline separated names, or serves the
// content of a single file.
func (h *Handler) serveFiles(w http.ResponseWriter, r *http.Request) {
	path, ok := h.allowed(r.URL.Query().Get("file"))
	if !ok {
		http.Error(w, "path not served", http.StatusBadRequest)
		return
	}

	fi, err := os.Stat(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	if !fi.IsDir() {
		http.ServeFile(w, r, path)
		return
	}

	names, err := listFileNames(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	_, _ = w.Write([]byte(strings.Join(names, "\n")))
}

// serveFilesV2 lists a directory as JSON entries carrying name and size.
func (h *Handler) serveFilesV2(w http.ResponseWriter, r *http.Request) {
	path, ok := h.allowed(r.URL.Query().Get("dir"))
	if !ok {
		http.Error(w, "path not served", http.StatusBadRequest)
		return
	}

	names, err := listFileNames(path)
	if err != nil {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}

	infos := make([]FileInfo, 0, len(names))
	for _, name := range names {
		fi, err := os.Stat(filepath.Join(path, name))
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		infos = append(infos, FileInfo{Name: name, Size: fi.Size()})
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(infos)
}

// serveFilesBatch streams the requested files of a directory as one tar
// archive, in request order.
func (h *Handler) serveFilesBatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	path, ok := h.allowed(r.URL.Query().Get("dir"))
	if !ok {
		http.Error(w, "path not served", http.StatusBadRequest)
		return
	}

	var req BatchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	for _, name := range req.Files {
		if name != filepath.Base(name) {
			http.Error(w, "file names must be bare", http.StatusBadRequest)
			return
		}
	}

	w.Header().Set("Content-Type", "application/x-tar")
	if err := tar.StreamFiles(w, path, req.Files); err != nil {
		// Headers are out; all we can do is log and cut the stream short,
		// which the peer detects as a short read.
		h.Logger.Warn("Batch stream failed", zap.String("dir", path), zap.Error(err))
	}
}

// allowed cleans the requested path and verifies it lies under a served
// root.
func (h *Handler) allowed(reqPath string) (string, bool) {
	if reqPath == "" {
		return "", false
	}
	clean := filepath.Clean(reqPath)
	for _, root := range h.Roots {
		root = filepath.Clean(root)
		if clean == root || strings.HasPrefix(clean, root+string(filepath.Separator)) {
			return clean, true
		}
	}
	return "", false
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
