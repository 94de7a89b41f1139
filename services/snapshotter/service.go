// Package snapshotter provides the tablet snapshot service: peers ask this
// node to stage a read-only copy of a tablet's files, download them over
// HTTP, and release the staged copy when done.
package snapshotter // import "github.com/basaltdata/basalt/services/snapshotter"

import (
	"encoding/json"
	"fmt"
	"net"
	"strings"
	"sync"

	"go.uber.org/zap"
)

const (
	// MuxHeader is the header byte used for the TCP muxer.
	MuxHeader = 5

	// PreferredSnapshotVersion is the snapshot layout generation this node
	// asks its peers for.
	PreferredSnapshotVersion = 2
)

// RequestType indicates the snapshotter operation requested.
type RequestType uint8

const (
	// RequestMakeSnapshot stages a snapshot of a tablet.
	RequestMakeSnapshot RequestType = iota

	// RequestReleaseSnapshot removes a previously staged snapshot.
	RequestReleaseSnapshot
)

// Request is sent JSON encoded after the mux header byte.
type Request struct {
	Type RequestType `json:"type"`

	TabletID   int64 `json:"tablet_id"`
	SchemaHash int64 `json:"schema_hash"`
	Version    int64 `json:"version"`

	PreferredSnapshotVersion int  `json:"preferred_snapshot_version"`
	IsCopyBinlog             bool `json:"is_copy_binlog"`

	// MissingVersions carries the start version of every range the caller
	// lacks. HasMissingVersions doubles as the marker that the request
	// originated from a peer rather than the controller; only peers ask
	// for incremental artifacts.
	MissingVersions    []int64 `json:"missing_versions,omitempty"`
	HasMissingVersions bool    `json:"has_missing_versions"`

	// Timeout is a hint, in seconds, for how long the caller will wait.
	Timeout int64 `json:"timeout,omitempty"`

	// SnapshotPath names the snapshot to release.
	SnapshotPath string `json:"snapshot_path,omitempty"`
}

// Response is the JSON encoded reply.
type Response struct {
	Err                   string `json:"error,omitempty"`
	SnapshotPath          string `json:"snapshot_path,omitempty"`
	AllowIncrementalClone bool   `json:"allow_incremental_clone,omitempty"`
}

// Provider stages and releases tablet snapshots on the local node.
type Provider interface {
	PrepareSnapshot(req *Request) (path string, allowIncremental bool, err error)
	ReleaseSnapshot(path string) error
}

// Service manages the listener for snapshot requests.
type Service struct {
	wg sync.WaitGroup

	Provider Provider

	Listener net.Listener
	Logger   *zap.Logger
}

// NewService returns a new instance of Service.
func NewService() *Service {
	return &Service{
		Logger: zap.NewNop(),
	}
}

// Open starts the service.
func (s *Service) Open() error {
	if s.Listener == nil {
		return fmt.Errorf("snapshotter: no listener")
	}
	s.Logger.Info("Starting snapshot service")

	s.wg.Add(1)
	go s.serve()
	return nil
}

// Close stops the service.
func (s *Service) Close() error {
	if s.Listener != nil {
		if err := s.Listener.Close(); err != nil {
			return err
		}
	}
	s.wg.Wait()
	return nil
}

// WithLogger sets the logger on the service.
func (s *Service) WithLogger(log *zap.Logger) {
	s.Logger = log.With(zap.String("service", "snapshot"))
}

// serve serves snapshot requests from the listener.
func (s *Service) serve() {
	defer s.wg.Done()

	for {
		// Wait for next connection.
		conn, err := s.Listener.Accept()
		if err != nil && strings.Contains(err.Error(), "use of closed network connection") {
			s.Logger.Info("Listener closed")
			return
		} else if err != nil {
			s.Logger.Info("Error accepting snapshot request", zap.Error(err))
			continue
		}

		// Handle connection in separate goroutine.
		s.wg.Add(1)
		go func(conn net.Conn) {
			defer s.wg.Done()
			defer conn.Close()
			if err := s.handleConn(conn); err != nil {
				s.Logger.Info("Snapshot request failed", zap.Error(err))
			}
		}(conn)
	}
}

// handleConn processes conn. This is run in a separate goroutine.
func (s *Service) handleConn(conn net.Conn) error {
	var typ [1]byte
	if _, err := conn.Read(typ[:]); err != nil {
		return err
	}
	if typ[0] != MuxHeader {
		return fmt.Errorf("unexpected mux header byte: %d", typ[0])
	}

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		return fmt.Errorf("decode snapshot request: %w", err)
	}

	var resp Response
	switch req.Type {
	case RequestMakeSnapshot:
		path, allowIncremental, err := s.Provider.PrepareSnapshot(&req)
		if err != nil {
			resp.Err = err.Error()
		} else {
			resp.SnapshotPath = path
			resp.AllowIncrementalClone = allowIncremental
		}
	case RequestReleaseSnapshot:
		if err := s.Provider.ReleaseSnapshot(req.SnapshotPath); err != nil {
			resp.Err = err.Error()
		}
	default:
		resp.Err = fmt.Sprintf("request type unknown: %v", req.Type)
	}

	return json.NewEncoder(conn).Encode(&resp)
}
