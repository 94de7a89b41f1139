package snapshotter

import (
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"
)

const (
	// DefaultDialTimeout bounds connection establishment to a peer.
	DefaultDialTimeout = 10 * time.Second

	// DefaultRequestTimeout bounds a snapshot request when the caller does
	// not supply its own deadline.
	DefaultRequestTimeout = 30 * time.Second
)

// Client issues snapshot requests against peer nodes.
type Client struct {
	// DialTimeout bounds connection establishment.
	DialTimeout time.Duration

	// RequestTimeout bounds the request/response exchange when the request
	// carries no timeout of its own.
	RequestTimeout time.Duration
}

// NewClient returns a client with default timeouts.
func NewClient() *Client {
	return &Client{
		DialTimeout:    DefaultDialTimeout,
		RequestTimeout: DefaultRequestTimeout,
	}
}

// MakeSnapshot asks the peer at addr to stage a snapshot described by req.
// A successful response always carries a snapshot path; the path is
// normalized to have no trailing slash.
func (c *Client) MakeSnapshot(addr string, req *Request) (*Response, error) {
	req.Type = RequestMakeSnapshot
	req.PreferredSnapshotVersion = PreferredSnapshotVersion

	resp, err := c.send(addr, req)
	if err != nil {
		return nil, err
	}
	if resp.Err != "" {
		return nil, errors.New(resp.Err)
	}
	if resp.SnapshotPath == "" {
		return nil, fmt.Errorf("success snapshot response without snapshot path from %s", addr)
	}
	for len(resp.SnapshotPath) > 1 && resp.SnapshotPath[len(resp.SnapshotPath)-1] == '/' {
		resp.SnapshotPath = resp.SnapshotPath[:len(resp.SnapshotPath)-1]
	}
	return resp, nil
}

// ReleaseSnapshot asks the peer at addr to remove a staged snapshot.
func (c *Client) ReleaseSnapshot(addr, snapshotPath string) error {
	resp, err := c.send(addr, &Request{
		Type:         RequestReleaseSnapshot,
		SnapshotPath: snapshotPath,
	})
	if err != nil {
		return err
	}
	if resp.Err != "" {
		return errors.New(resp.Err)
	}
	return nil
}

func (c *Client) send(addr string, req *Request) (*Response, error) {
	conn, err := net.DialTimeout("tcp", addr, c.DialTimeout)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	timeout := c.RequestTimeout
	if req.Timeout > 0 {
		timeout = time.Duration(req.Timeout) * time.Second
	}
	if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, err
	}

	if _, err := conn.Write([]byte{MuxHeader}); err != nil {
		return nil, err
	}
	if err := json.NewEncoder(conn).Encode(req); err != nil {
		return nil, fmt.Errorf("encode snapshot request: %w", err)
	}

	var resp Response
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return nil, fmt.Errorf("decode snapshot response: %w", err)
	}
	return &resp, nil
}
