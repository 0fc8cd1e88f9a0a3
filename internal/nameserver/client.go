package nameserver

import (
	"encoding/json"
	"fmt"
	"net"
	"strconv"
	"time"
)

// Client issues single-request TCP calls against a name server. Safe for
// concurrent use; every call opens its own connection.
type Client struct {
	host    string
	port    int
	timeout time.Duration
}

// NewClient points at the name server at host:port.
func NewClient(host string, port int) *Client {
	return &Client{host: host, port: port, timeout: dialTimeout}
}

func (c *Client) call(req Request) (Response, error) {
	var resp Response

	addr := net.JoinHostPort(c.host, strconv.Itoa(c.port))
	conn, err := net.DialTimeout("tcp", addr, c.timeout)
	if err != nil {
		return resp, fmt.Errorf("dial name server %s: %w", addr, err)
	}
	defer conn.Close()
	_ = conn.SetDeadline(time.Now().Add(c.timeout))

	if err := json.NewEncoder(conn).Encode(&req); err != nil {
		return resp, fmt.Errorf("send %s: %w", req.Name, err)
	}
	if err := json.NewDecoder(conn).Decode(&resp); err != nil {
		return resp, fmt.Errorf("read %s reply: %w", req.Name, err)
	}
	return resp, nil
}

// RegisterServer announces addr as a host for uri and reports whether the
// name server granted it an active slot.
func (c *Client) RegisterServer(uri, addr string) (bool, error) {
	resp, err := c.call(Request{Name: ReqUpdateServer, URI: uri, Addr: addr})
	if err != nil {
		return false, err
	}
	return resp.ActiveServer, nil
}

// Resolve returns the active server address closest to the caller, or
// ErrNoActiveServer when the URI is unknown.
func (c *Client) Resolve(uri string) (string, error) {
	resp, err := c.call(Request{Name: ReqAddrRequest, URI: uri})
	if err != nil {
		return "", err
	}
	if resp.Status != 200 || resp.Addr == "" {
		return "", fmt.Errorf("%w: %s", ErrNoActiveServer, uri)
	}
	return resp.Addr, nil
}

// RandomServer returns any known-but-inactive address for uri, "" when
// there is none.
func (c *Client) RandomServer(uri string) (string, error) {
	resp, err := c.call(Request{Name: ReqGetRandomServer, URI: uri})
	if err != nil {
		return "", err
	}
	return resp.Addr, nil
}

// SetCurrentServer swaps oldAddr for newAddr in uri's active list; used at
// the end of a migration.
func (c *Client) SetCurrentServer(uri, newAddr, oldAddr string) error {
	_, err := c.call(Request{Name: ReqSetCurrentServer, URI: uri, Addr: newAddr, SelfAddr: oldAddr})
	return err
}

// ReplicaAddr returns the other active server for uri, "" when the asking
// server has no peer.
func (c *Client) ReplicaAddr(uri, myAddr string) (string, error) {
	resp, err := c.call(Request{Name: ReqGetReplicaAddr, URI: uri, MyAddr: myAddr})
	if err != nil {
		return "", err
	}
	return resp.Addr, nil
}
