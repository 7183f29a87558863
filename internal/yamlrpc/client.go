package yamlrpc

import (
	"errors"
	"fmt"
	"net"
	"time"

	"gopkg.in/yaml.v3"
)

// Client issues yamlrpc calls against a serving socket. It is what the
// GUI and the command-line poke at the engine with, and what the
// end-to-end tests use.
type Client struct {
	conn    *net.UDPConn
	timeout time.Duration
	nextID  int
}

// Dial connects a client to the engine's control address.
func Dial(addr string, timeout time.Duration) (*Client, error) {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("resolve %s: %w", addr, err)
	}
	conn, err := net.DialUDP("udp", nil, udpAddr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	return &Client{conn: conn, timeout: timeout, nextID: 1}, nil
}

// Close releases the client socket.
func (c *Client) Close() error { return c.conn.Close() }

// RemoteError is an error response from the engine, as opposed to a
// transport failure.
type RemoteError struct {
	Method  string
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("yamlrpc: %s: %s", e.Method, e.Message)
}

// Call sends one request and waits for the matching response. The reply
// payload is returned as decoded YAML (maps and scalars).
func (c *Client) Call(method string, params map[string]any) (any, error) {
	id := c.nextID
	c.nextID++

	data, err := yaml.Marshal(Request{
		Version:   Version,
		Method:    method,
		RequestID: id,
		Params:    params,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}

	buf := make([]byte, maxDatagram)
	deadline := time.Now().Add(c.timeout)
	for {
		if err := c.conn.SetReadDeadline(deadline); err != nil {
			return nil, err
		}
		n, err := c.conn.Read(buf)
		if err != nil {
			return nil, fmt.Errorf("await response for %s: %w", method, err)
		}
		var resp response
		if err := yaml.Unmarshal(buf[:n], &resp); err != nil {
			return nil, fmt.Errorf("decode response: %w", err)
		}
		if resp.RequestID != id {
			// Stale response from an earlier timed-out call.
			continue
		}
		if resp.Error != "" {
			return nil, &RemoteError{Method: method, Message: resp.Error}
		}
		return resp.Reply, nil
	}
}

// Notify sends one request without waiting for a response. Command
// methods (trigger_run, reset, calibrate) are fire-and-forget: the
// engine queues them and sends nothing back.
func (c *Client) Notify(method string) error {
	id := c.nextID
	c.nextID++
	data, err := yaml.Marshal(Request{
		Version:   Version,
		Method:    method,
		RequestID: id,
	})
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	if _, err := c.conn.Write(data); err != nil {
		return fmt.Errorf("send request: %w", err)
	}
	return nil
}

// IsRemoteError reports whether err is an error response from the engine.
func IsRemoteError(err error) bool {
	var re *RemoteError
	return errors.As(err, &re)
}
