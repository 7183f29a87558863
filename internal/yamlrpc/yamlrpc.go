// Package yamlrpc implements the datagram request/response protocol the
// engine is controlled with. One UDP datagram carries one YAML document:
// a request names a method with optional parameters, a response is either
// a reply payload or an error string. Requests are correlated to
// responses through a caller-chosen request id.
package yamlrpc

import (
	"errors"
	"fmt"
	"net"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Version is the protocol version spoken on the wire.
const Version = 1

const maxDatagram = 65507

// Request is the decoded form of an inbound datagram.
type Request struct {
	Version   int            `yaml:"dpdce_version"`
	Method    string         `yaml:"request"`
	RequestID int            `yaml:"request_id"`
	Params    map[string]any `yaml:"params,omitempty"`
}

type response struct {
	Version   int    `yaml:"dpdce_version"`
	RequestID int    `yaml:"request_id"`
	Reply     any    `yaml:"reply,omitempty"`
	Error     string `yaml:"error,omitempty"`
}

// ErrTimeout reports that no datagram arrived within the receive timeout.
// Callers poll: a timeout is a cue to re-check shutdown, not a fault.
var ErrTimeout = errors.New("yamlrpc: receive timed out")

// MalformedError reports a datagram that arrived but could not be decoded
// as a valid request. The sender is at fault, not the transport.
type MalformedError struct {
	Origin *net.UDPAddr
	Reason string
}

func (e *MalformedError) Error() string {
	return fmt.Sprintf("yamlrpc: malformed request from %v: %s", e.Origin, e.Reason)
}

// Socket serves yamlrpc requests on a bound UDP port.
type Socket struct {
	conn    *net.UDPConn
	timeout time.Duration
	buf     []byte
}

// Bind opens a serving socket on the given UDP port. The timeout bounds
// each ReceiveRequest call.
func Bind(port int, timeout time.Duration) (*Socket, error) {
	conn, err := net.ListenUDP("udp", &net.UDPAddr{Port: port})
	if err != nil {
		return nil, fmt.Errorf("bind control port %d: %w", port, err)
	}
	if timeout <= 0 {
		timeout = time.Second
	}
	return &Socket{conn: conn, timeout: timeout, buf: make([]byte, maxDatagram)}, nil
}

// Close releases the underlying socket.
func (s *Socket) Close() error { return s.conn.Close() }

// LocalAddr returns the bound address, useful when port 0 was requested.
func (s *Socket) LocalAddr() *net.UDPAddr {
	return s.conn.LocalAddr().(*net.UDPAddr)
}

// ReceiveRequest blocks for one datagram and decodes it. It returns
// ErrTimeout when the receive deadline passes, a *MalformedError when the
// datagram does not decode to a valid request, and any other error only
// for transport faults.
func (s *Socket) ReceiveRequest() (*net.UDPAddr, Request, error) {
	if err := s.conn.SetReadDeadline(time.Now().Add(s.timeout)); err != nil {
		return nil, Request{}, fmt.Errorf("set read deadline: %w", err)
	}
	n, addr, err := s.conn.ReadFromUDP(s.buf)
	if err != nil {
		if os.IsTimeout(err) {
			return nil, Request{}, ErrTimeout
		}
		return nil, Request{}, err
	}

	var req Request
	if err := yaml.Unmarshal(s.buf[:n], &req); err != nil {
		return addr, Request{}, &MalformedError{Origin: addr, Reason: err.Error()}
	}
	if req.Version != Version {
		return addr, Request{}, &MalformedError{
			Origin: addr,
			Reason: fmt.Sprintf("unsupported dpdce_version %d", req.Version),
		}
	}
	if req.Method == "" {
		return addr, Request{}, &MalformedError{Origin: addr, Reason: "missing request field"}
	}
	return addr, req, nil
}

// SendSuccess replies to addr with a payload.
func (s *Socket) SendSuccess(addr *net.UDPAddr, requestID int, payload any) error {
	return s.send(addr, response{Version: Version, RequestID: requestID, Reply: payload})
}

// SendError replies to addr with an error message.
func (s *Socket) SendError(addr *net.UDPAddr, requestID int, message string) error {
	return s.send(addr, response{Version: Version, RequestID: requestID, Error: message})
}

func (s *Socket) send(addr *net.UDPAddr, resp response) error {
	data, err := yaml.Marshal(resp)
	if err != nil {
		return fmt.Errorf("marshal response: %w", err)
	}
	if len(data) > maxDatagram {
		return fmt.Errorf("response of %d bytes exceeds datagram limit", len(data))
	}
	if _, err := s.conn.WriteToUDP(data, addr); err != nil {
		return fmt.Errorf("send response to %v: %w", addr, err)
	}
	return nil
}
