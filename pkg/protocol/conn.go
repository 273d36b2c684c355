package protocol

import (
	"bufio"
	"errors"
	"fmt"
	"net"
	"os"
	"time"
)

// ErrTimeout marks a recv deadline expiry.
var ErrTimeout = errors.New("timeout")

// Conn is a framed message connection bound to one channel registry.
type Conn struct {
	nc  net.Conn
	reg *Registry
	br  *bufio.Reader
	bw  *bufio.Writer
}

// NewConn wraps a network connection.
func NewConn(nc net.Conn, reg *Registry) *Conn {
	return &Conn{
		nc:  nc,
		reg: reg,
		br:  bufio.NewReader(nc),
		bw:  bufio.NewWriter(nc),
	}
}

// Dial connects to addr and wraps the connection. Addresses of the form
// unix:/path dial a unix domain socket, anything else TCP.
func Dial(addr string, reg *Registry, timeout time.Duration) (*Conn, error) {
	network, address := splitAddr(addr)
	nc, err := net.DialTimeout(network, address, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	return NewConn(nc, reg), nil
}

// Send validates, encodes and writes one message.
func (c *Conn) Send(tag string, payload any) error {
	body, err := Marshal(c.reg, tag, payload)
	if err != nil {
		return err
	}
	if err := WriteFrame(c.bw, body); err != nil {
		return err
	}
	return c.bw.Flush()
}

// Recv reads and decodes one message, blocking indefinitely.
func (c *Conn) Recv() (string, any, error) {
	return c.recv(time.Time{})
}

// RecvTimeout reads one message, failing with ErrTimeout at the deadline.
func (c *Conn) RecvTimeout(d time.Duration) (string, any, error) {
	return c.recv(time.Now().Add(d))
}

func (c *Conn) recv(deadline time.Time) (string, any, error) {
	if err := c.nc.SetReadDeadline(deadline); err != nil {
		return "", nil, err
	}
	body, err := ReadFrame(c.br)
	if err != nil {
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() || errors.Is(err, os.ErrDeadlineExceeded) {
			return "", nil, ErrTimeout
		}
		return "", nil, err
	}
	return Unmarshal(c.reg, body)
}

// Request sends one message and waits for the reply (REQ semantics).
func (c *Conn) Request(tag string, payload any, timeout time.Duration) (string, any, error) {
	if err := c.Send(tag, payload); err != nil {
		return "", nil, err
	}
	return c.RecvTimeout(timeout)
}

// RemoteAddr returns the peer address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.nc.RemoteAddr()
}

// Close closes the underlying connection.
func (c *Conn) Close() error {
	return c.nc.Close()
}

func splitAddr(addr string) (network, address string) {
	const unixPrefix = "unix:"
	if len(addr) > len(unixPrefix) && addr[:len(unixPrefix)] == unixPrefix {
		return "unix", addr[len(unixPrefix):]
	}
	return "tcp", addr
}
