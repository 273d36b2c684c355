package protocol

import (
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/kilnworks/kiln/pkg/log"
)

// ServerConn is the per-connection context handed to handlers. Session is
// handler-owned state surviving across messages on the same connection.
type ServerConn struct {
	conn    *Conn
	Session any
}

// RemoteAddr returns the peer address.
func (sc *ServerConn) RemoteAddr() net.Addr {
	return sc.conn.RemoteAddr()
}

// Push sends a message outside the request/reply exchange, for channels
// that pipeline several requests to the peer. Writes are not serialized
// internally: callers pushing from outside the connection's handler must
// provide their own ordering against handler replies.
func (sc *ServerConn) Push(tag string, payload any) error {
	return sc.conn.Send(tag, payload)
}

// Handler processes one received message and returns exactly one reply.
// Returning an error closes the connection (protocol error semantics);
// the OnClose hook still runs.
type Handler func(sc *ServerConn, tag string, payload any) (string, any, error)

// Server accepts framed message connections and runs a strict
// request/reply loop per connection.
type Server struct {
	name    string
	reg     *Registry
	handler Handler

	// OnClose, when set, runs after a connection ends, with whatever
	// session state the handler left behind.
	OnClose func(sc *ServerConn)

	// IdleTimeout bounds the wait for the next request on a connection.
	// Zero means no limit.
	IdleTimeout time.Duration

	lis    net.Listener
	mu     sync.Mutex
	conns  map[*ServerConn]struct{}
	wg     sync.WaitGroup
	stopCh chan struct{}
}

// NewServer creates a server for one channel registry.
func NewServer(name string, reg *Registry, handler Handler) *Server {
	return &Server{
		name:    name,
		reg:     reg,
		handler: handler,
		conns:   make(map[*ServerConn]struct{}),
		stopCh:  make(chan struct{}),
	}
}

// Start binds addr and begins accepting in the background. Addresses of
// the form unix:/path bind a unix domain socket (replacing any stale one),
// anything else TCP.
func (s *Server) Start(addr string) error {
	network, address := splitAddr(addr)
	if network == "unix" {
		// A previous unclean shutdown may have left the socket behind.
		if err := os.Remove(address); err != nil && !errors.Is(err, os.ErrNotExist) {
			return fmt.Errorf("remove stale socket %s: %w", address, err)
		}
	}
	lis, err := net.Listen(network, address)
	if err != nil {
		return fmt.Errorf("bind %s: %w", addr, err)
	}
	s.lis = lis
	s.wg.Add(1)
	go s.acceptLoop()
	return nil
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.lis.Addr()
}

// Stop closes the listener and every live connection, then waits for the
// per-connection loops to drain.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.lis != nil {
		s.lis.Close()
	}
	s.mu.Lock()
	for sc := range s.conns {
		sc.conn.Close()
	}
	s.mu.Unlock()
	s.wg.Wait()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	logger := log.WithComponent(s.name)
	for {
		nc, err := s.lis.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
			}
			logger.Warn().Err(err).Msg("accept failed")
			continue
		}
		sc := &ServerConn{conn: NewConn(nc, s.reg)}
		s.mu.Lock()
		s.conns[sc] = struct{}{}
		s.mu.Unlock()
		s.wg.Add(1)
		go s.serveConn(sc)
	}
}

func (s *Server) serveConn(sc *ServerConn) {
	defer s.wg.Done()
	logger := log.WithComponent(s.name)
	defer func() {
		sc.conn.Close()
		s.mu.Lock()
		delete(s.conns, sc)
		s.mu.Unlock()
		if s.OnClose != nil {
			s.OnClose(sc)
		}
	}()

	for {
		var (
			tag     string
			payload any
			err     error
		)
		if s.IdleTimeout > 0 {
			tag, payload, err = sc.conn.RecvTimeout(s.IdleTimeout)
		} else {
			tag, payload, err = sc.conn.Recv()
		}
		if err != nil {
			if !isClosed(err) {
				logger.Debug().Err(err).
					Stringer("peer", sc.RemoteAddr()).
					Msg("connection ended")
			}
			return
		}

		replyTag, replyPayload, err := s.handler(sc, tag, payload)
		if err != nil {
			logger.Warn().Err(err).
				Str("tag", tag).
				Stringer("peer", sc.RemoteAddr()).
				Msg("handler rejected message")
			return
		}
		if replyTag == "" {
			continue
		}
		if err := sc.conn.Send(replyTag, replyPayload); err != nil {
			logger.Debug().Err(err).Msg("reply failed")
			return
		}
	}
}

func isClosed(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, os.ErrClosed)
}
