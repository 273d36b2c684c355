package logingest

import (
	"context"
	"fmt"
	"net"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/types"
)

// Server accepts parsed web-server access records on a local-only socket
// and appends them to the store. Records feed per-file download counters
// and the home-page statistics; each is acknowledged so the shipper can
// resend on failure.
type Server struct {
	pool   *db.Pool
	logger zerolog.Logger
	srv    *protocol.Server
}

// NewServer creates a log-ingest endpoint.
func NewServer(pool *db.Pool) *Server {
	s := &Server{
		pool:   pool,
		logger: log.WithComponent("logingest"),
	}
	s.srv = protocol.NewServer("logingest", protocol.LogRegistry(), s.handle)
	return s
}

// Start binds the log socket. Local addresses only; the channel is
// unauthenticated.
func (s *Server) Start(addr string) error {
	return s.srv.Start(addr)
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Stop closes the log socket.
func (s *Server) Stop() {
	s.srv.Stop()
}

var kinds = map[string]types.AccessKind{
	protocol.TagLogDownload: types.AccessDownload,
	protocol.TagLogSearch:   types.AccessSearch,
	protocol.TagLogProject:  types.AccessProject,
	protocol.TagLogJSON:     types.AccessJSON,
	protocol.TagLogPage:     types.AccessPage,
}

func (s *Server) handle(_ *protocol.ServerConn, tag string, payload any) (string, any, error) {
	kind, ok := kinds[tag]
	if !ok {
		return "", nil, fmt.Errorf("%w: unexpected %s on log channel", protocol.ErrProtocol, tag)
	}
	record := payload.(*protocol.AccessRecord)

	if err := s.pool.LogAccess(context.Background(), record.Event(kind)); err != nil {
		s.logger.Warn().Err(err).Str("kind", string(kind)).Msg("record access")
		return protocol.TagError, &protocol.Error{Message: err.Error()}, nil
	}
	return protocol.TagAck, nil, nil
}
