package transfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/types"
)

// Config holds the transfer server's tunables.
type Config struct {
	// OutputPath is the web root; artifacts land under OutputPath/simple.
	OutputPath string

	// ChunkSize is the byte length requested per FETCH. Window bounds
	// the FETCHes outstanding at once on a single transfer.
	ChunkSize int
	Window    int
}

// Server pulls build artifacts from builders over the file channel. The
// coordinator registers an expectation per SEND it issues; the builder
// then connects, is handed FETCH ranges, and streams CHUNKs back. On
// completion the file is hash-verified and renamed into the artifact
// tree.
type Server struct {
	cfg    Config
	broker *events.Broker
	logger zerolog.Logger
	srv    *protocol.Server

	mu       sync.Mutex
	expected map[int64]*expectation
}

// expectation tracks one in-flight file for one builder.
type expectation struct {
	slaveID int64
	pkg     string
	file    *types.File

	tmp      *os.File
	received map[int64]int64 // bytes written per issued offset
	queue    []protocol.Fetch
	inFlight int

	done     bool
	verified bool
}

type session struct {
	slaveID int64
}

// NewServer creates a transfer server. The broker may be nil.
func NewServer(cfg Config, broker *events.Broker) *Server {
	s := &Server{
		cfg:      cfg,
		broker:   broker,
		logger:   log.WithComponent("transfer"),
		expected: make(map[int64]*expectation),
	}
	s.srv = protocol.NewServer("transfer", protocol.TransferRegistry(), s.handle)
	return s
}

// Start binds the file channel address.
func (s *Server) Start(addr string) error {
	return s.srv.Start(addr)
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Stop closes the listener and aborts every live transfer.
func (s *Server) Stop() {
	s.srv.Stop()
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, exp := range s.expected {
		s.discard(exp)
		delete(s.expected, id)
	}
}

// Expect registers the next file the given builder will stream. Any
// previous expectation for the builder is discarded first.
func (s *Server) Expect(slaveID int64, pkg string, file *types.File) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if old, ok := s.expected[slaveID]; ok {
		s.discard(old)
	}
	s.expected[slaveID] = &expectation{
		slaveID:  slaveID,
		pkg:      pkg,
		file:     file,
		received: make(map[int64]int64),
	}
}

// Abort drops the builder's expectation and any partial file. Called on
// session teardown.
func (s *Server) Abort(slaveID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expected[slaveID]
	if !ok {
		return
	}
	if !exp.done {
		metrics.TransfersTotal.WithLabelValues("aborted").Inc()
	}
	s.discard(exp)
	delete(s.expected, slaveID)
}

// TakeResult reports whether the builder's current transfer finished and
// whether it verified, clearing the expectation when it did finish. The
// coordinator calls this on SENT.
func (s *Server) TakeResult(slaveID int64) (finished, verified bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	exp, ok := s.expected[slaveID]
	if !ok || !exp.done {
		return false, false
	}
	delete(s.expected, slaveID)
	return true, exp.verified
}

// handle runs the per-message transfer protocol. Replies are pushed
// rather than returned so several FETCHes can be in flight at once.
func (s *Server) handle(sc *protocol.ServerConn, tag string, payload any) (string, any, error) {
	switch tag {
	case protocol.TagHello:
		hello := payload.(*protocol.TransferHello)
		sc.Session = &session{slaveID: hello.SlaveID}
		return "", nil, s.open(sc, hello.SlaveID)

	case protocol.TagChunk:
		sess, ok := sc.Session.(*session)
		if !ok {
			return "", nil, fmt.Errorf("%w: CHUNK before HELLO", protocol.ErrProtocol)
		}
		return "", nil, s.chunk(sc, sess.slaveID, payload.(*protocol.Chunk))

	default:
		return "", nil, fmt.Errorf("%w: unexpected %s on file channel", protocol.ErrProtocol, tag)
	}
}

// open starts (or reclaims) the transfer for a builder and primes the
// FETCH window. Ranges already received before a reconnect are not
// requested again.
func (s *Server) open(sc *protocol.ServerConn, slaveID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expected[slaveID]
	if !ok {
		return fmt.Errorf("no file expected from slave %d", slaveID)
	}
	if exp.done {
		// Builder re-opened after completion; just repeat the verdict.
		return sc.Push(protocol.TagDone, nil)
	}

	if exp.tmp == nil {
		if err := s.createTemp(exp); err != nil {
			return err
		}
	}

	exp.queue = exp.queue[:0]
	exp.inFlight = 0
	for off := int64(0); off < exp.file.Filesize; off += int64(s.cfg.ChunkSize) {
		if _, ok := exp.received[off]; ok {
			continue
		}
		length := int64(s.cfg.ChunkSize)
		if off+length > exp.file.Filesize {
			length = exp.file.Filesize - off
		}
		exp.queue = append(exp.queue, protocol.Fetch{Offset: off, Length: length})
	}

	s.logger.Debug().
		Int64("slave", slaveID).
		Str("filename", exp.file.Filename).
		Int("ranges", len(exp.queue)).
		Msg("transfer opened")

	if len(exp.queue) == 0 {
		// Zero-length file or a reconnect with everything received.
		return s.finalize(sc, exp)
	}
	return s.fill(sc, exp)
}

// fill tops the FETCH window up to its configured size.
func (s *Server) fill(sc *protocol.ServerConn, exp *expectation) error {
	for exp.inFlight < s.cfg.Window && len(exp.queue) > 0 {
		f := exp.queue[0]
		exp.queue = exp.queue[1:]
		if err := sc.Push(protocol.TagFetch, &f); err != nil {
			return err
		}
		exp.inFlight++
	}
	return nil
}

// chunk writes one received range at its recorded offset. Out-of-order
// arrival is fine; completion is by byte accounting, not order.
func (s *Server) chunk(sc *protocol.ServerConn, slaveID int64, c *protocol.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	exp, ok := s.expected[slaveID]
	if !ok || exp.tmp == nil || exp.done {
		return fmt.Errorf("unexpected CHUNK from slave %d", slaveID)
	}
	if _, ok := exp.received[c.Offset]; ok {
		return nil // duplicate retransmit
	}
	want := s.rangeLength(exp, c.Offset)
	if want == 0 || int64(len(c.Data)) != want {
		return fmt.Errorf("%w: chunk at offset %d does not match an issued range (got %d bytes, want %d)",
			protocol.ErrProtocol, c.Offset, len(c.Data), want)
	}

	if _, err := exp.tmp.WriteAt(c.Data, c.Offset); err != nil {
		s.logger.Error().Err(err).Str("filename", exp.file.Filename).Msg("write chunk")
		return fmt.Errorf("write chunk: %w", err)
	}
	exp.received[c.Offset] = want
	if exp.inFlight > 0 {
		exp.inFlight--
	}
	metrics.TransferBytes.Add(float64(len(c.Data)))

	if len(exp.queue) > 0 {
		return s.fill(sc, exp)
	}
	if s.complete(exp) {
		return s.finalize(sc, exp)
	}
	return nil
}

// rangeLength returns the exact length issued with the FETCH for the
// given offset, or zero when no such range was ever issued.
func (s *Server) rangeLength(exp *expectation, off int64) int64 {
	chunk := int64(s.cfg.ChunkSize)
	if off < 0 || off >= exp.file.Filesize || off%chunk != 0 {
		return 0
	}
	if off+chunk > exp.file.Filesize {
		return exp.file.Filesize - off
	}
	return chunk
}

// complete reports whether every expected byte has been written.
func (s *Server) complete(exp *expectation) bool {
	var got int64
	for _, n := range exp.received {
		got += n
	}
	return got >= exp.file.Filesize
}

// finalize hash-checks the assembled file and either renames it into the
// artifact tree or discards it, then tells the builder DONE.
func (s *Server) finalize(sc *protocol.ServerConn, exp *expectation) error {
	exp.done = true
	exp.verified = s.verify(exp)

	if exp.verified {
		metrics.TransfersTotal.WithLabelValues("verified").Inc()
		s.publish(events.EventFileVerified, exp)
	} else {
		metrics.TransfersTotal.WithLabelValues("rejected").Inc()
		s.publish(events.EventFileRejected, exp)
	}
	return sc.Push(protocol.TagDone, nil)
}

func (s *Server) verify(exp *expectation) bool {
	logger := s.logger.With().Str("filename", exp.file.Filename).Logger()

	tmp := exp.tmp
	exp.tmp = nil
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	if err := tmp.Sync(); err != nil {
		logger.Error().Err(err).Msg("sync artifact")
		return false
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		logger.Error().Err(err).Msg("rewind artifact")
		return false
	}
	h := sha256.New()
	n, err := io.Copy(h, tmp)
	if err != nil {
		logger.Error().Err(err).Msg("hash artifact")
		return false
	}
	if n != exp.file.Filesize {
		logger.Warn().Int64("got", n).Int64("want", exp.file.Filesize).Msg("artifact size mismatch")
		return false
	}
	sum := hex.EncodeToString(h.Sum(nil))
	if sum != exp.file.Filehash {
		logger.Warn().Str("got", sum).Str("want", exp.file.Filehash).Msg("artifact hash mismatch")
		return false
	}

	final := s.artifactPath(exp)
	if err := os.Rename(tmp.Name(), final); err != nil {
		logger.Error().Err(err).Msg("rename artifact into place")
		return false
	}
	logger.Info().Int64("size", n).Msg("artifact verified")
	return true
}

func (s *Server) artifactPath(exp *expectation) string {
	return filepath.Join(s.cfg.OutputPath, "simple", exp.pkg, exp.file.Filename)
}

func (s *Server) createTemp(exp *expectation) error {
	dir := filepath.Join(s.cfg.OutputPath, "simple", exp.pkg)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create package dir: %w", err)
	}
	// Temp lives beside the final name so the rename stays on one
	// filesystem.
	tmp, err := os.CreateTemp(dir, "."+exp.file.Filename+".*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	exp.tmp = tmp
	return nil
}

func (s *Server) discard(exp *expectation) {
	if exp.tmp != nil {
		name := exp.tmp.Name()
		exp.tmp.Close()
		os.Remove(name)
		exp.tmp = nil
	}
}

func (s *Server) publish(typ events.EventType, exp *expectation) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{
		Type:      typ,
		Timestamp: time.Now().UTC(),
		SlaveID:   exp.slaveID,
		Package:   exp.pkg,
		Message:   exp.file.Filename,
	})
}
