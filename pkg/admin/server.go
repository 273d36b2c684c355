package admin

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/protocol"
	"github.com/kilnworks/kiln/pkg/render"
	"github.com/kilnworks/kiln/pkg/types"
)

// RenderNotify enqueues a debounced render for a package.
type RenderNotify func(pkg string, cmd types.RewriteCommand)

// Server handles the local-only admin channel: manual imports, removals
// and rebuild requests. Failures are answered with ERROR(message), never
// by dropping the connection; admin tools deserve a reason.
type Server struct {
	pool     *db.Pool
	renderer render.Rebuilder
	notify   RenderNotify
	logger   zerolog.Logger
	srv      *protocol.Server
}

// NewServer creates an admin endpoint. renderer serves synchronous
// REBUILD commands; notify queues page updates after imports.
func NewServer(pool *db.Pool, renderer render.Rebuilder, notify RenderNotify) *Server {
	s := &Server{
		pool:     pool,
		renderer: renderer,
		notify:   notify,
		logger:   log.WithComponent("admin"),
	}
	s.srv = protocol.NewServer("admin", protocol.AdminRegistry(), s.handle)
	return s
}

// Start binds the admin socket. This must stay a local address; the
// channel is unauthenticated by design.
func (s *Server) Start(addr string) error {
	return s.srv.Start(addr)
}

// Addr returns the bound listener address.
func (s *Server) Addr() net.Addr {
	return s.srv.Addr()
}

// Stop closes the admin socket.
func (s *Server) Stop() {
	s.srv.Stop()
}

func (s *Server) handle(_ *protocol.ServerConn, tag string, payload any) (string, any, error) {
	var err error
	switch tag {
	case protocol.TagImport:
		err = s.doImport(payload.(*protocol.Import))
	case protocol.TagRemove:
		err = s.doRemove(payload.(*protocol.Remove))
	case protocol.TagRebuild:
		err = s.doRebuild(payload.(*protocol.Rebuild))
	default:
		return "", nil, fmt.Errorf("%w: unexpected %s on admin channel", protocol.ErrProtocol, tag)
	}
	if err != nil {
		s.logger.Warn().Err(err).Str("tag", tag).Msg("admin command failed")
		return protocol.TagError, &protocol.Error{Message: err.Error()}, nil
	}
	return protocol.TagDone, nil, nil
}

// doImport registers a synthetic build, creating the package and version
// on the fly. Artifact files must already sit in the output tree; the
// admin tool places them before issuing IMPORT.
func (s *Server) doImport(imp *protocol.Import) error {
	if imp.Package == "" || imp.Version == "" || imp.ABI == "" {
		return fmt.Errorf("import needs package, version and abi")
	}
	if imp.Status && len(imp.Files) == 0 {
		return fmt.Errorf("a successful import needs at least one file")
	}

	ctx := context.Background()
	pkg := types.NormalizePackageName(imp.Package)
	if _, err := s.pool.AddPackage(ctx, pkg, ""); err != nil {
		return err
	}
	if _, err := s.pool.AddVersion(ctx, pkg, imp.Version, time.Now().UTC()); err != nil {
		return err
	}

	build := &types.Build{
		Package:  pkg,
		Version:  imp.Version,
		ABI:      imp.ABI,
		BuiltBy:  0, // not produced by a builder
		BuiltAt:  time.Now().UTC(),
		Duration: imp.Duration.Std(),
		Status:   imp.Status,
		Output:   imp.Output,
	}
	for _, fs := range imp.Files {
		build.Files = append(build.Files, fs.File())
	}

	var (
		id  int64
		err error
	)
	if build.Status {
		id, err = s.pool.LogBuildSuccess(ctx, build)
	} else {
		id, err = s.pool.LogBuildFailure(ctx, build)
	}
	if err != nil {
		return err
	}

	s.logger.Info().
		Int64("build", id).
		Str("package", pkg).
		Str("version", imp.Version).
		Bool("status", imp.Status).
		Msg("build imported")
	if build.Status && s.notify != nil {
		s.notify(pkg, types.RewriteBoth)
	}
	return nil
}

// doRemove deletes a version outright, or marks it skipped when a reason
// is given so it survives as a tombstone that blocks rebuilds.
func (s *Server) doRemove(rm *protocol.Remove) error {
	if rm.Package == "" || rm.Version == "" {
		return fmt.Errorf("remove needs package and version")
	}
	ctx := context.Background()
	pkg := types.NormalizePackageName(rm.Package)

	var err error
	if rm.Skip != "" {
		err = s.pool.SkipVersion(ctx, pkg, rm.Version, rm.Skip)
	} else {
		err = s.pool.DeleteVersion(ctx, pkg, rm.Version)
	}
	if err != nil {
		return err
	}

	s.logger.Info().
		Str("package", pkg).
		Str("version", rm.Version).
		Str("skip", rm.Skip).
		Msg("version removed")
	if s.notify != nil {
		s.notify(pkg, types.RewriteBoth)
	}
	return nil
}

// doRebuild regenerates pages synchronously; the admin waits for the
// result.
func (s *Server) doRebuild(rb *protocol.Rebuild) error {
	pkg := ""
	if rb.Package != "" {
		pkg = types.NormalizePackageName(rb.Package)
	}
	switch rb.Part {
	case render.PartHome, render.PartSearch:
		if pkg != "" {
			return fmt.Errorf("%s takes no package", rb.Part)
		}
	case render.PartProject, render.PartBoth:
	default:
		return fmt.Errorf("unknown rebuild part %q", rb.Part)
	}
	return s.renderer.Rebuild(context.Background(), rb.Part, pkg)
}
