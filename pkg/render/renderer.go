package render

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"html/template"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Masterminds/sprig/v3"
	"github.com/rs/zerolog"

	"github.com/kilnworks/kiln/pkg/db"
	"github.com/kilnworks/kiln/pkg/events"
	"github.com/kilnworks/kiln/pkg/log"
	"github.com/kilnworks/kiln/pkg/metrics"
	"github.com/kilnworks/kiln/pkg/types"
)

//go:embed templates/*.html
var templateFS embed.FS

//go:embed static/*
var staticFS embed.FS

// Rebuild parts accepted over the admin channel.
const (
	PartHome    = "HOME"
	PartSearch  = "SEARCH"
	PartProject = "PROJECT"
	PartBoth    = "BOTH"
)

// Config holds the renderer's tunables.
type Config struct {
	// OutputPath is the web root everything is written beneath.
	OutputPath string

	// IndexURL is the public URL of this farm's simple index, shown in
	// install instructions on project pages.
	IndexURL string
}

// Renderer writes the static web tree: the simple-index root, per-package
// simple and project pages, the JSON API documents, the search blob and
// the home page. Every write is temp-and-rename so readers never see a
// partial page.
type Renderer struct {
	cfg    Config
	pool   *db.Pool
	broker *events.Broker
	logger zerolog.Logger
	tmpl   *template.Template

	mu        sync.Mutex
	lastStats *types.Statistics
}

// NewRenderer creates a renderer and copies the static resources into the
// output tree. The broker may be nil.
func NewRenderer(cfg Config, pool *db.Pool, broker *events.Broker) (*Renderer, error) {
	funcs := template.FuncMap{
		"filesize": humanSize,
	}
	tmpl, err := template.New("").Funcs(sprig.HtmlFuncMap()).Funcs(funcs).
		ParseFS(templateFS, "templates/*.html")
	if err != nil {
		return nil, fmt.Errorf("parse templates: %w", err)
	}
	s := &Renderer{
		cfg:    cfg,
		pool:   pool,
		broker: broker,
		logger: log.WithComponent("renderer"),
		tmpl:   tmpl,
	}
	if err := s.copyStatic(); err != nil {
		return nil, err
	}
	return s, nil
}

// humanSize renders a byte count the way humans read them.
func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// copyStatic places the bundled CSS and friends under the web root.
func (s *Renderer) copyStatic() error {
	return fs.WalkDir(staticFS, "static", func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		dst := filepath.Join(s.cfg.OutputPath, path)
		if d.IsDir() {
			return os.MkdirAll(dst, 0o755)
		}
		data, err := staticFS.ReadFile(path)
		if err != nil {
			return err
		}
		return os.WriteFile(dst, data, 0o644)
	})
}

// writeAtomic renders into a temp file beside path and renames it in.
func (s *Renderer) writeAtomic(path string, write func(io.Writer) error) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create %s: %w", filepath.Dir(path), err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	defer os.Remove(tmp.Name())

	err = write(tmp)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("render %s: %w", path, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("place %s: %w", path, err)
	}
	return nil
}

// WriteRoot rewrites the simple-index root page listing every package.
func (s *Renderer) WriteRoot(ctx context.Context) error {
	pkgs, err := s.pool.GetAllPackages(ctx)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(pkgs))
	for _, p := range pkgs {
		if p.Skip == "" {
			names = append(names, p.Name)
		}
	}

	path := filepath.Join(s.cfg.OutputPath, "simple", "index.html")
	err = s.writeAtomic(path, func(w io.Writer) error {
		return s.tmpl.ExecuteTemplate(w, "simple_index.html", struct{ Packages []string }{names})
	})
	if err != nil {
		return err
	}
	metrics.RendersTotal.WithLabelValues("simple").Inc()
	s.logger.Debug().Int("packages", len(names)).Msg("root index rewritten")
	return nil
}

// simpleFile is one row of a package's simple page.
type simpleFile struct {
	Filename       string
	Filehash       string
	RequiresPython string
	Yanked         bool
}

// WriteSimplePage rewrites one package's simple-index page. Files of
// yanked releases stay listed but carry the yanked mark, per the index
// contract.
func (s *Renderer) WriteSimplePage(ctx context.Context, pkg string) error {
	data, err := s.pool.GetProjectData(ctx, pkg)
	if err != nil {
		return err
	}

	var files []simpleFile
	for _, rel := range data.Releases {
		for _, f := range rel.Files {
			files = append(files, simpleFile{
				Filename:       f.Filename,
				Filehash:       f.Filehash,
				RequiresPython: f.RequiresPython,
				Yanked:         rel.Yanked,
			})
		}
	}

	path := filepath.Join(s.cfg.OutputPath, "simple", data.Name, "index.html")
	err = s.writeAtomic(path, func(w io.Writer) error {
		return s.tmpl.ExecuteTemplate(w, "simple_package.html", struct {
			Name  string
			Files []simpleFile
		}{data.Name, files})
	})
	if err != nil {
		return err
	}
	metrics.RendersTotal.WithLabelValues("simple").Inc()
	return nil
}

// WriteProjectPage rewrites one package's project page and its JSON API
// document.
func (s *Renderer) WriteProjectPage(ctx context.Context, pkg string) error {
	data, err := s.pool.GetProjectData(ctx, pkg)
	if err != nil {
		return err
	}

	page := filepath.Join(s.cfg.OutputPath, "project", data.Name, "index.html")
	err = s.writeAtomic(page, func(w io.Writer) error {
		return s.tmpl.ExecuteTemplate(w, "project.html", struct {
			*types.ProjectData
			IndexURL string
		}{data, s.cfg.IndexURL})
	})
	if err != nil {
		return err
	}

	doc := filepath.Join(s.cfg.OutputPath, "project", data.Name, "json", "index.json")
	err = s.writeAtomic(doc, func(w io.Writer) error {
		return writeProjectJSON(w, data)
	})
	if err != nil {
		return err
	}

	metrics.RendersTotal.WithLabelValues("project").Inc()
	if s.broker != nil {
		s.broker.Publish(&events.Event{
			Type:    events.EventRenderComplete,
			Package: data.Name,
		})
	}
	return nil
}

// WriteSearchIndex rewrites packages.json, the download-count blob the
// search page feeds on.
func (s *Renderer) WriteSearchIndex(ctx context.Context) error {
	entries, err := s.pool.GetSearchIndex(ctx)
	if err != nil {
		return err
	}
	// The blob is a list of [package, downloads] pairs; compact and
	// stable for clients that slurp the whole thing.
	rows := make([][2]any, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, [2]any{e.Package, e.Downloads})
	}

	path := filepath.Join(s.cfg.OutputPath, "packages.json")
	err = s.writeAtomic(path, func(w io.Writer) error {
		return json.NewEncoder(w).Encode(rows)
	})
	if err != nil {
		return err
	}
	metrics.RendersTotal.WithLabelValues("search").Inc()
	return nil
}

// WriteHomePage rewrites the home page from the given statistics. A nil
// stats falls back to the last published composite, or to the database
// aggregates alone when none arrived yet.
func (s *Renderer) WriteHomePage(ctx context.Context, stats *types.Statistics) error {
	if stats == nil {
		s.mu.Lock()
		stats = s.lastStats
		s.mu.Unlock()
	}
	if stats == nil {
		var err error
		stats, err = s.pool.GetStatistics(ctx)
		if err != nil {
			return err
		}
	}
	s.mu.Lock()
	s.lastStats = stats
	s.mu.Unlock()

	path := filepath.Join(s.cfg.OutputPath, "index.html")
	err := s.writeAtomic(path, func(w io.Writer) error {
		return s.tmpl.ExecuteTemplate(w, "home.html", struct {
			Stats *types.Statistics
			At    time.Time
		}{stats, time.Now().UTC()})
	})
	if err != nil {
		return err
	}
	metrics.RendersTotal.WithLabelValues("home").Inc()
	return nil
}

// Rebuild regenerates the named part: HOME, SEARCH, or PROJECT/BOTH for
// one package (empty means every package). This is the admin REBUILD
// surface and the debouncer's flush target.
func (s *Renderer) Rebuild(ctx context.Context, part, pkg string) error {
	switch part {
	case PartHome:
		return s.WriteHomePage(ctx, nil)
	case PartSearch:
		return s.WriteSearchIndex(ctx)
	case PartProject, PartBoth:
		if pkg != "" {
			return s.rebuildPackage(ctx, part, pkg)
		}
		pkgs, err := s.pool.GetAllPackages(ctx)
		if err != nil {
			return err
		}
		for _, p := range pkgs {
			if err := s.rebuildPackage(ctx, part, p.Name); err != nil {
				return err
			}
		}
		return nil
	default:
		return fmt.Errorf("unknown rebuild part %q", part)
	}
}

func (s *Renderer) rebuildPackage(ctx context.Context, part, pkg string) error {
	if err := s.WriteProjectPage(ctx, pkg); err != nil {
		return err
	}
	if part != PartBoth {
		return nil
	}
	if err := s.WriteSimplePage(ctx, pkg); err != nil {
		return err
	}
	// New packages must also appear in the root listing.
	return s.WriteRoot(ctx)
}
