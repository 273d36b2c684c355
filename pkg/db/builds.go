package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kilnworks/kiln/pkg/types"
)

// LogBuildSuccess records a successful build, its files and their
// dependencies in one transaction. A success with zero files violates the
// data model and fails with ErrIntegrity. Files replacing an existing
// filename delete the old row (and its dependencies) first.
func (s *Store) LogBuildSuccess(build *types.Build) (int64, error) {
	if !build.Status {
		return 0, fmt.Errorf("%w: LogBuildSuccess called with failed status", ErrIntegrity)
	}
	if len(build.Files) == 0 {
		return 0, fmt.Errorf("%w: successful build of %s %s must produce at least one file",
			ErrIntegrity, build.Package, build.Version)
	}
	return s.logBuild(build)
}

// LogBuildFailure records a failed attempt. Failed builds carry no files.
func (s *Store) LogBuildFailure(build *types.Build) (int64, error) {
	if build.Status {
		return 0, fmt.Errorf("%w: LogBuildFailure called with success status", ErrIntegrity)
	}
	if len(build.Files) != 0 {
		return 0, fmt.Errorf("%w: failed build of %s %s may not carry files",
			ErrIntegrity, build.Package, build.Version)
	}
	return s.logBuild(build)
}

func (s *Store) logBuild(build *types.Build) (int64, error) {
	var id int64
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO builds (package, version, abi, built_by, built_at, duration_ms, status, output)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			types.NormalizePackageName(build.Package), build.Version, build.ABI,
			build.BuiltBy, toNanos(build.BuiltAt),
			build.Duration.Milliseconds(), boolInt(build.Status), build.Output)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		if err != nil {
			return err
		}
		for _, f := range build.Files {
			// A rebuild of the same filename replaces the old artifact
			// row and everything hanging off it.
			if _, err := tx.Exec(`DELETE FROM files WHERE filename = ?`, f.Filename); err != nil {
				return err
			}
			_, err := tx.Exec(`
				INSERT INTO files (filename, build_id, filesize, filehash, package_tag,
					version_tag, py_version_tag, abi_tag, platform_tag, requires_python)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				f.Filename, id, f.Filesize, f.Filehash, f.PackageTag,
				f.VersionTag, f.PyVersionTag, f.ABITag, f.PlatformTag, f.RequiresPython)
			if err != nil {
				return err
			}
			for _, d := range f.Dependencies {
				_, err := tx.Exec(`
					INSERT INTO dependencies (filename, tool, dependency) VALUES (?, ?, ?)
					ON CONFLICT (filename, tool, dependency) DO NOTHING`,
					f.Filename, d.Tool, d.Dependency)
				if err != nil {
					return err
				}
			}
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// DeleteBuild removes a build record; its files cascade.
func (s *Store) DeleteBuild(id int64) error {
	return s.exec1(`DELETE FROM builds WHERE id = ?`, id)
}

// GetPackageFiles returns every artifact currently published for a
// package, newest build first.
func (s *Store) GetPackageFiles(pkg string) ([]*types.File, error) {
	rows, err := s.db.Query(`
		SELECT f.filename, f.build_id, f.filesize, f.filehash, f.package_tag,
		       f.version_tag, f.py_version_tag, f.abi_tag, f.platform_tag, f.requires_python
		FROM files f
		JOIN builds b ON b.id = f.build_id
		WHERE b.package = ?
		ORDER BY b.id DESC, f.filename`,
		types.NormalizePackageName(pkg))
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	return scanFiles(rows)
}

// GetFileDependencies returns a file's external requirements with the
// ABI's preinstalled system packages already subtracted.
func (s *Store) GetFileDependencies(filename, abi string) ([]types.Dependency, error) {
	rows, err := s.db.Query(`
		SELECT d.filename, d.tool, d.dependency
		FROM dependencies d
		WHERE d.filename = ?
		  AND NOT (d.tool = 'apt' AND d.dependency IN
		      (SELECT apt_package FROM preinstalled_apt WHERE abi = ?))
		ORDER BY d.tool, d.dependency`, filename, abi)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var deps []types.Dependency
	for rows.Next() {
		var d types.Dependency
		if err := rows.Scan(&d.Filename, &d.Tool, &d.Dependency); err != nil {
			return nil, mapErr(err)
		}
		deps = append(deps, d)
	}
	return deps, mapErr(rows.Err())
}

// AddPreinstalledApt records a system package already present on an ABI's
// build image, to be subtracted from published apt requirements.
func (s *Store) AddPreinstalledApt(abi, aptPackage string) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO preinstalled_apt (abi, apt_package) VALUES (?, ?)
			ON CONFLICT (abi, apt_package) DO NOTHING`, abi, aptPackage)
		return err
	})
}

// GetProjectData assembles everything the renderer needs for one package:
// releases newest first, each with its published files.
func (s *Store) GetProjectData(pkg string) (*types.ProjectData, error) {
	norm := types.NormalizePackageName(pkg)
	data := &types.ProjectData{Name: norm}
	err := s.db.QueryRow(`SELECT skip, description FROM packages WHERE name = ?`, norm).
		Scan(&data.Skip, &data.Description)
	if err != nil {
		return nil, mapErr(err)
	}
	data.DisplayName, err = s.GetDisplayName(norm)
	if err != nil {
		return nil, err
	}

	rows, err := s.db.Query(`
		SELECT version, released, skip, yanked FROM versions
		WHERE package = ? ORDER BY released DESC, version DESC`, norm)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	byVersion := make(map[string]*types.ReleaseData)
	for rows.Next() {
		rel := &types.ReleaseData{}
		var released int64
		var yanked int
		if err := rows.Scan(&rel.Version, &released, &rel.Skip, &yanked); err != nil {
			return nil, mapErr(err)
		}
		rel.Released = fromNanos(released)
		rel.Yanked = yanked != 0
		data.Releases = append(data.Releases, rel)
		byVersion[rel.Version] = rel
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr(err)
	}

	files, err := s.GetPackageFiles(norm)
	if err != nil {
		return nil, err
	}
	for _, f := range files {
		if rel, ok := byVersion[f.VersionTag]; ok {
			rel.Files = append(rel.Files, f)
		}
	}
	return data, nil
}

// GetSearchIndex returns one row per package with its 30-day download
// count, for the rendered search blob.
func (s *Store) GetSearchIndex() ([]types.SearchEntry, error) {
	cutoff := toNanos(time.Now().AddDate(0, 0, -30))
	rows, err := s.db.Query(`
		SELECT p.name, COUNT(d.filename)
		FROM packages p
		LEFT JOIN files f ON f.package_tag = p.name
		LEFT JOIN downloads d ON d.filename = f.filename AND d.accessed_at >= ?
		GROUP BY p.name
		ORDER BY p.name`, cutoff)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var entries []types.SearchEntry
	for rows.Next() {
		var e types.SearchEntry
		if err := rows.Scan(&e.Package, &e.Downloads); err != nil {
			return nil, mapErr(err)
		}
		entries = append(entries, e)
	}
	return entries, mapErr(rows.Err())
}

// GetStatistics computes the system-wide aggregates for the home page and
// the monitor status channel.
func (s *Store) GetStatistics() (*types.Statistics, error) {
	stats := &types.Statistics{}
	now := time.Now()
	var buildsTimeMs int64
	err := s.db.QueryRow(`
		SELECT
			(SELECT COUNT(DISTINCT package) FROM builds WHERE status = 1),
			(SELECT COUNT(*) FROM builds),
			(SELECT COUNT(*) FROM builds WHERE status = 1),
			(SELECT COUNT(*) FROM builds WHERE built_at >= ?),
			(SELECT COALESCE(SUM(duration_ms), 0) FROM builds),
			(SELECT COUNT(*) FROM files),
			(SELECT COALESCE(SUM(filesize), 0) FROM files),
			(SELECT COUNT(*) FROM downloads WHERE accessed_at >= ?),
			(SELECT COUNT(*) FROM downloads)`,
		toNanos(now.Add(-time.Hour)), toNanos(now.AddDate(0, 0, -30))).
		Scan(&stats.PackagesBuilt, &stats.BuildsCount, &stats.BuildsCountSuccess,
			&stats.BuildsCountLastHour, &buildsTimeMs, &stats.FilesCount,
			&stats.BuildsSize, &stats.DownloadsLastMonth, &stats.DownloadsAll)
	if err != nil {
		return nil, mapErr(err)
	}
	stats.BuildsTime = time.Duration(buildsTimeMs) * time.Millisecond
	return stats, nil
}

// SaveRewritesPending persists the render-debounce set across restarts.
// The stored set is replaced wholesale.
func (s *Store) SaveRewritesPending(entries []types.RewriteEntry) error {
	return s.tx(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM rewrites_pending`); err != nil {
			return err
		}
		for _, e := range entries {
			_, err := tx.Exec(`
				INSERT INTO rewrites_pending (package, added_at, command) VALUES (?, ?, ?)`,
				e.Package, toNanos(e.AddedAt), string(e.Command))
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadRewritesPending drains the persisted render-debounce set.
func (s *Store) LoadRewritesPending() ([]types.RewriteEntry, error) {
	var entries []types.RewriteEntry
	err := s.tx(func(tx *sql.Tx) error {
		rows, err := tx.Query(`SELECT package, added_at, command FROM rewrites_pending ORDER BY added_at`)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var e types.RewriteEntry
			var addedAt int64
			var command string
			if err := rows.Scan(&e.Package, &addedAt, &command); err != nil {
				return err
			}
			e.AddedAt = fromNanos(addedAt)
			e.Command = types.RewriteCommand(command)
			entries = append(entries, e)
		}
		if err := rows.Err(); err != nil {
			return err
		}
		_, err = tx.Exec(`DELETE FROM rewrites_pending`)
		return err
	})
	return entries, err
}

// LogAccess appends one parsed web-log record to the matching table.
func (s *Store) LogAccess(ev *types.AccessEvent) error {
	return s.tx(func(tx *sql.Tx) error {
		var err error
		switch ev.Kind {
		case types.AccessDownload:
			_, err = tx.Exec(`
				INSERT INTO downloads (filename, accessed_at, accessed_by, user_agent,
					arch, distro_name, distro_version, os_name, os_version,
					py_name, py_version, installer_name, installer_version, setter)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				ev.Filename, toNanos(ev.AccessedAt), ev.Host, ev.UserAgent,
				ev.Arch, ev.DistroName, ev.DistroVersion, ev.OSName, ev.OSVersion,
				ev.PyName, ev.PyVersion, ev.InstallerName, ev.InstallerVersion, ev.Setter)
		case types.AccessSearch:
			_, err = tx.Exec(`
				INSERT INTO searches (package, accessed_at, accessed_by, user_agent) VALUES (?, ?, ?, ?)`,
				ev.Package, toNanos(ev.AccessedAt), ev.Host, ev.UserAgent)
		case types.AccessProject:
			_, err = tx.Exec(`
				INSERT INTO project_hits (package, accessed_at, accessed_by, user_agent) VALUES (?, ?, ?, ?)`,
				ev.Package, toNanos(ev.AccessedAt), ev.Host, ev.UserAgent)
		case types.AccessJSON:
			_, err = tx.Exec(`
				INSERT INTO json_hits (package, accessed_at, accessed_by, user_agent) VALUES (?, ?, ?, ?)`,
				ev.Package, toNanos(ev.AccessedAt), ev.Host, ev.UserAgent)
		case types.AccessPage:
			_, err = tx.Exec(`
				INSERT INTO page_hits (page, accessed_at, accessed_by, user_agent) VALUES (?, ?, ?, ?)`,
				ev.Filename, toNanos(ev.AccessedAt), ev.Host, ev.UserAgent)
		default:
			return fmt.Errorf("%w: unknown access kind %q", ErrIntegrity, ev.Kind)
		}
		return err
	})
}

func scanFiles(rows *sql.Rows) ([]*types.File, error) {
	var files []*types.File
	for rows.Next() {
		f := &types.File{}
		err := rows.Scan(&f.Filename, &f.BuildID, &f.Filesize, &f.Filehash,
			&f.PackageTag, &f.VersionTag, &f.PyVersionTag, &f.ABITag,
			&f.PlatformTag, &f.RequiresPython)
		if err != nil {
			return nil, mapErr(err)
		}
		files = append(files, f)
	}
	return files, mapErr(rows.Err())
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
