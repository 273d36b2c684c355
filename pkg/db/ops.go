package db

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/kilnworks/kiln/pkg/types"
)

// AddPackage registers a package. Idempotent: re-adding an existing
// package is a no-op and reports false.
func (s *Store) AddPackage(name, description string) (bool, error) {
	name = types.NormalizePackageName(name)
	var added bool
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO packages (name, description) VALUES (?, ?)
			ON CONFLICT (name) DO NOTHING`, name, description)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added = n > 0
		if added {
			_, err = tx.Exec(`
				INSERT INTO package_names (alias, package, seen) VALUES (?, ?, ?)
				ON CONFLICT (alias) DO UPDATE SET seen = excluded.seen`,
				name, name, toNanos(time.Now()))
		}
		return err
	})
	return added, err
}

// AddPackageName records an alias for a package with its last-seen time.
// The display name is the most recently seen alias.
func (s *Store) AddPackageName(pkg, alias string, seen time.Time) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO package_names (alias, package, seen) VALUES (?, ?, ?)
			ON CONFLICT (alias) DO UPDATE SET package = excluded.package, seen = excluded.seen`,
			alias, types.NormalizePackageName(pkg), toNanos(seen))
		return err
	})
}

// GetDisplayName returns the most recently seen alias for a package.
func (s *Store) GetDisplayName(pkg string) (string, error) {
	var name string
	err := s.db.QueryRow(`
		SELECT alias FROM package_names WHERE package = ?
		ORDER BY seen DESC, alias LIMIT 1`,
		types.NormalizePackageName(pkg)).Scan(&name)
	if err == sql.ErrNoRows {
		return pkg, nil
	}
	return name, mapErr(err)
}

// PackageExists reports whether a package is registered.
func (s *Store) PackageExists(name string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM packages WHERE name = ?`,
		types.NormalizePackageName(name)).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, mapErr(err)
}

// SkipPackage disables all builds for a package with a human reason.
func (s *Store) SkipPackage(name, reason string) error {
	return s.exec1(`UPDATE packages SET skip = ? WHERE name = ?`,
		reason, types.NormalizePackageName(name))
}

// DeletePackage removes a package; versions, builds, files and
// dependencies cascade.
func (s *Store) DeletePackage(name string) error {
	return s.exec1(`DELETE FROM packages WHERE name = ?`,
		types.NormalizePackageName(name))
}

// GetAllPackages lists every registered package.
func (s *Store) GetAllPackages() ([]*types.Package, error) {
	rows, err := s.db.Query(`SELECT name, skip, description FROM packages ORDER BY name`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var pkgs []*types.Package
	for rows.Next() {
		p := &types.Package{}
		if err := rows.Scan(&p.Name, &p.Skip, &p.Description); err != nil {
			return nil, mapErr(err)
		}
		pkgs = append(pkgs, p)
	}
	return pkgs, mapErr(rows.Err())
}

// AddVersion registers a released version. Idempotent like AddPackage.
func (s *Store) AddVersion(pkg, version string, released time.Time) (bool, error) {
	var added bool
	err := s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			INSERT INTO versions (package, version, released) VALUES (?, ?, ?)
			ON CONFLICT (package, version) DO NOTHING`,
			types.NormalizePackageName(pkg), version, toNanos(released))
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		added = n > 0
		return nil
	})
	return added, err
}

// VersionExists reports whether (package, version) is registered.
func (s *Store) VersionExists(pkg, version string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM versions WHERE package = ? AND version = ?`,
		types.NormalizePackageName(pkg), version).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	return err == nil, mapErr(err)
}

// SkipVersion disables builds for one version.
func (s *Store) SkipVersion(pkg, version, reason string) error {
	return s.exec1(`UPDATE versions SET skip = ? WHERE package = ? AND version = ?`,
		reason, types.NormalizePackageName(pkg), version)
}

// DeleteVersion removes a version; builds, files and dependencies cascade.
func (s *Store) DeleteVersion(pkg, version string) error {
	return s.exec1(`DELETE FROM versions WHERE package = ? AND version = ?`,
		types.NormalizePackageName(pkg), version)
}

// YankVersion marks a version yanked upstream.
func (s *Store) YankVersion(pkg, version string) error {
	return s.exec1(`UPDATE versions SET yanked = 1 WHERE package = ? AND version = ?`,
		types.NormalizePackageName(pkg), version)
}

// UnyankVersion clears the yanked flag.
func (s *Store) UnyankVersion(pkg, version string) error {
	return s.exec1(`UPDATE versions SET yanked = 0 WHERE package = ? AND version = ?`,
		types.NormalizePackageName(pkg), version)
}

// AddBuildABI registers a build target. The reserved tag "none" is
// rejected by the schema.
func (s *Store) AddBuildABI(abi types.BuildABI) error {
	return s.tx(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO build_abis (abi, skip, description) VALUES (?, ?, ?)
			ON CONFLICT (abi) DO UPDATE SET skip = excluded.skip, description = excluded.description`,
			abi.Tag, abi.Skip, abi.Description)
		return err
	})
}

// GetBuildABIs lists every registered build target.
func (s *Store) GetBuildABIs() ([]types.BuildABI, error) {
	rows, err := s.db.Query(`SELECT abi, skip, description FROM build_abis ORDER BY abi`)
	if err != nil {
		return nil, mapErr(err)
	}
	defer rows.Close()
	var abis []types.BuildABI
	for rows.Next() {
		var a types.BuildABI
		if err := rows.Scan(&a.Tag, &a.Skip, &a.Description); err != nil {
			return nil, mapErr(err)
		}
		abis = append(abis, a)
	}
	return abis, mapErr(rows.Err())
}

// GetPyPISerial returns the last processed upstream event serial.
func (s *Store) GetPyPISerial() (int64, error) {
	var serial int64
	err := s.db.QueryRow(`SELECT pypi_serial FROM configuration WHERE id = 1`).Scan(&serial)
	return serial, mapErr(err)
}

// SetPyPISerial advances the upstream serial. The serial is monotonic: a
// non-increasing update fails with ErrIntegrity.
func (s *Store) SetPyPISerial(serial int64) error {
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(`
			UPDATE configuration SET pypi_serial = ? WHERE id = 1 AND pypi_serial <= ?`,
			serial, serial)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return fmt.Errorf("%w: pypi serial may not decrease (attempted %d)",
				ErrIntegrity, serial)
		}
		return nil
	})
}

// exec1 runs one statement in a transaction and fails with ErrNotFound
// when it affects no rows.
func (s *Store) exec1(query string, args ...any) error {
	return s.tx(func(tx *sql.Tx) error {
		res, err := tx.Exec(query, args...)
		if err != nil {
			return err
		}
		n, _ := res.RowsAffected()
		if n == 0 {
			return ErrNotFound
		}
		return nil
	})
}
