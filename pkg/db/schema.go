package db

// SchemaVersion is the schema revision this build of the master requires.
// cmd/kiln-migrate owns creation and upgrades; Open refuses any other
// stored version.
const SchemaVersion = 1

// Schema is the full DDL at SchemaVersion. Timestamps are stored as UTC
// epoch nanoseconds, durations as milliseconds, booleans as 0/1.
const Schema = `
CREATE TABLE configuration (
    id             INTEGER PRIMARY KEY CHECK (id = 1),
    schema_version INTEGER NOT NULL,
    pypi_serial    INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE packages (
    name        TEXT PRIMARY KEY,
    skip        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE package_names (
    alias   TEXT PRIMARY KEY,
    package TEXT NOT NULL REFERENCES packages(name) ON DELETE CASCADE,
    seen    INTEGER NOT NULL
);
CREATE INDEX package_names_package ON package_names(package);

CREATE TABLE versions (
    package  TEXT NOT NULL REFERENCES packages(name) ON DELETE CASCADE,
    version  TEXT NOT NULL,
    released INTEGER NOT NULL,
    skip     TEXT NOT NULL DEFAULT '',
    yanked   INTEGER NOT NULL DEFAULT 0,
    PRIMARY KEY (package, version)
);

CREATE TABLE build_abis (
    abi         TEXT PRIMARY KEY CHECK (abi <> 'none'),
    skip        TEXT NOT NULL DEFAULT '',
    description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE builds (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    package     TEXT NOT NULL,
    version     TEXT NOT NULL,
    abi         TEXT NOT NULL REFERENCES build_abis(abi),
    built_by    INTEGER NOT NULL,
    built_at    INTEGER NOT NULL,
    duration_ms INTEGER NOT NULL,
    status      INTEGER NOT NULL,
    output      TEXT NOT NULL DEFAULT '',
    FOREIGN KEY (package, version)
        REFERENCES versions(package, version) ON DELETE CASCADE
);
CREATE INDEX builds_pkgver ON builds(package, version);

CREATE TABLE files (
    filename        TEXT PRIMARY KEY,
    build_id        INTEGER NOT NULL REFERENCES builds(id) ON DELETE CASCADE,
    filesize        INTEGER NOT NULL,
    filehash        TEXT NOT NULL,
    package_tag     TEXT NOT NULL,
    version_tag     TEXT NOT NULL,
    py_version_tag  TEXT NOT NULL,
    abi_tag         TEXT NOT NULL,
    platform_tag    TEXT NOT NULL,
    requires_python TEXT NOT NULL DEFAULT ''
);
CREATE INDEX files_build ON files(build_id);

CREATE TABLE dependencies (
    filename   TEXT NOT NULL REFERENCES files(filename) ON DELETE CASCADE,
    tool       TEXT NOT NULL CHECK (tool IN ('apt', 'pip', '')),
    dependency TEXT NOT NULL,
    PRIMARY KEY (filename, tool, dependency)
);

CREATE TABLE preinstalled_apt (
    abi         TEXT NOT NULL REFERENCES build_abis(abi) ON DELETE CASCADE,
    apt_package TEXT NOT NULL,
    PRIMARY KEY (abi, apt_package)
);

CREATE TABLE rewrites_pending (
    package  TEXT PRIMARY KEY,
    added_at INTEGER NOT NULL,
    command  TEXT NOT NULL CHECK (command IN ('PROJECT', 'BOTH'))
);

CREATE TABLE downloads (
    filename          TEXT NOT NULL,
    accessed_at       INTEGER NOT NULL,
    accessed_by       TEXT NOT NULL DEFAULT '',
    user_agent        TEXT NOT NULL DEFAULT '',
    arch              TEXT NOT NULL DEFAULT '',
    distro_name       TEXT NOT NULL DEFAULT '',
    distro_version    TEXT NOT NULL DEFAULT '',
    os_name           TEXT NOT NULL DEFAULT '',
    os_version        TEXT NOT NULL DEFAULT '',
    py_name           TEXT NOT NULL DEFAULT '',
    py_version        TEXT NOT NULL DEFAULT '',
    installer_name    TEXT NOT NULL DEFAULT '',
    installer_version TEXT NOT NULL DEFAULT '',
    setter            TEXT NOT NULL DEFAULT ''
);
CREATE INDEX downloads_at ON downloads(accessed_at);
CREATE INDEX downloads_filename ON downloads(filename);

CREATE TABLE searches (
    package     TEXT NOT NULL,
    accessed_at INTEGER NOT NULL,
    accessed_by TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE project_hits (
    package     TEXT NOT NULL,
    accessed_at INTEGER NOT NULL,
    accessed_by TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE json_hits (
    package     TEXT NOT NULL,
    accessed_at INTEGER NOT NULL,
    accessed_by TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT ''
);

CREATE TABLE page_hits (
    page        TEXT NOT NULL,
    accessed_at INTEGER NOT NULL,
    accessed_by TEXT NOT NULL DEFAULT '',
    user_agent  TEXT NOT NULL DEFAULT ''
);

INSERT INTO configuration (id, schema_version, pypi_serial) VALUES (1, 1, 0);
`
