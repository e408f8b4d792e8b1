// Package store is the persistence layer (C12): a SQLite-backed
// database/sql store for profiles, Image Builders, build records,
// artifacts and flash records.
package store

import (
	"database/sql"
	"fmt"

	_ "github.com/mattn/go-sqlite3"
)

// schema mirrors the ORM model layout of the original reference
// implementation: profiles, imagebuilders, build_records, artifacts,
// flash_records, with the same named indexes.
const schema = `
CREATE TABLE IF NOT EXISTS profiles (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL,
	description TEXT,
	device_id TEXT NOT NULL,
	tags TEXT,
	openwrt_release TEXT NOT NULL,
	target TEXT NOT NULL,
	subtarget TEXT NOT NULL,
	imagebuilder_profile TEXT NOT NULL,
	packages TEXT,
	packages_remove TEXT,
	files TEXT,
	overlay_dir TEXT,
	policies TEXT,
	build_defaults TEXT,
	bin_dir TEXT,
	extra_image_name TEXT,
	disabled_services TEXT,
	rootfs_partsize INTEGER,
	add_local_key INTEGER,
	created_at TEXT NOT NULL,
	updated_at TEXT NOT NULL,
	created_by TEXT,
	notes TEXT
);
CREATE INDEX IF NOT EXISTS ix_profiles_release_target ON profiles (openwrt_release, target, subtarget);

CREATE TABLE IF NOT EXISTS imagebuilders (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	openwrt_release TEXT NOT NULL,
	target TEXT NOT NULL,
	subtarget TEXT NOT NULL,
	upstream_url TEXT NOT NULL,
	archive_path TEXT,
	root_dir TEXT NOT NULL,
	checksum TEXT,
	signature_verified INTEGER NOT NULL DEFAULT 0,
	state TEXT NOT NULL,
	first_used_at TEXT,
	last_used_at TEXT
);
CREATE UNIQUE INDEX IF NOT EXISTS ix_imagebuilders_release_target_subtarget
	ON imagebuilders (openwrt_release, target, subtarget);

CREATE TABLE IF NOT EXISTS build_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	profile_id INTEGER NOT NULL REFERENCES profiles(id),
	imagebuilder_id INTEGER NOT NULL REFERENCES imagebuilders(id),
	status TEXT NOT NULL,
	requested_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	input_snapshot TEXT,
	cache_key TEXT NOT NULL,
	build_dir TEXT,
	log_path TEXT,
	error_type TEXT,
	error_message TEXT,
	is_cache_hit INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS ix_build_records_profile_status ON build_records (profile_id, status);
CREATE INDEX IF NOT EXISTS ix_build_records_cache_key ON build_records (cache_key);

CREATE TABLE IF NOT EXISTS artifacts (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	build_id INTEGER NOT NULL REFERENCES build_records(id),
	kind TEXT,
	relative_path TEXT NOT NULL,
	absolute_path TEXT,
	filename TEXT NOT NULL,
	size_bytes INTEGER NOT NULL,
	sha256 TEXT NOT NULL,
	labels TEXT,
	UNIQUE (build_id, relative_path)
);
CREATE INDEX IF NOT EXISTS ix_artifacts_build_id ON artifacts (build_id);

CREATE TABLE IF NOT EXISTS flash_records (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	artifact_id INTEGER NOT NULL REFERENCES artifacts(id),
	build_id INTEGER NOT NULL REFERENCES build_records(id),
	device_path TEXT NOT NULL,
	device_model TEXT,
	device_serial TEXT,
	requested_at TEXT NOT NULL,
	started_at TEXT,
	finished_at TEXT,
	status TEXT NOT NULL,
	wiped_before_flash INTEGER NOT NULL DEFAULT 0,
	verification_mode TEXT,
	verification_result TEXT,
	log_path TEXT,
	error_type TEXT,
	error_message TEXT
);
CREATE INDEX IF NOT EXISTS ix_flash_records_artifact_status ON flash_records (artifact_id, status);
`

// DB wraps a SQLite connection pool configured for single-writer access.
type DB struct {
	sqldb *sql.DB
}

// Open opens (creating if necessary) the SQLite database at path and
// applies the schema. SetMaxOpenConns(1) avoids SQLITE_BUSY errors under
// concurrent writers, matching the single-writer discipline the rest of
// the orchestrator assumes (flock-style serialization at the Go layer).
func Open(path string) (*DB, error) {
	sqldb, err := sql.Open("sqlite3", fmt.Sprintf("file:%s?_foreign_keys=on", path))
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}
	sqldb.SetMaxOpenConns(1)

	if _, err := sqldb.Exec(schema); err != nil {
		sqldb.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &DB{sqldb: sqldb}, nil
}

// Close closes the underlying connection pool.
func (db *DB) Close() error {
	return db.sqldb.Close()
}

// Conn exposes the underlying *sql.DB for repositories in this package.
func (db *DB) Conn() *sql.DB {
	return db.sqldb
}
