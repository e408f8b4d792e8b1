package store

import (
	"database/sql"
	"time"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

func scanImageBuilder(row scannable) (*ImageBuilderRecord, error) {
	var r ImageBuilderRecord
	var archivePath, checksum sql.NullString
	var firstUsedAt, lastUsedAt sql.NullString

	if err := row.Scan(
		&r.ID, &r.OpenWrtRelease, &r.Target, &r.Subtarget,
		&r.UpstreamURL, &archivePath, &r.RootDir, &checksum,
		&r.SignatureVerified, &r.State, &firstUsedAt, &lastUsedAt,
	); err != nil {
		return nil, err
	}
	r.ArchivePath = archivePath.String
	r.Checksum = checksum.String

	var err error
	if r.FirstUsedAt, err = nullToTime(firstUsedAt); err != nil {
		return nil, err
	}
	if r.LastUsedAt, err = nullToTime(lastUsedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

const imageBuilderColumns = `id, openwrt_release, target, subtarget, upstream_url,
	archive_path, root_dir, checksum, signature_verified, state, first_used_at, last_used_at`

// GetImageBuilder fetches an Image Builder row by (release, target, subtarget).
func (db *DB) GetImageBuilder(release, target, subtarget string) (*ImageBuilderRecord, error) {
	row := db.sqldb.QueryRow(
		`SELECT `+imageBuilderColumns+` FROM imagebuilders
		 WHERE openwrt_release=? AND target=? AND subtarget=?`,
		release, target, subtarget)
	rec, err := scanImageBuilder(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// CreateImageBuilder inserts a new Image Builder row, typically in PENDING state.
func (db *DB) CreateImageBuilder(r *ImageBuilderRecord) (int64, error) {
	res, err := db.sqldb.Exec(`
		INSERT INTO imagebuilders (openwrt_release, target, subtarget, upstream_url,
			archive_path, root_dir, checksum, signature_verified, state, first_used_at, last_used_at)
		VALUES (?,?,?,?, ?,?,?,?,?, ?,?)`,
		r.OpenWrtRelease, r.Target, r.Subtarget, r.UpstreamURL,
		nullString(r.ArchivePath), r.RootDir, nullString(r.Checksum), r.SignatureVerified, r.State,
		timeToNull(r.FirstUsedAt), timeToNull(r.LastUsedAt),
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindOSError, "failed to insert imagebuilder", err)
	}
	return res.LastInsertId()
}

// UpdateImageBuilder persists the mutable fields of an Image Builder row
// (root_dir, checksum, state, usage timestamps).
func (db *DB) UpdateImageBuilder(r *ImageBuilderRecord) error {
	_, err := db.sqldb.Exec(`
		UPDATE imagebuilders SET
			upstream_url=?, archive_path=?, root_dir=?, checksum=?,
			signature_verified=?, state=?, first_used_at=?, last_used_at=?
		WHERE id=?`,
		r.UpstreamURL, nullString(r.ArchivePath), r.RootDir, nullString(r.Checksum),
		r.SignatureVerified, r.State, timeToNull(r.FirstUsedAt), timeToNull(r.LastUsedAt),
		r.ID,
	)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to update imagebuilder", err)
	}
	return nil
}

// ListImageBuilders lists Image Builders, filtered by any non-empty of
// release/target/subtarget/state.
func (db *DB) ListImageBuilders(release, target, subtarget, state string) ([]*ImageBuilderRecord, error) {
	query := `SELECT ` + imageBuilderColumns + ` FROM imagebuilders WHERE 1=1`
	var args []any
	if release != "" {
		query += " AND openwrt_release = ?"
		args = append(args, release)
	}
	if target != "" {
		query += " AND target = ?"
		args = append(args, target)
	}
	if subtarget != "" {
		query += " AND subtarget = ?"
		args = append(args, subtarget)
	}
	if state != "" {
		query += " AND state = ?"
		args = append(args, state)
	}
	query += " ORDER BY openwrt_release, target, subtarget"

	rows, err := db.sqldb.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to list imagebuilders", err)
	}
	defer rows.Close()

	var out []*ImageBuilderRecord
	for rows.Next() {
		rec, err := scanImageBuilder(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to scan imagebuilder row", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// DeleteImageBuilder removes an Image Builder row by id (used by prune).
func (db *DB) DeleteImageBuilder(id int64) error {
	_, err := db.sqldb.Exec(`DELETE FROM imagebuilders WHERE id = ?`, id)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to delete imagebuilder", err)
	}
	return nil
}

// TouchImageBuilderUsage sets last_used_at (and first_used_at if unset) to now.
func (db *DB) TouchImageBuilderUsage(id int64) error {
	now := time.Now().UTC().Format(timeLayout)
	_, err := db.sqldb.Exec(`
		UPDATE imagebuilders SET
			last_used_at = ?,
			first_used_at = COALESCE(first_used_at, ?)
		WHERE id = ?`, now, now, id)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to touch imagebuilder usage", err)
	}
	return nil
}
