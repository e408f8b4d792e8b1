package store

import (
	"database/sql"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

const artifactColumns = `id, build_id, kind, relative_path, absolute_path, filename, size_bytes, sha256, labels`

func scanArtifact(row scannable) (*ArtifactRecord, error) {
	var r ArtifactRecord
	var kind, absolutePath, labels sql.NullString

	if err := row.Scan(&r.ID, &r.BuildID, &kind, &r.RelativePath, &absolutePath, &r.Filename, &r.SizeBytes, &r.SHA256, &labels); err != nil {
		return nil, err
	}
	r.Kind = kind.String
	r.AbsolutePath = absolutePath.String
	var err error
	if r.Labels, err = unmarshalList(labels.String); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateArtifact inserts one artifact row. (build_id, relative_path) is
// unique; a duplicate insert fails with KindCacheConflict.
func (db *DB) CreateArtifact(r *ArtifactRecord) (int64, error) {
	labels, err := marshalList(r.Labels)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "failed to marshal labels", err)
	}
	res, err := db.sqldb.Exec(`
		INSERT INTO artifacts (build_id, kind, relative_path, absolute_path, filename, size_bytes, sha256, labels)
		VALUES (?,?,?,?,?,?,?,?)`,
		r.BuildID, nullString(r.Kind), r.RelativePath, nullString(r.AbsolutePath), r.Filename, r.SizeBytes, r.SHA256, labels,
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, errs.New(errs.KindCacheConflict, "artifact already recorded for this build: "+r.RelativePath)
		}
		return 0, errs.Wrap(errs.KindOSError, "failed to insert artifact", err)
	}
	return res.LastInsertId()
}

// ListArtifactsForBuild returns every artifact of a build, ordered by
// relative_path.
func (db *DB) ListArtifactsForBuild(buildID int64) ([]*ArtifactRecord, error) {
	rows, err := db.sqldb.Query(`SELECT `+artifactColumns+` FROM artifacts WHERE build_id = ? ORDER BY relative_path`, buildID)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to list artifacts", err)
	}
	defer rows.Close()

	var out []*ArtifactRecord
	for rows.Next() {
		rec, err := scanArtifact(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to scan artifact", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// GetArtifact fetches a single artifact row by id.
func (db *DB) GetArtifact(id int64) (*ArtifactRecord, error) {
	row := db.sqldb.QueryRow(`SELECT `+artifactColumns+` FROM artifacts WHERE id = ?`, id)
	rec, err := scanArtifact(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindArtifactNotFound, "artifact not found")
	}
	return rec, err
}
