package store

import (
	"database/sql"
	"time"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

const buildColumns = `id, profile_id, imagebuilder_id, status, requested_at, started_at,
	finished_at, input_snapshot, cache_key, build_dir, log_path, error_type, error_message, is_cache_hit`

func scanBuild(row scannable) (*BuildRecord, error) {
	var r BuildRecord
	var startedAt, finishedAt sql.NullString
	var inputSnapshot, buildDir, logPath, errorType, errorMessage sql.NullString
	var requestedAt string

	if err := row.Scan(
		&r.ID, &r.ProfileID, &r.ImageBuilderID, &r.Status, &requestedAt, &startedAt,
		&finishedAt, &inputSnapshot, &r.CacheKey, &buildDir, &logPath, &errorType, &errorMessage, &r.IsCacheHit,
	); err != nil {
		return nil, err
	}
	r.InputSnapshot = inputSnapshot.String
	r.BuildDir = buildDir.String
	r.LogPath = logPath.String
	r.ErrorType = errorType.String
	r.ErrorMessage = errorMessage.String

	if t, err := time.Parse(timeLayout, requestedAt); err == nil {
		r.RequestedAt = t.UTC()
	}
	var err error
	if r.StartedAt, err = nullToTime(startedAt); err != nil {
		return nil, err
	}
	if r.FinishedAt, err = nullToTime(finishedAt); err != nil {
		return nil, err
	}
	return &r, nil
}

// CreateBuild inserts a new build record, typically in PENDING state.
func (db *DB) CreateBuild(r *BuildRecord) (int64, error) {
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	res, err := db.sqldb.Exec(`
		INSERT INTO build_records (profile_id, imagebuilder_id, status, requested_at,
			started_at, finished_at, input_snapshot, cache_key, build_dir, log_path,
			error_type, error_message, is_cache_hit)
		VALUES (?,?,?,?, ?,?,?,?,?,?, ?,?,?)`,
		r.ProfileID, r.ImageBuilderID, r.Status, r.RequestedAt.Format(timeLayout),
		timeToNull(r.StartedAt), timeToNull(r.FinishedAt), nullString(r.InputSnapshot), r.CacheKey,
		nullString(r.BuildDir), nullString(r.LogPath), nullString(r.ErrorType), nullString(r.ErrorMessage), r.IsCacheHit,
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindOSError, "failed to insert build record", err)
	}
	return res.LastInsertId()
}

// GetBuild fetches a build record by id.
func (db *DB) GetBuild(id int64) (*BuildRecord, error) {
	row := db.sqldb.QueryRow(`SELECT `+buildColumns+` FROM build_records WHERE id = ?`, id)
	rec, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindBuildNotFound, "build not found")
	}
	return rec, err
}

// FindCachedBuild looks up the most recent SUCCEEDED build for cache_key,
// used by the build orchestrator to decide whether a rebuild can be
// skipped.
func (db *DB) FindCachedBuild(cacheKey string) (*BuildRecord, error) {
	row := db.sqldb.QueryRow(`
		SELECT `+buildColumns+` FROM build_records
		WHERE cache_key = ? AND status = 'succeeded'
		ORDER BY finished_at DESC LIMIT 1`, cacheKey)
	rec, err := scanBuild(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	return rec, err
}

// ListBuilds lists build records, optionally filtered by profile row id
// and/or status.
func (db *DB) ListBuilds(profileID int64, status string) ([]*BuildRecord, error) {
	query := `SELECT ` + buildColumns + ` FROM build_records WHERE 1=1`
	var args []any
	if profileID != 0 {
		query += " AND profile_id = ?"
		args = append(args, profileID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY requested_at DESC"

	rows, err := db.sqldb.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to list build records", err)
	}
	defer rows.Close()

	var out []*BuildRecord
	for rows.Next() {
		rec, err := scanBuild(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to scan build record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateBuild persists status/timing/error fields of a build record.
func (db *DB) UpdateBuild(r *BuildRecord) error {
	_, err := db.sqldb.Exec(`
		UPDATE build_records SET
			status=?, started_at=?, finished_at=?, build_dir=?, log_path=?,
			error_type=?, error_message=?, is_cache_hit=?
		WHERE id=?`,
		r.Status, timeToNull(r.StartedAt), timeToNull(r.FinishedAt), nullString(r.BuildDir), nullString(r.LogPath),
		nullString(r.ErrorType), nullString(r.ErrorMessage), r.IsCacheHit, r.ID,
	)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to update build record", err)
	}
	return nil
}
