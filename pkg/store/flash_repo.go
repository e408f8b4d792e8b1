package store

import (
	"database/sql"
	"time"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

const flashColumns = `id, artifact_id, build_id, device_path, device_model, device_serial,
	requested_at, started_at, finished_at, status, wiped_before_flash,
	verification_mode, verification_result, log_path, error_type, error_message`

func scanFlash(row scannable) (*FlashRecord, error) {
	var r FlashRecord
	var deviceModel, deviceSerial sql.NullString
	var requestedAt string
	var startedAt, finishedAt sql.NullString
	var verificationMode, verificationResult, logPath, errorType, errorMessage sql.NullString

	if err := row.Scan(
		&r.ID, &r.ArtifactID, &r.BuildID, &r.DevicePath, &deviceModel, &deviceSerial,
		&requestedAt, &startedAt, &finishedAt, &r.Status, &r.WipedBeforeFlash,
		&verificationMode, &verificationResult, &logPath, &errorType, &errorMessage,
	); err != nil {
		return nil, err
	}
	r.DeviceModel = deviceModel.String
	r.DeviceSerial = deviceSerial.String
	r.VerificationMode = verificationMode.String
	r.VerificationResult = verificationResult.String
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

// CreateFlash inserts a new flash record, typically in PENDING state.
func (db *DB) CreateFlash(r *FlashRecord) (int64, error) {
	if r.RequestedAt.IsZero() {
		r.RequestedAt = time.Now().UTC()
	}
	res, err := db.sqldb.Exec(`
		INSERT INTO flash_records (artifact_id, build_id, device_path, device_model, device_serial,
			requested_at, started_at, finished_at, status, wiped_before_flash,
			verification_mode, verification_result, log_path, error_type, error_message)
		VALUES (?,?,?,?,?, ?,?,?,?,?, ?,?,?,?,?)`,
		r.ArtifactID, r.BuildID, r.DevicePath, nullString(r.DeviceModel), nullString(r.DeviceSerial),
		r.RequestedAt.Format(timeLayout), timeToNull(r.StartedAt), timeToNull(r.FinishedAt), r.Status, r.WipedBeforeFlash,
		nullString(r.VerificationMode), nullString(r.VerificationResult), nullString(r.LogPath), nullString(r.ErrorType), nullString(r.ErrorMessage),
	)
	if err != nil {
		return 0, errs.Wrap(errs.KindOSError, "failed to insert flash record", err)
	}
	return res.LastInsertId()
}

// GetFlash fetches a flash record by id.
func (db *DB) GetFlash(id int64) (*FlashRecord, error) {
	row := db.sqldb.QueryRow(`SELECT `+flashColumns+` FROM flash_records WHERE id = ?`, id)
	rec, err := scanFlash(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindBuildNotFound, "flash record not found")
	}
	return rec, err
}

// ListFlashes lists flash records, optionally filtered by artifact row id
// and/or status.
func (db *DB) ListFlashes(artifactID int64, status string) ([]*FlashRecord, error) {
	query := `SELECT ` + flashColumns + ` FROM flash_records WHERE 1=1`
	var args []any
	if artifactID != 0 {
		query += " AND artifact_id = ?"
		args = append(args, artifactID)
	}
	if status != "" {
		query += " AND status = ?"
		args = append(args, status)
	}
	query += " ORDER BY requested_at DESC"

	rows, err := db.sqldb.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to list flash records", err)
	}
	defer rows.Close()

	var out []*FlashRecord
	for rows.Next() {
		rec, err := scanFlash(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to scan flash record", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateFlash persists status/timing/verification/error fields.
func (db *DB) UpdateFlash(r *FlashRecord) error {
	_, err := db.sqldb.Exec(`
		UPDATE flash_records SET
			status=?, started_at=?, finished_at=?, wiped_before_flash=?,
			verification_mode=?, verification_result=?, log_path=?, error_type=?, error_message=?
		WHERE id=?`,
		r.Status, timeToNull(r.StartedAt), timeToNull(r.FinishedAt), r.WipedBeforeFlash,
		nullString(r.VerificationMode), nullString(r.VerificationResult), nullString(r.LogPath), nullString(r.ErrorType), nullString(r.ErrorMessage),
		r.ID,
	)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to update flash record", err)
	}
	return nil
}
