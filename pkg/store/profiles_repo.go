package store

import (
	"database/sql"
	"strings"
	"time"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

// CreateProfile inserts a new profile row. Fails with KindProfileExists if
// profile_id is already taken.
func (db *DB) CreateProfile(r *ProfileRecord) (int64, error) {
	tags, err := marshalList(r.Tags)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "failed to marshal tags", err)
	}
	packages, err := marshalList(r.Packages)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "failed to marshal packages", err)
	}
	packagesRemove, err := marshalList(r.PackagesRemove)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "failed to marshal packages_remove", err)
	}
	disabledServices, err := marshalList(r.DisabledServices)
	if err != nil {
		return 0, errs.Wrap(errs.KindInternal, "failed to marshal disabled_services", err)
	}

	now := time.Now().UTC()
	res, err := db.sqldb.Exec(`
		INSERT INTO profiles (
			profile_id, name, description, device_id, tags,
			openwrt_release, target, subtarget, imagebuilder_profile,
			packages, packages_remove, files, overlay_dir,
			policies, build_defaults, bin_dir, extra_image_name,
			disabled_services, rootfs_partsize, add_local_key,
			created_at, updated_at, created_by, notes
		) VALUES (?,?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?,?, ?,?,?, ?,?,?,?)`,
		r.ProfileID, r.Name, nullString(r.Description), r.DeviceID, tags,
		r.OpenWrtRelease, r.Target, r.Subtarget, r.ImageBuilderProfile,
		packages, packagesRemove, nullString(r.FilesJSON), nullString(r.OverlayDir),
		nullString(r.PoliciesJSON), nullString(r.BuildDefaultsJSON), nullString(r.BinDir), nullString(r.ExtraImageName),
		disabledServices, nullInt64(r.RootfsPartsize), nullBool(r.AddLocalKey),
		now.Format(timeLayout), now.Format(timeLayout), nullString(r.CreatedBy), nullString(r.Notes),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			return 0, errs.New(errs.KindProfileExists, "profile already exists: "+r.ProfileID)
		}
		return 0, errs.Wrap(errs.KindOSError, "failed to insert profile", err)
	}
	return res.LastInsertId()
}

// GetProfileByProfileID fetches a profile by its stable string id.
func (db *DB) GetProfileByProfileID(profileID string) (*ProfileRecord, error) {
	row := db.sqldb.QueryRow(`
		SELECT id, profile_id, name, description, device_id, tags,
			openwrt_release, target, subtarget, imagebuilder_profile,
			packages, packages_remove, files, overlay_dir,
			policies, build_defaults, bin_dir, extra_image_name,
			disabled_services, rootfs_partsize, add_local_key,
			created_at, updated_at, created_by, notes
		FROM profiles WHERE profile_id = ?`, profileID)
	rec, err := scanProfile(row)
	if err == sql.ErrNoRows {
		return nil, errs.New(errs.KindProfileNotFound, "profile not found: "+profileID)
	}
	return rec, err
}

// GetProfileOrNone fetches a profile by profile_id, returning (nil, nil) if
// not found instead of an error, for callers that treat absence as normal.
func (db *DB) GetProfileOrNone(profileID string) (*ProfileRecord, error) {
	rec, err := db.GetProfileByProfileID(profileID)
	if errs.KindOf(err) == errs.KindProfileNotFound {
		return nil, nil
	}
	return rec, err
}

// ListProfiles lists profiles, optionally filtered by release/target/subtarget/device/tag.
func (db *DB) ListProfiles(release, target, subtarget, deviceID, tag string) ([]*ProfileRecord, error) {
	query := `SELECT id, profile_id, name, description, device_id, tags,
			openwrt_release, target, subtarget, imagebuilder_profile,
			packages, packages_remove, files, overlay_dir,
			policies, build_defaults, bin_dir, extra_image_name,
			disabled_services, rootfs_partsize, add_local_key,
			created_at, updated_at, created_by, notes
		FROM profiles WHERE 1=1`
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
	if deviceID != "" {
		query += " AND device_id = ?"
		args = append(args, deviceID)
	}
	query += " ORDER BY profile_id"

	rows, err := db.sqldb.Query(query, args...)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to list profiles", err)
	}
	defer rows.Close()

	var out []*ProfileRecord
	for rows.Next() {
		rec, err := scanProfile(rows)
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to scan profile row", err)
		}
		if tag != "" && !containsString(rec.Tags, tag) {
			continue
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateProfile replaces a profile's mutable fields, bumping updated_at.
func (db *DB) UpdateProfile(r *ProfileRecord) error {
	tags, _ := marshalList(r.Tags)
	packages, _ := marshalList(r.Packages)
	packagesRemove, _ := marshalList(r.PackagesRemove)
	disabledServices, _ := marshalList(r.DisabledServices)

	res, err := db.sqldb.Exec(`
		UPDATE profiles SET
			name=?, description=?, device_id=?, tags=?,
			openwrt_release=?, target=?, subtarget=?, imagebuilder_profile=?,
			packages=?, packages_remove=?, files=?, overlay_dir=?,
			policies=?, build_defaults=?, bin_dir=?, extra_image_name=?,
			disabled_services=?, rootfs_partsize=?, add_local_key=?,
			updated_at=?, created_by=?, notes=?
		WHERE profile_id=?`,
		r.Name, nullString(r.Description), r.DeviceID, tags,
		r.OpenWrtRelease, r.Target, r.Subtarget, r.ImageBuilderProfile,
		packages, packagesRemove, nullString(r.FilesJSON), nullString(r.OverlayDir),
		nullString(r.PoliciesJSON), nullString(r.BuildDefaultsJSON), nullString(r.BinDir), nullString(r.ExtraImageName),
		disabledServices, nullInt64(r.RootfsPartsize), nullBool(r.AddLocalKey),
		time.Now().UTC().Format(timeLayout), nullString(r.CreatedBy), nullString(r.Notes),
		r.ProfileID,
	)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to update profile", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.KindProfileNotFound, "profile not found: "+r.ProfileID)
	}
	return nil
}

// DeleteProfile removes a profile by profile_id.
func (db *DB) DeleteProfile(profileID string) error {
	res, err := db.sqldb.Exec(`DELETE FROM profiles WHERE profile_id = ?`, profileID)
	if err != nil {
		return errs.Wrap(errs.KindOSError, "failed to delete profile", err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return errs.New(errs.KindProfileNotFound, "profile not found: "+profileID)
	}
	return nil
}

type scannable interface {
	Scan(dest ...any) error
}

func scanProfile(row scannable) (*ProfileRecord, error) {
	var r ProfileRecord
	var description, tags, packages, packagesRemove, files, overlayDir sql.NullString
	var policies, buildDefaults, binDir, extraImageName, disabledServices sql.NullString
	var rootfsPartsize sql.NullInt64
	var addLocalKey sql.NullBool
	var createdAt, updatedAt string
	var createdBy, notes sql.NullString

	if err := row.Scan(
		&r.ID, &r.ProfileID, &r.Name, &description, &r.DeviceID, &tags,
		&r.OpenWrtRelease, &r.Target, &r.Subtarget, &r.ImageBuilderProfile,
		&packages, &packagesRemove, &files, &overlayDir,
		&policies, &buildDefaults, &binDir, &extraImageName,
		&disabledServices, &rootfsPartsize, &addLocalKey,
		&createdAt, &updatedAt, &createdBy, &notes,
	); err != nil {
		return nil, err
	}

	r.Description = description.String
	r.OverlayDir = overlayDir.String
	r.PoliciesJSON = policies.String
	r.BuildDefaultsJSON = buildDefaults.String
	r.BinDir = binDir.String
	r.ExtraImageName = extraImageName.String
	r.CreatedBy = createdBy.String
	r.Notes = notes.String
	r.FilesJSON = files.String

	var err error
	if r.Tags, err = unmarshalList(tags.String); err != nil {
		return nil, err
	}
	if r.Packages, err = unmarshalList(packages.String); err != nil {
		return nil, err
	}
	if r.PackagesRemove, err = unmarshalList(packagesRemove.String); err != nil {
		return nil, err
	}
	if r.DisabledServices, err = unmarshalList(disabledServices.String); err != nil {
		return nil, err
	}
	if rootfsPartsize.Valid {
		v := int(rootfsPartsize.Int64)
		r.RootfsPartsize = &v
	}
	if addLocalKey.Valid {
		r.AddLocalKey = &addLocalKey.Bool
	}

	if t, err := time.Parse(timeLayout, createdAt); err == nil {
		r.CreatedAt = t.UTC()
	}
	if t, err := time.Parse(timeLayout, updatedAt); err == nil {
		r.UpdatedAt = t.UTC()
	}

	return &r, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}
