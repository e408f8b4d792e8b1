// Package profiles manages device build profiles: validation, YAML/JSON
// import and export, and CRUD operations backed by the profile store.
package profiles

import (
	"regexp"
	"strings"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// profileIDPattern restricts profile_id to characters that are safe to use
// in filenames and cache keys.
var profileIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_.\-]+$`)

var supportedFilesystems = map[string]bool{"squashfs": true, "ext4": true}

const (
	maxTags      = 50
	maxListItems = 1000
)

// Validate checks a profile against every invariant the importer and API
// enforce: identity format, file destinations, list contents, and the
// snapshot/allow_snapshot policy. It does not touch the database, so it
// cannot detect a duplicate profile_id.
func Validate(p *types.Profile) error {
	if p.ProfileID == "" || len(p.ProfileID) > 255 {
		return errs.New(errs.KindValidation, "profile_id must be between 1 and 255 characters")
	}
	if !profileIDPattern.MatchString(p.ProfileID) {
		return errs.New(errs.KindValidation, "profile_id must match pattern "+profileIDPattern.String()+", got '"+p.ProfileID+"'")
	}
	if p.Name == "" || len(p.Name) > 255 {
		return errs.New(errs.KindValidation, "name must be between 1 and 255 characters")
	}
	if p.DeviceID == "" || len(p.DeviceID) > 255 {
		return errs.New(errs.KindValidation, "device_id must be between 1 and 255 characters")
	}
	if p.OpenWrtRelease == "" || len(p.OpenWrtRelease) > 50 {
		return errs.New(errs.KindValidation, "openwrt_release must be between 1 and 50 characters")
	}
	if p.Target == "" || len(p.Target) > 100 {
		return errs.New(errs.KindValidation, "target must be between 1 and 100 characters")
	}
	if p.Subtarget == "" || len(p.Subtarget) > 100 {
		return errs.New(errs.KindValidation, "subtarget must be between 1 and 100 characters")
	}
	if p.ImageBuilderProfile == "" || len(p.ImageBuilderProfile) > 255 {
		return errs.New(errs.KindValidation, "imagebuilder_profile must be between 1 and 255 characters")
	}

	if err := validateTags(p.Tags); err != nil {
		return err
	}
	if err := validateStringList("packages", p.Packages); err != nil {
		return err
	}
	if err := validateStringList("packages_remove", p.PackagesRemove); err != nil {
		return err
	}
	if err := validateStringList("disabled_services", p.DisabledServices); err != nil {
		return err
	}
	for _, f := range p.Files {
		if err := validateFileSpec(f); err != nil {
			return err
		}
	}
	if p.Policies != nil && p.Policies.Filesystem != "" && !supportedFilesystems[p.Policies.Filesystem] {
		return errs.New(errs.KindValidation, "filesystem must be one of squashfs, ext4, got '"+p.Policies.Filesystem+"'")
	}
	if p.RootfsPartsize != nil && *p.RootfsPartsize < 1 {
		return errs.New(errs.KindValidation, "rootfs_partsize must be at least 1")
	}

	return validateSnapshotPolicy(p)
}

func validateTags(tags []string) error {
	if tags == nil {
		return nil
	}
	if len(tags) > maxTags {
		return errs.New(errs.KindValidation, "too many tags (max 50)")
	}
	for _, tag := range tags {
		if strings.TrimSpace(tag) == "" {
			return errs.New(errs.KindValidation, "tags must be non-empty strings")
		}
	}
	return nil
}

func validateStringList(field string, items []string) error {
	if items == nil {
		return nil
	}
	if len(items) > maxListItems {
		return errs.New(errs.KindValidation, field+" list too large (max 1000 items)")
	}
	for _, item := range items {
		if strings.TrimSpace(item) == "" {
			return errs.New(errs.KindValidation, field+" items must be non-empty strings")
		}
		if strings.ContainsAny(item, " \t\n") {
			return errs.New(errs.KindValidation, field+" items must not contain whitespace, got '"+item+"'")
		}
	}
	return nil
}

var fileModePattern = regexp.MustCompile(`^0?[0-7]{3,4}$`)

func validateFileSpec(f types.FileSpec) error {
	if !strings.HasPrefix(f.Destination, "/") {
		return errs.New(errs.KindValidation, "destination must start with '/', got '"+f.Destination+"'")
	}
	if f.Mode != "" && !fileModePattern.MatchString(f.Mode) {
		return errs.New(errs.KindValidation, "mode must be a valid octal string (e.g. '0644'), got '"+f.Mode+"'")
	}
	return nil
}

// validateSnapshotPolicy enforces that an openwrt_release of "snapshot" is
// only used when the profile has explicitly opted into it, since snapshot
// builds can disappear from upstream mirrors without notice.
func validateSnapshotPolicy(p *types.Profile) error {
	if p.OpenWrtRelease != "snapshot" {
		return nil
	}
	if p.Policies == nil || !p.Policies.AllowSnapshot {
		return errs.New(errs.KindValidation, "openwrt_release='snapshot' requires policies.allow_snapshot=true")
	}
	return nil
}
