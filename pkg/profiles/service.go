package profiles

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// Service provides CRUD, query, and bulk import/export operations for
// device build profiles.
type Service struct {
	db  *store.DB
	log *logrus.Entry
}

// New returns a profiles Service.
func New(db *store.DB, log *logrus.Logger) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{db: db, log: log.WithField("component", "profiles")}
}

func recordToProfile(r *store.ProfileRecord) (*types.Profile, error) {
	p := &types.Profile{
		ProfileID: r.ProfileID, Name: r.Name, Description: r.Description, DeviceID: r.DeviceID,
		Tags: r.Tags, OpenWrtRelease: r.OpenWrtRelease, Target: r.Target, Subtarget: r.Subtarget,
		ImageBuilderProfile: r.ImageBuilderProfile, Packages: r.Packages, PackagesRemove: r.PackagesRemove,
		OverlayDir: r.OverlayDir, BinDir: r.BinDir, ExtraImageName: r.ExtraImageName,
		DisabledServices: r.DisabledServices, RootfsPartsize: r.RootfsPartsize, AddLocalKey: r.AddLocalKey,
		CreatedBy: r.CreatedBy, Notes: r.Notes,
	}
	if !r.CreatedAt.IsZero() {
		p.CreatedAt = r.CreatedAt.Format(time.RFC3339)
	}
	if !r.UpdatedAt.IsZero() {
		p.UpdatedAt = r.UpdatedAt.Format(time.RFC3339)
	}
	if r.FilesJSON != "" {
		if err := json.Unmarshal([]byte(r.FilesJSON), &p.Files); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to decode stored files", err)
		}
	}
	if r.PoliciesJSON != "" {
		p.Policies = &types.ProfilePolicies{}
		if err := json.Unmarshal([]byte(r.PoliciesJSON), p.Policies); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to decode stored policies", err)
		}
	}
	if r.BuildDefaultsJSON != "" {
		p.BuildDefaults = &types.BuildDefaults{}
		if err := json.Unmarshal([]byte(r.BuildDefaultsJSON), p.BuildDefaults); err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to decode stored build defaults", err)
		}
	}
	return p, nil
}

func profileToRecord(p *types.Profile) (*store.ProfileRecord, error) {
	r := &store.ProfileRecord{
		ProfileID: p.ProfileID, Name: p.Name, Description: p.Description, DeviceID: p.DeviceID,
		Tags: p.Tags, OpenWrtRelease: p.OpenWrtRelease, Target: p.Target, Subtarget: p.Subtarget,
		ImageBuilderProfile: p.ImageBuilderProfile, Packages: p.Packages, PackagesRemove: p.PackagesRemove,
		OverlayDir: p.OverlayDir, BinDir: p.BinDir, ExtraImageName: p.ExtraImageName,
		DisabledServices: p.DisabledServices, RootfsPartsize: p.RootfsPartsize, AddLocalKey: p.AddLocalKey,
		CreatedBy: p.CreatedBy, Notes: p.Notes,
	}
	if len(p.Files) > 0 {
		data, err := json.Marshal(p.Files)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to encode files", err)
		}
		r.FilesJSON = string(data)
	}
	if p.Policies != nil {
		data, err := json.Marshal(p.Policies)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to encode policies", err)
		}
		r.PoliciesJSON = string(data)
	}
	if p.BuildDefaults != nil {
		data, err := json.Marshal(p.BuildDefaults)
		if err != nil {
			return nil, errs.Wrap(errs.KindInternal, "failed to encode build defaults", err)
		}
		r.BuildDefaultsJSON = string(data)
	}
	return r, nil
}

// Get fetches a profile by its stable profile_id.
func (s *Service) Get(profileID string) (*types.Profile, error) {
	rec, err := s.db.GetProfileByProfileID(profileID)
	if err != nil {
		return nil, err
	}
	return recordToProfile(rec)
}

// GetOrNone fetches a profile by profile_id, returning (nil, nil) when it
// does not exist.
func (s *Service) GetOrNone(profileID string) (*types.Profile, error) {
	rec, err := s.db.GetProfileOrNone(profileID)
	if err != nil || rec == nil {
		return nil, err
	}
	return recordToProfile(rec)
}

// Create validates and persists a new profile, failing with
// KindProfileExists if profile_id is already taken.
func (s *Service) Create(p *types.Profile) (*types.Profile, error) {
	if err := Validate(p); err != nil {
		return nil, err
	}
	rec, err := profileToRecord(p)
	if err != nil {
		return nil, err
	}
	if _, err := s.db.CreateProfile(rec); err != nil {
		return nil, err
	}
	s.log.WithField("profile_id", p.ProfileID).Info("created profile")
	return s.Get(p.ProfileID)
}

// Update validates and replaces an existing profile's mutable fields.
// profile_id is immutable; p.ProfileID must equal profileID.
func (s *Service) Update(profileID string, p *types.Profile) (*types.Profile, error) {
	if p.ProfileID != profileID {
		return nil, errs.New(errs.KindProfileIDMismatch,
			"schema profile_id '"+p.ProfileID+"' doesn't match update target '"+profileID+"'")
	}
	if err := Validate(p); err != nil {
		return nil, err
	}
	rec, err := profileToRecord(p)
	if err != nil {
		return nil, err
	}
	rec.ProfileID = profileID
	if err := s.db.UpdateProfile(rec); err != nil {
		return nil, err
	}
	s.log.WithField("profile_id", profileID).Info("updated profile")
	return s.Get(profileID)
}

// Delete removes a profile by profile_id.
func (s *Service) Delete(profileID string) error {
	if err := s.db.DeleteProfile(profileID); err != nil {
		return err
	}
	s.log.WithField("profile_id", profileID).Info("deleted profile")
	return nil
}

// CreateOrUpdate creates profile if its profile_id is new, or updates the
// existing row otherwise. The returned bool is true when a new profile was
// created.
func (s *Service) CreateOrUpdate(p *types.Profile) (*types.Profile, bool, error) {
	existing, err := s.GetOrNone(p.ProfileID)
	if err != nil {
		return nil, false, err
	}
	if existing == nil {
		created, err := s.Create(p)
		return created, true, err
	}
	updated, err := s.Update(p.ProfileID, p)
	return updated, false, err
}

// List returns every profile, ordered by profile_id.
func (s *Service) List() ([]*types.Profile, error) {
	return s.Query("", "", "", "", nil)
}

// Query returns profiles matching the given filters. An empty string or
// nil slice leaves that filter unconstrained. A profile must carry every
// tag in tags to match.
func (s *Service) Query(release, target, subtarget, deviceID string, tags []string) ([]*types.Profile, error) {
	tagFilter := ""
	if len(tags) > 0 {
		tagFilter = tags[0]
	}
	recs, err := s.db.ListProfiles(release, target, subtarget, deviceID, tagFilter)
	if err != nil {
		return nil, err
	}

	out := make([]*types.Profile, 0, len(recs))
	for _, rec := range recs {
		p, err := recordToProfile(rec)
		if err != nil {
			return nil, err
		}
		if !hasAllTags(p.Tags, tags) {
			continue
		}
		out = append(out, p)
	}
	return out, nil
}

func hasAllTags(have, want []string) bool {
	if len(want) == 0 {
		return true
	}
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

// ImportFromFile loads a profile file and creates or updates the
// corresponding row, never failing the call itself: errors are reported
// through the returned ImportResult so a directory import can continue
// past a single bad file.
func (s *Service) ImportFromFile(path string, updateExisting bool) ImportResult {
	profile, err := Load(path)
	if err != nil {
		return ImportResult{
			ProfileID: fallbackProfileID(path),
			Success:   false,
			Error:     err.Error(),
		}
	}

	existing, err := s.GetOrNone(profile.ProfileID)
	if err != nil {
		return ImportResult{ProfileID: profile.ProfileID, Success: false, Error: err.Error()}
	}
	if existing != nil && !updateExisting {
		return ImportResult{
			ProfileID: profile.ProfileID, Success: false,
			Error: "profile already exists: " + profile.ProfileID,
		}
	}

	if existing != nil {
		if _, err := s.Update(profile.ProfileID, profile); err != nil {
			return ImportResult{ProfileID: profile.ProfileID, Success: false, Error: err.Error()}
		}
		return ImportResult{ProfileID: profile.ProfileID, Success: true, Created: false}
	}

	if _, err := s.Create(profile); err != nil {
		return ImportResult{ProfileID: profile.ProfileID, Success: false, Error: err.Error()}
	}
	return ImportResult{ProfileID: profile.ProfileID, Success: true, Created: true}
}

func fallbackProfileID(path string) string {
	base := filepath.Base(path)
	return base[:len(base)-len(filepath.Ext(base))]
}

// ImportFromDirectory imports every file matching pattern (glob syntax, as
// in filepath.Match) within directory, in sorted filename order.
func (s *Service) ImportFromDirectory(directory, pattern string, updateExisting bool) (*BulkImportResult, error) {
	info, err := os.Stat(directory)
	if err != nil || !info.IsDir() {
		return nil, errs.New(errs.KindSourceNotFound, "directory not found: "+directory)
	}
	if pattern == "" {
		pattern = "*.yaml"
	}

	entries, err := os.ReadDir(directory)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to read directory "+directory, err)
	}

	var files []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if matched, _ := filepath.Match(pattern, e.Name()); matched {
			files = append(files, filepath.Join(directory, e.Name()))
		}
	}
	sort.Strings(files)

	result := &BulkImportResult{Total: len(files)}
	for _, f := range files {
		r := s.ImportFromFile(f, updateExisting)
		result.Results = append(result.Results, r)
		if r.Success {
			result.Succeeded++
		} else {
			result.Failed++
		}
	}
	return result, nil
}

// ExportToFile exports one profile to path (format chosen by extension).
func (s *Service) ExportToFile(profileID, path string) error {
	profile, err := s.Get(profileID)
	if err != nil {
		return err
	}
	return Export(profile, path)
}

// ExportToDirectory exports the given profile IDs (or every profile, when
// profileIDs is empty) to directory as format ("yaml" or "json"), one file
// per profile named after its sanitized profile_id. Returns the number of
// profiles exported.
func (s *Service) ExportToDirectory(directory string, profileIDs []string, format string) (int, error) {
	var ext string
	switch format {
	case "yaml", "":
		ext = ".yaml"
	case "json":
		ext = ".json"
	default:
		return 0, errs.New(errs.KindUnsupportedFormat, "unsupported format '"+format+"'. Use 'yaml' or 'json'")
	}

	if err := os.MkdirAll(directory, 0o755); err != nil {
		return 0, errs.Wrap(errs.KindOSError, "failed to create export directory "+directory, err)
	}
	resolvedDir, err := filepath.Abs(directory)
	if err != nil {
		return 0, errs.Wrap(errs.KindPathError, "failed to resolve export directory", err)
	}

	var profiles []*types.Profile
	if len(profileIDs) > 0 {
		for _, id := range profileIDs {
			p, err := s.Get(id)
			if err != nil {
				return 0, err
			}
			profiles = append(profiles, p)
		}
	} else {
		profiles, err = s.List()
		if err != nil {
			return 0, err
		}
	}

	count := 0
	for _, p := range profiles {
		safeID := sanitizeFilename(p.ProfileID)
		if safeID == "" {
			safeID = "profile_" + p.ProfileID
		}
		destPath := filepath.Join(resolvedDir, safeID+ext)
		resolvedDest, err := filepath.Abs(destPath)
		if err != nil {
			return count, errs.Wrap(errs.KindPathError, "failed to resolve export path", err)
		}
		if !withinDir(resolvedDest, resolvedDir) {
			return count, errs.New(errs.KindPathTraversal, "path traversal detected: "+safeID+ext+" would escape target directory")
		}

		if err := Export(p, resolvedDest); err != nil {
			return count, err
		}
		count++
	}
	return count, nil
}

func withinDir(path, dir string) bool {
	rel, err := filepath.Rel(dir, path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}
