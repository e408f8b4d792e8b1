// Package imagebuilder is the Image Builder cache (C4): it discovers
// upstream archive URLs, downloads and verifies them, extracts them into a
// per-(release,target,subtarget) cache directory, and tracks their
// lifecycle state in the persistence layer.
package imagebuilder

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/lock"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// Service manages the cache of downloaded Image Builder toolchains.
type Service struct {
	db         *store.DB
	locker     *lock.Locker
	cacheDir   string
	baseURL    string
	offline    bool
	httpClient *http.Client
	log        *logrus.Entry
}

// Options configures a Service.
type Options struct {
	CacheDir   string
	BaseURL    string
	Offline    bool
	HTTPClient *http.Client
}

// New returns an Image Builder Service backed by db, locking downloads
// under a ".locks" directory inside cacheDir.
func New(db *store.DB, log *logrus.Logger, opts Options) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Service{
		db:         db,
		locker:     lock.New(filepath.Join(opts.CacheDir, ".locks")),
		cacheDir:   opts.CacheDir,
		baseURL:    opts.BaseURL,
		offline:    opts.Offline,
		httpClient: httpClient,
		log:        log.WithField("component", "imagebuilder"),
	}
}

func lockKey(release, target, subtarget string) string {
	return release + ":" + target + ":" + subtarget
}

// Get fetches the Image Builder row for (release, target, subtarget),
// failing with KindImageBuilderNotFound if absent.
func (s *Service) Get(release, target, subtarget string) (*store.ImageBuilderRecord, error) {
	rec, err := s.db.GetImageBuilder(release, target, subtarget)
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, errs.New(errs.KindImageBuilderNotFound, "image builder not found: "+lockKey(release, target, subtarget))
	}
	return rec, nil
}

// List lists cached Image Builders, optionally filtered.
func (s *Service) List(release, target, subtarget string, state types.ImageBuilderState) ([]*store.ImageBuilderRecord, error) {
	return s.db.ListImageBuilders(release, target, subtarget, string(state))
}

// Ensure implements the ensure(R, T, S, force) -> READY state machine of
// SPEC_FULL.md §4.4.
func (s *Service) Ensure(ctx context.Context, release, target, subtarget string, force bool) (*store.ImageBuilderRecord, error) {
	rec, ready, err := s.checkExisting(release, target, subtarget, force)
	if err != nil {
		return nil, err
	}
	if ready {
		return rec, nil
	}

	if s.offline {
		return nil, errs.New(errs.KindOfflineMode, "cannot download image builder "+lockKey(release, target, subtarget)+" in offline mode")
	}

	handle, err := s.locker.Lock(ctx, lockKey(release, target, subtarget), nil)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	// Re-check: another process may have raced us to READY.
	rec, ready, err = s.checkExisting(release, target, subtarget, force)
	if err != nil {
		return nil, err
	}
	if ready {
		return rec, nil
	}

	return s.downloadAndExtract(ctx, release, target, subtarget, rec)
}

// checkExisting implements steps 1-3 of the Ensure state machine: returns
// (record, true, nil) if an existing READY builder can be reused as-is.
func (s *Service) checkExisting(release, target, subtarget string, force bool) (*store.ImageBuilderRecord, bool, error) {
	rec, err := s.db.GetImageBuilder(release, target, subtarget)
	if err != nil {
		return nil, false, err
	}
	if rec == nil {
		return nil, false, nil
	}

	switch types.ImageBuilderState(rec.State) {
	case types.ImageBuilderReady:
		if _, statErr := os.Stat(rec.RootDir); statErr == nil {
			if !force {
				if err := s.db.TouchImageBuilderUsage(rec.ID); err != nil {
					return nil, false, err
				}
				return rec, true, nil
			}
		} else {
			rec.State = string(types.ImageBuilderBroken)
			if err := s.db.UpdateImageBuilder(rec); err != nil {
				return nil, false, err
			}
		}
	case types.ImageBuilderBroken:
		if !force {
			return nil, false, errs.New(errs.KindImageBuilderBroken, "image builder is broken: "+lockKey(release, target, subtarget))
		}
	case types.ImageBuilderDeprecated:
		s.log.WithFields(logrus.Fields{"release": release, "target": target, "subtarget": subtarget}).
			Info("replacing deprecated image builder")
	}

	return rec, false, nil
}

func (s *Service) downloadAndExtract(ctx context.Context, release, target, subtarget string, rec *store.ImageBuilderRecord) (*store.ImageBuilderRecord, error) {
	urls := BuildURLs(release, target, subtarget, s.baseURL)

	if rec == nil {
		id, err := s.db.CreateImageBuilder(&store.ImageBuilderRecord{
			OpenWrtRelease: release,
			Target:         target,
			Subtarget:      subtarget,
			UpstreamURL:    urls.ArchiveURL,
			RootDir:        "",
			State:          string(types.ImageBuilderPending),
		})
		if err != nil {
			return nil, err
		}
		rec = &store.ImageBuilderRecord{ID: id, OpenWrtRelease: release, Target: target, Subtarget: subtarget, UpstreamURL: urls.ArchiveURL, State: string(types.ImageBuilderPending)}
	}

	builderDir := filepath.Join(s.cacheDir, release, target, subtarget)
	if err := os.MkdirAll(builderDir, 0o755); err != nil {
		return nil, s.markBroken(rec, errs.Wrap(errs.KindOSError, "failed to create builder directory", err))
	}

	archiveFilename := ArchiveFilename(urls.ArchiveURL)

	var expectedChecksum string
	checksumsContent, err := FetchChecksums(ctx, s.httpClient, urls.SHA256SumsURL)
	if err != nil {
		return nil, s.markBroken(rec, err)
	}
	expectedChecksum = ParseSHA256Sums(checksumsContent, archiveFilename)
	if expectedChecksum == "" {
		s.log.WithField("archive", archiveFilename).Warn("no checksum found in SHA256SUMS, proceeding without verification")
	}

	tmpPath := filepath.Join(builderDir, archiveFilename+".tmp")
	downloadResult, err := DownloadFile(ctx, s.httpClient, urls.ArchiveURL, tmpPath, expectedChecksum)
	if err != nil {
		os.Remove(tmpPath)
		return nil, s.markBroken(rec, err)
	}

	archivePath := filepath.Join(builderDir, archiveFilename)
	if err := os.Rename(downloadResult.ArchivePath, archivePath); err != nil {
		return nil, s.markBroken(rec, errs.Wrap(errs.KindOSError, "failed to move archive into place", err))
	}

	rootDir, err := ExtractArchive(archivePath, builderDir)
	if err != nil {
		return nil, s.markBroken(rec, err)
	}
	os.Remove(archivePath)

	now := time.Now().UTC()
	rec.RootDir = rootDir
	rec.Checksum = downloadResult.Checksum
	rec.UpstreamURL = urls.ArchiveURL
	rec.State = string(types.ImageBuilderReady)
	if rec.FirstUsedAt == nil {
		rec.FirstUsedAt = &now
	}
	rec.LastUsedAt = &now

	if err := s.db.UpdateImageBuilder(rec); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"release": release, "target": target, "subtarget": subtarget, "root_dir": rootDir}).
		Info("image builder ready")
	return rec, nil
}

func (s *Service) markBroken(rec *store.ImageBuilderRecord, cause error) error {
	rec.State = string(types.ImageBuilderBroken)
	if err := s.db.UpdateImageBuilder(rec); err != nil {
		s.log.WithError(err).Error("failed to persist broken image builder state")
	}
	return cause
}

// PruneOptions selects which cached Image Builders Prune removes. Exactly
// one of DeprecatedOnly or UnusedDays must be set; supplying both is a
// validation error.
type PruneOptions struct {
	DeprecatedOnly bool
	UnusedDays     *int
	DryRun         bool
}

// PrunedKey identifies one pruned (or would-be-pruned) Image Builder.
type PrunedKey struct {
	Release, Target, Subtarget string
}

// Prune removes Image Builders matching opts from both the cache
// directory and the database, or merely reports what would be removed
// when DryRun is set.
func (s *Service) Prune(opts PruneOptions) ([]PrunedKey, error) {
	if opts.DeprecatedOnly && opts.UnusedDays != nil {
		return nil, errs.New(errs.KindValidation, "deprecated_only and unused_days are mutually exclusive")
	}
	if !opts.DeprecatedOnly && opts.UnusedDays == nil {
		return nil, errs.New(errs.KindNoFilter, "prune requires either deprecated_only or unused_days")
	}

	var state string
	if opts.DeprecatedOnly {
		state = string(types.ImageBuilderDeprecated)
	}
	candidates, err := s.db.ListImageBuilders("", "", "", state)
	if err != nil {
		return nil, err
	}

	var cutoff time.Time
	if opts.UnusedDays != nil {
		cutoff = time.Now().UTC().AddDate(0, 0, -*opts.UnusedDays)
	}

	var pruned []PrunedKey
	for _, rec := range candidates {
		if opts.UnusedDays != nil {
			if rec.LastUsedAt != nil && rec.LastUsedAt.After(cutoff) {
				continue
			}
		}

		key := PrunedKey{Release: rec.OpenWrtRelease, Target: rec.Target, Subtarget: rec.Subtarget}

		if opts.DryRun {
			pruned = append(pruned, key)
			continue
		}

		builderDir := filepath.Join(s.cacheDir, rec.OpenWrtRelease, rec.Target, rec.Subtarget)
		if _, statErr := os.Stat(builderDir); statErr == nil {
			if err := os.RemoveAll(builderDir); err != nil {
				s.log.WithError(err).WithField("dir", builderDir).Error("failed to prune image builder directory")
				continue
			}
		}
		if err := s.db.DeleteImageBuilder(rec.ID); err != nil {
			s.log.WithError(err).Error("failed to delete image builder row")
			continue
		}
		pruned = append(pruned, key)
	}

	return pruned, nil
}

// CacheSize returns the total size in bytes of everything under cacheDir.
func CacheSize(cacheDir string) (int64, error) {
	var total int64
	err := filepath.Walk(cacheDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if !info.IsDir() {
			total += info.Size()
		}
		return nil
	})
	if err != nil {
		return 0, errs.Wrap(errs.KindOSError, "failed to compute cache size", err)
	}
	return total, nil
}
