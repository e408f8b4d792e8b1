// Package build is the high-level build orchestrator: given a profile and
// a ready Image Builder, it stages overlays, computes the cache key,
// reuses a previous build when the key matches, and otherwise runs the
// build and persists its resulting artifacts.
package build

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/artifacts"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/buildrunner"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/cachekey"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/lock"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/overlay"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

const defaultLockTimeout = 5 * time.Minute

// Service orchestrates build-or-reuse requests.
type Service struct {
	db           *store.DB
	locker       *lock.Locker
	overlay      *overlay.Stager
	runner       *buildrunner.Runner
	discoverer   *artifacts.Discoverer
	artifactsDir string
	buildTimeout time.Duration
	log          *logrus.Entry
}

// Options configures a Service.
type Options struct {
	ArtifactsDir string
	BuildTimeout time.Duration
}

// New returns a build Service.
func New(db *store.DB, log *logrus.Logger, opts Options) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		db:           db,
		locker:       lock.New(filepath.Join(opts.ArtifactsDir, ".locks")),
		overlay:      overlay.New(log),
		runner:       buildrunner.New(log),
		discoverer:   artifacts.New(log),
		artifactsDir: opts.ArtifactsDir,
		buildTimeout: opts.BuildTimeout,
		log:          log.WithField("component", "build"),
	}
}

// Request describes one build-or-reuse invocation.
type Request struct {
	Profile        *types.Profile
	ProfileRowID   int64
	ImageBuilder   *store.ImageBuilderRecord
	ForceRebuild   bool
	ExtraPackages  []string
	BuildOptions   map[string]any
	BasePath       string
}

// Outcome is the result of BuildOrReuse.
type Outcome struct {
	Build      *store.BuildRecord
	IsCacheHit bool
	Artifacts  []types.ArtifactInfo
}

// BuildOrReuse stages overlay content, computes the cache key, and either
// reuses an existing succeeded build with the same key or runs a fresh
// build, persisting the BuildRecord and its Artifact rows.
func (s *Service) BuildOrReuse(ctx context.Context, req Request) (*Outcome, error) {
	if !buildrunner.ValidateImageBuilderRoot(req.ImageBuilder.RootDir) {
		return nil, errs.New(errs.KindInvalidImageBuilder, "image builder root is invalid: "+req.ImageBuilder.RootDir)
	}

	basePath := req.BasePath
	if basePath == "" {
		var err error
		basePath, err = os.Getwd()
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to resolve working directory", err)
		}
	}

	var overlayHash *string
	var stagingDir string
	if overlay.HasOverlayContent(req.Profile) {
		dir, err := os.MkdirTemp("", "owrt_overlay_")
		if err != nil {
			return nil, errs.Wrap(errs.KindOSError, "failed to create overlay staging directory", err)
		}
		stagingDir = dir
		defer os.RemoveAll(stagingDir)

		_, hash, err := s.overlay.StageAndHash(stagingDir, req.Profile, basePath)
		if err != nil {
			return nil, err
		}
		overlayHash = &hash
		s.log.WithField("overlay_hash", hash).Info("staged overlay")
	}

	cacheKey, buildInputs, err := cachekey.ComputeFromProfile(req.Profile, overlayHash, req.ExtraPackages, req.BuildOptions)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to compute cache key", err)
	}
	s.log.WithField("cache_key", cacheKey).Info("computed cache key")

	lockCtx, cancel := context.WithTimeout(ctx, defaultLockTimeout)
	defer cancel()
	handle, err := s.locker.Lock(lockCtx, "build_"+cacheKey, nil)
	if err != nil {
		return nil, err
	}
	defer handle.Release()

	if !req.ForceRebuild {
		cached, err := s.db.FindCachedBuild(cacheKey)
		if err != nil {
			return nil, err
		}
		if cached != nil {
			s.log.WithField("build_id", cached.ID).Info("cache hit, reusing build")
			if err := s.db.TouchImageBuilderUsage(req.ImageBuilder.ID); err != nil {
				return nil, err
			}
			existingArtifacts, err := s.db.ListArtifactsForBuild(cached.ID)
			if err != nil {
				return nil, err
			}
			return &Outcome{Build: cached, IsCacheHit: true, Artifacts: toArtifactInfos(existingArtifacts)}, nil
		}
	}

	snapshotJSON, err := json.Marshal(buildInputs)
	if err != nil {
		return nil, errs.Wrap(errs.KindInternal, "failed to marshal build inputs", err)
	}

	buildID, err := s.db.CreateBuild(&store.BuildRecord{
		ProfileID:      req.ProfileRowID,
		ImageBuilderID: req.ImageBuilder.ID,
		Status:         string(types.BuildPending),
		CacheKey:       cacheKey,
		InputSnapshot:  string(snapshotJSON),
	})
	if err != nil {
		return nil, err
	}
	s.log.WithField("build_id", buildID).Info("created build record")

	buildDir := filepath.Join(
		s.artifactsDir, req.Profile.OpenWrtRelease, req.Profile.Target, req.Profile.Subtarget,
		req.Profile.ProfileID, fmt.Sprintf("%08d_%s", buildID, randomHex(4)),
	)
	if err := os.MkdirAll(buildDir, 0o755); err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to create build directory", err)
	}

	now := time.Now().UTC()
	build := &store.BuildRecord{
		ID: buildID, ProfileID: req.ProfileRowID, ImageBuilderID: req.ImageBuilder.ID,
		Status: string(types.BuildRunning), CacheKey: cacheKey, BuildDir: buildDir, StartedAt: &now,
	}
	if err := s.db.UpdateBuild(build); err != nil {
		return nil, err
	}

	result, runErr := s.runner.Run(ctx, req.Profile, buildrunner.Options{
		ImageBuilderRoot: req.ImageBuilder.RootDir,
		BuildDir:         buildDir,
		FilesDir:         stagingDir,
		ExtraPackages:    req.ExtraPackages,
		Timeout:          s.buildTimeout,
	})

	finished := time.Now().UTC()
	build.FinishedAt = &finished

	if runErr != nil {
		build.Status = string(types.BuildFailed)
		build.ErrorType = string(errs.KindOf(runErr))
		build.ErrorMessage = runErr.Error()
		if updateErr := s.db.UpdateBuild(build); updateErr != nil {
			s.log.WithError(updateErr).Error("failed to persist failed build status")
		}
		return nil, runErr
	}

	build.LogPath = result.LogPath

	if !result.Success {
		build.Status = string(types.BuildFailed)
		build.ErrorType = string(errs.KindBuildError)
		build.ErrorMessage = result.ErrorMessage
		if err := s.db.UpdateBuild(build); err != nil {
			return nil, err
		}
		s.log.WithField("build_id", buildID).Error(result.ErrorMessage)
		return nil, errs.New(errs.KindBuildError, result.ErrorMessage)
	}

	discovered, manifest, err := s.discoverer.DiscoverAndManifest(
		result.BinDir, filepath.Join(buildDir, "manifest.json"), s.artifactsDir,
		artifacts.ManifestOptions{BuildID: &buildID, CacheKey: cacheKey, ProfileID: req.Profile.ProfileID, BuildInputs: inputsToMap(buildInputs)},
	)
	if err != nil {
		return nil, err
	}
	_ = manifest

	for _, a := range discovered {
		absPath := filepath.Join(result.BinDir, a.Filename)
		var absPathPtr string
		if _, err := os.Stat(absPath); err == nil {
			absPathPtr = absPath
		}
		if _, err := s.db.CreateArtifact(&store.ArtifactRecord{
			BuildID: buildID, Kind: a.Kind, RelativePath: a.RelativePath,
			AbsolutePath: absPathPtr, Filename: a.Filename, SizeBytes: a.SizeBytes,
			SHA256: a.SHA256, Labels: a.Labels,
		}); err != nil {
			return nil, err
		}
	}

	build.Status = string(types.BuildSucceeded)
	if err := s.db.UpdateBuild(build); err != nil {
		return nil, err
	}
	if err := s.db.TouchImageBuilderUsage(req.ImageBuilder.ID); err != nil {
		return nil, err
	}

	s.log.WithFields(logrus.Fields{"build_id": buildID, "artifacts": len(discovered)}).Info("build succeeded")
	return &Outcome{Build: build, IsCacheHit: false, Artifacts: discovered}, nil
}

// Get fetches a build record by id.
func (s *Service) Get(buildID int64) (*store.BuildRecord, error) {
	return s.db.GetBuild(buildID)
}

// List lists build records, optionally filtered by profile row id and status.
func (s *Service) List(profileID int64, status string) ([]*store.BuildRecord, error) {
	return s.db.ListBuilds(profileID, status)
}

// GetArtifacts returns every artifact of a build, failing with
// KindBuildNotFound if the build does not exist.
func (s *Service) GetArtifacts(buildID int64) ([]*store.ArtifactRecord, error) {
	if _, err := s.db.GetBuild(buildID); err != nil {
		return nil, err
	}
	return s.db.ListArtifactsForBuild(buildID)
}

func toArtifactInfos(records []*store.ArtifactRecord) []types.ArtifactInfo {
	out := make([]types.ArtifactInfo, 0, len(records))
	for _, r := range records {
		out = append(out, types.ArtifactInfo{
			Filename: r.Filename, RelativePath: r.RelativePath, SizeBytes: r.SizeBytes,
			SHA256: r.SHA256, Kind: r.Kind, Labels: r.Labels,
		})
	}
	return out
}

func inputsToMap(inputs cachekey.BuildInputs) map[string]any {
	data, err := json.Marshal(inputs)
	if err != nil {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil
	}
	return m
}

func randomHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "00000000"[:n*2]
	}
	return hex.EncodeToString(b)
}
