// Package flash is the high-level flash orchestrator: given an artifact or
// a bare image path and a target device, it validates the device, writes
// the image with verification, and records a FlashRecord for the attempt.
package flash

import (
	"os"
	"path/filepath"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/device"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/writer"
)

// Service orchestrates flash requests against validated devices.
type Service struct {
	db           *store.DB
	writer       *writer.Writer
	artifactsDir string
	log          *logrus.Entry
}

// Options configures a Service.
type Options struct {
	ArtifactsDir string
}

// New returns a flash Service.
func New(db *store.DB, log *logrus.Logger, opts Options) *Service {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Service{
		db:           db,
		writer:       writer.New(log),
		artifactsDir: opts.ArtifactsDir,
		log:          log.WithField("component", "flash"),
	}
}

// Plan is the outcome of validating a flash request without writing
// anything. It is returned as-is for dry runs.
type Plan struct {
	ImagePath        string
	ImageSize        int64
	DevicePath       string
	DeviceInfo       *device.Info
	WipeBefore       bool
	VerificationMode types.VerificationMode
	ArtifactID       int64
	BuildID          int64
}

// Request describes one flash invocation.
type Request struct {
	ImagePath          string
	DevicePath         string
	WipeBefore         bool
	VerificationMode   types.VerificationMode
	DryRun             bool
	SkipMountCheck     bool
	SkipSystemDeviceCheck bool
	ArtifactID         int64
	BuildID            int64
	ExpectedHash       string
}

// Result is the outcome of Flash or FlashArtifact.
type Result struct {
	Success            bool
	FlashRecordID      int64
	ImagePath          string
	DevicePath         string
	BytesWritten       int64
	SourceHash         string
	DeviceHash         string
	VerificationMode   types.VerificationMode
	VerificationResult types.VerificationResult
	ErrorMessage       string
}

func defaultValidateOptions(req Request) device.ValidateOptions {
	return device.ValidateOptions{
		CheckMount:        !req.SkipMountCheck,
		CheckSystemDevice: !req.SkipSystemDeviceCheck,
	}
}

// Plan validates the image and device without writing, computing the hash
// that would be used for verification.
func (s *Service) Plan(req Request) (*Plan, error) {
	info, err := os.Stat(req.ImagePath)
	if err != nil {
		return nil, errs.New(errs.KindImageNotFound, "image file not found: "+req.ImagePath)
	}

	devInfo, err := device.Validate(req.DevicePath, defaultValidateOptions(req))
	if err != nil {
		return nil, err
	}

	return &Plan{
		ImagePath:        req.ImagePath,
		ImageSize:        info.Size(),
		DevicePath:       devInfo.Path,
		DeviceInfo:       devInfo,
		WipeBefore:       req.WipeBefore,
		VerificationMode: req.VerificationMode,
		ArtifactID:       req.ArtifactID,
		BuildID:          req.BuildID,
	}, nil
}

// Flash writes req.ImagePath to req.DevicePath, recording a FlashRecord
// when ArtifactID and BuildID are both set. A DryRun validates and reports
// what would happen without performing the write.
func (s *Service) Flash(req Request) (*Result, error) {
	s.log.WithFields(logrus.Fields{
		"image": req.ImagePath, "device": req.DevicePath, "dry_run": req.DryRun,
	}).Info("flash requested")

	plan, err := s.Plan(req)
	if err != nil {
		return nil, err
	}

	if req.DryRun {
		s.log.Info("dry-run mode, not writing")
		return &Result{
			Success:            true,
			ImagePath:          plan.ImagePath,
			DevicePath:         plan.DevicePath,
			BytesWritten:       plan.ImageSize,
			VerificationMode:   plan.VerificationMode,
			VerificationResult: types.VerificationSkipped,
			ErrorMessage:       "dry-run mode: no write performed",
		}, nil
	}

	var flashRecordID int64
	var flashRecord *store.FlashRecord
	trackRecord := req.ArtifactID != 0 && req.BuildID != 0
	if trackRecord {
		flashRecord = &store.FlashRecord{
			ArtifactID: req.ArtifactID, BuildID: req.BuildID,
			DevicePath: plan.DevicePath, DeviceModel: plan.DeviceInfo.Model, DeviceSerial: plan.DeviceInfo.Serial,
			Status: string(types.FlashPending), WipedBeforeFlash: req.WipeBefore,
			VerificationMode: string(req.VerificationMode),
		}
		flashRecordID, err = s.db.CreateFlash(flashRecord)
		if err != nil {
			return nil, err
		}
		flashRecord.ID = flashRecordID

		now := time.Now().UTC()
		flashRecord.Status = string(types.FlashRunning)
		flashRecord.StartedAt = &now
		if err := s.db.UpdateFlash(flashRecord); err != nil {
			return nil, err
		}
	}

	writeResult, writeErr := s.writer.Write(plan.ImagePath, plan.DevicePath, writer.Options{
		WipeBefore:       req.WipeBefore,
		VerificationMode: req.VerificationMode,
		ExpectedHash:      req.ExpectedHash,
	})

	if writeErr != nil {
		s.log.WithError(writeErr).Error("flash failed")
		if trackRecord {
			finished := time.Now().UTC()
			verificationResult := string(types.VerificationSkipped)
			if errs.KindOf(writeErr) == errs.KindHashMismatch {
				verificationResult = string(types.VerificationMismatch)
			}
			flashRecord.Status = string(types.FlashFailed)
			flashRecord.FinishedAt = &finished
			flashRecord.VerificationResult = verificationResult
			flashRecord.ErrorType = string(errs.KindOf(writeErr))
			flashRecord.ErrorMessage = writeErr.Error()
			if err := s.db.UpdateFlash(flashRecord); err != nil {
				s.log.WithError(err).Error("failed to persist failed flash record")
			}
		}

		var sourceHash, deviceHash string
		if writeResult != nil {
			sourceHash = writeResult.SourceHash
			deviceHash = writeResult.DeviceHash
		}
		return &Result{
			Success: false, FlashRecordID: flashRecordID,
			ImagePath: plan.ImagePath, DevicePath: plan.DevicePath,
			SourceHash: sourceHash, DeviceHash: deviceHash,
			VerificationMode:   req.VerificationMode,
			VerificationResult: types.VerificationMismatch,
			ErrorMessage:       writeErr.Error(),
		}, writeErr
	}

	if trackRecord {
		finished := time.Now().UTC()
		flashRecord.Status = string(types.FlashSucceeded)
		flashRecord.FinishedAt = &finished
		flashRecord.VerificationResult = string(writeResult.VerificationResult)
		if err := s.db.UpdateFlash(flashRecord); err != nil {
			return nil, err
		}
	}

	s.log.WithFields(logrus.Fields{
		"bytes": writeResult.BytesWritten, "verification": writeResult.VerificationResult,
	}).Info("flash succeeded")

	return &Result{
		Success: true, FlashRecordID: flashRecordID,
		ImagePath: plan.ImagePath, DevicePath: plan.DevicePath,
		BytesWritten: writeResult.BytesWritten, SourceHash: writeResult.SourceHash, DeviceHash: writeResult.DeviceHash,
		VerificationMode: writeResult.VerificationMode, VerificationResult: writeResult.VerificationResult,
	}, nil
}

// artifactPath resolves an artifact's file path, preferring an absolute
// path over one relative to artifactsDir.
func (s *Service) artifactPath(a *store.ArtifactRecord) string {
	if a.AbsolutePath != "" {
		return a.AbsolutePath
	}
	return filepath.Join(s.artifactsDir, a.RelativePath)
}

// FlashArtifact flashes an artifact already recorded in the database,
// using its stored hash for verification and recording a FlashRecord tied
// to it.
func (s *Service) FlashArtifact(artifactID int64, req Request) (*Result, error) {
	s.log.WithField("artifact_id", artifactID).Info("flash artifact requested")

	artifact, err := s.db.GetArtifact(artifactID)
	if err != nil {
		return nil, errs.New(errs.KindArtifactNotFound, "artifact not found")
	}

	path := s.artifactPath(artifact)
	if _, err := os.Stat(path); err != nil {
		return nil, errs.New(errs.KindArtifactFileNotFound, "artifact file not found on disk: "+path)
	}

	req.ImagePath = path
	req.ArtifactID = artifact.ID
	req.BuildID = artifact.BuildID
	// artifact.SHA256 is a whole-file hash, computed once at build time. It
	// is only valid as the expected hash when verification also reads back
	// the whole device; for a prefix mode the writer must recompute a
	// prefix-scoped hash itself; reusing the full-file hash here would
	// compare it against a short device read and always mismatch.
	if req.ExpectedHash == "" && (req.VerificationMode == types.VerifyFull || req.VerificationMode == types.VerifySkip) {
		req.ExpectedHash = artifact.SHA256
	}
	return s.Flash(req)
}

// GetFlash fetches a flash record by id.
func (s *Service) GetFlash(id int64) (*store.FlashRecord, error) {
	return s.db.GetFlash(id)
}

// ListFlashes lists flash records, optionally filtered by artifact row id
// and status.
func (s *Service) ListFlashes(artifactID int64, status string) ([]*store.FlashRecord, error) {
	return s.db.ListFlashes(artifactID, status)
}
