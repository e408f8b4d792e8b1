package flash

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

func setupService(t *testing.T) (*Service, *store.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logrus.New(), Options{ArtifactsDir: t.TempDir()}), db
}

func makeImage(t *testing.T, dir string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, "openwrt-sysupgrade.bin")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func makeTargetDevice(t *testing.T, dir string, size int) string {
	t.Helper()
	path := filepath.Join(dir, "fake-device.img")
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFlashWritesAndVerifies(t *testing.T) {
	svc, _ := setupService(t)
	dir := t.TempDir()
	data := []byte("openwrt firmware bytes for the test device")
	imagePath := makeImage(t, dir, data)
	devicePath := makeTargetDevice(t, dir, len(data))

	result, err := svc.Flash(Request{
		ImagePath:        imagePath,
		DevicePath:       devicePath,
		VerificationMode: types.VerifyFull,
		SkipMountCheck:     true,
		SkipSystemDeviceCheck: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.VerificationResult != types.VerificationMatch {
		t.Fatalf("expected successful flash, got %+v", result)
	}
	if result.FlashRecordID != 0 {
		t.Fatalf("expected no flash record without artifact/build IDs, got %d", result.FlashRecordID)
	}
}

func TestFlashDryRunDoesNotWrite(t *testing.T) {
	svc, _ := setupService(t)
	dir := t.TempDir()
	data := []byte("some firmware content")
	imagePath := makeImage(t, dir, data)
	devicePath := makeTargetDevice(t, dir, len(data))
	original, _ := os.ReadFile(devicePath)

	result, err := svc.Flash(Request{
		ImagePath: imagePath, DevicePath: devicePath, DryRun: true,
		SkipMountCheck: true, SkipSystemDeviceCheck: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.VerificationResult != types.VerificationSkipped {
		t.Fatalf("expected dry-run success with skipped verification, got %+v", result)
	}

	after, _ := os.ReadFile(devicePath)
	if string(after) != string(original) {
		t.Fatal("dry-run must not modify the device contents")
	}
}

func TestFlashRegularFileDeviceRejected(t *testing.T) {
	svc, _ := setupService(t)
	dir := t.TempDir()
	data := []byte("firmware")
	imagePath := makeImage(t, dir, data)
	devicePath := makeTargetDevice(t, dir, len(data))

	_, err := svc.Flash(Request{ImagePath: imagePath, DevicePath: devicePath})
	if errs.KindOf(err) != errs.KindNotBlockDevice {
		t.Fatalf("expected not_block_device for a regular file target, got %v", err)
	}
}

func TestFlashArtifactTracksFlashRecord(t *testing.T) {
	svc, db := setupService(t)
	dir := t.TempDir()
	data := []byte("a full sysupgrade image payload")
	sum := sha256.Sum256(data)
	hash := hex.EncodeToString(sum[:])

	profileRowID, err := db.CreateProfile(&store.ProfileRecord{
		ProfileID: "router-a", Name: "Router A", DeviceID: "dev-1",
		OpenWrtRelease: "23.05.3", Target: "ath79", Subtarget: "generic",
		ImageBuilderProfile: "generic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ibID, err := db.CreateImageBuilder(&store.ImageBuilderRecord{
		OpenWrtRelease: "23.05.3", Target: "ath79", Subtarget: "generic",
		UpstreamURL: "u", RootDir: dir, State: "ready",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buildID, err := db.CreateBuild(&store.BuildRecord{
		ProfileID: profileRowID, ImageBuilderID: ibID, Status: "succeeded", CacheKey: "k1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	imagePath := makeImage(t, dir, data)
	devicePath := makeTargetDevice(t, dir, len(data))

	artifactID, err := db.CreateArtifact(&store.ArtifactRecord{
		BuildID: buildID, Kind: string(types.ArtifactSysupgrade),
		RelativePath: "openwrt-sysupgrade.bin", AbsolutePath: imagePath,
		Filename: "openwrt-sysupgrade.bin", SizeBytes: int64(len(data)), SHA256: hash,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := svc.FlashArtifact(artifactID, Request{
		DevicePath: devicePath, VerificationMode: types.VerifyFull,
		SkipMountCheck: true, SkipSystemDeviceCheck: true,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.FlashRecordID == 0 {
		t.Fatalf("expected tracked successful flash, got %+v", result)
	}

	rec, err := svc.GetFlash(result.FlashRecordID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.Status != string(types.FlashSucceeded) {
		t.Fatalf("expected succeeded flash record, got %+v", rec)
	}
	if rec.VerificationMode != string(types.VerifyFull) {
		t.Fatalf("expected verification mode to survive the update, got %q", rec.VerificationMode)
	}
}

// TestFlashArtifactPrefixModeIgnoresStoredWholeFileHash guards against
// reusing the artifact's full-file SHA256 as the expected hash under a
// prefix verification mode, where the writer computes both sides of the
// comparison over a shorter, prefix-scoped read instead.
func TestFlashArtifactPrefixModeIgnoresStoredWholeFileHash(t *testing.T) {
	svc, db := setupService(t)
	dir := t.TempDir()
	data := []byte("a full sysupgrade image payload")

	profileRowID, err := db.CreateProfile(&store.ProfileRecord{
		ProfileID: "router-a", Name: "Router A", DeviceID: "dev-1",
		OpenWrtRelease: "23.05.3", Target: "ath79", Subtarget: "generic",
		ImageBuilderProfile: "generic",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	ibID, err := db.CreateImageBuilder(&store.ImageBuilderRecord{
		OpenWrtRelease: "23.05.3", Target: "ath79", Subtarget: "generic",
		UpstreamURL: "u", RootDir: dir, State: "ready",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	buildID, err := db.CreateBuild(&store.BuildRecord{
		ProfileID: profileRowID, ImageBuilderID: ibID, Status: "succeeded", CacheKey: "k1",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	imagePath := makeImage(t, dir, data)
	devicePath := makeTargetDevice(t, dir, len(data))

	// A deliberately stale whole-file hash, as if the artifact row predates
	// a change to the file or simply doesn't match a prefix-scoped read.
	artifactID, err := db.CreateArtifact(&store.ArtifactRecord{
		BuildID: buildID, Kind: string(types.ArtifactSysupgrade),
		RelativePath: "openwrt-sysupgrade.bin", AbsolutePath: imagePath,
		Filename: "openwrt-sysupgrade.bin", SizeBytes: int64(len(data)),
		SHA256: "deadbeef00000000000000000000000000000000000000000000000000000000",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	result, err := svc.FlashArtifact(artifactID, Request{
		DevicePath: devicePath, VerificationMode: types.VerifyPrefix16M,
		SkipMountCheck: true, SkipSystemDeviceCheck: true,
	})
	if err != nil {
		t.Fatalf("expected prefix-mode flash to recompute its own hash and succeed, got error: %v", err)
	}
	if !result.Success {
		t.Fatalf("expected successful flash, got %+v", result)
	}
}

func TestFlashArtifactMissingFileFails(t *testing.T) {
	svc, db := setupService(t)
	dir := t.TempDir()

	profileRowID, _ := db.CreateProfile(&store.ProfileRecord{
		ProfileID: "router-b", Name: "Router B", DeviceID: "dev-2",
		OpenWrtRelease: "23.05.3", Target: "ath79", Subtarget: "generic",
		ImageBuilderProfile: "generic",
	})
	ibID, _ := db.CreateImageBuilder(&store.ImageBuilderRecord{
		OpenWrtRelease: "23.05.3", Target: "ath79", Subtarget: "generic",
		UpstreamURL: "u", RootDir: dir, State: "ready",
	})
	buildID, _ := db.CreateBuild(&store.BuildRecord{
		ProfileID: profileRowID, ImageBuilderID: ibID, Status: "succeeded", CacheKey: "k2",
	})
	artifactID, err := db.CreateArtifact(&store.ArtifactRecord{
		BuildID: buildID, Kind: string(types.ArtifactSysupgrade),
		RelativePath: "missing.bin", AbsolutePath: filepath.Join(dir, "missing.bin"),
		Filename: "missing.bin", SizeBytes: 10, SHA256: "deadbeef",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = svc.FlashArtifact(artifactID, Request{DevicePath: "/dev/definitely-does-not-exist-99"})
	if errs.KindOf(err) != errs.KindArtifactFileNotFound {
		t.Fatalf("expected artifact_file_not_found, got %v", err)
	}
}
