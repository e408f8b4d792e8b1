package store

import (
	"path/filepath"
	"testing"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open test db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}

func TestProfileCreateGetUpdateDelete(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateProfile(&ProfileRecord{
		ProfileID:           "router-a",
		Name:                "Router A",
		DeviceID:            "dev-1",
		OpenWrtRelease:      "23.05.3",
		Target:              "ath79",
		Subtarget:           "generic",
		ImageBuilderProfile: "tplink_archer-a7-v5",
		Packages:            []string{"luci"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id == 0 {
		t.Fatal("expected non-zero id")
	}

	_, err = db.CreateProfile(&ProfileRecord{ProfileID: "router-a", Name: "dup", DeviceID: "d", OpenWrtRelease: "r", Target: "t", Subtarget: "s", ImageBuilderProfile: "p"})
	if errs.KindOf(err) != errs.KindProfileExists {
		t.Fatalf("expected profile_exists, got %v", err)
	}

	got, err := db.GetProfileByProfileID("router-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "Router A" || len(got.Packages) != 1 || got.Packages[0] != "luci" {
		t.Fatalf("unexpected record: %+v", got)
	}

	got.Name = "Router A2"
	if err := db.UpdateProfile(got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	got2, _ := db.GetProfileByProfileID("router-a")
	if got2.Name != "Router A2" {
		t.Fatalf("expected updated name, got %q", got2.Name)
	}

	if err := db.DeleteProfile("router-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := db.GetProfileByProfileID("router-a"); errs.KindOf(err) != errs.KindProfileNotFound {
		t.Fatalf("expected profile_not_found after delete, got %v", err)
	}
}

func TestImageBuilderLifecycle(t *testing.T) {
	db := openTestDB(t)

	id, err := db.CreateImageBuilder(&ImageBuilderRecord{
		OpenWrtRelease: "23.05.3",
		Target:         "ath79",
		Subtarget:      "generic",
		UpstreamURL:    "https://downloads.openwrt.org/...",
		RootDir:        "/cache/23.05.3/ath79/generic/openwrt-imagebuilder",
		State:          "pending",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := db.GetImageBuilder("23.05.3", "ath79", "generic")
	if err != nil || got == nil {
		t.Fatalf("expected record, got %v err=%v", got, err)
	}
	got.State = "ready"
	if err := db.UpdateImageBuilder(got); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := db.TouchImageBuilderUsage(id); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got2, _ := db.GetImageBuilder("23.05.3", "ath79", "generic")
	if got2.State != "ready" || got2.LastUsedAt == nil {
		t.Fatalf("expected ready state and last_used_at set, got %+v", got2)
	}
}

func TestBuildAndArtifactAndFlashRoundTrip(t *testing.T) {
	db := openTestDB(t)

	profileID, _ := db.CreateProfile(&ProfileRecord{ProfileID: "p1", Name: "P1", DeviceID: "d1", OpenWrtRelease: "r", Target: "t", Subtarget: "s", ImageBuilderProfile: "ib"})
	ibID, _ := db.CreateImageBuilder(&ImageBuilderRecord{OpenWrtRelease: "r", Target: "t", Subtarget: "s", UpstreamURL: "u", RootDir: "/x", State: "ready"})

	buildID, err := db.CreateBuild(&BuildRecord{ProfileID: profileID, ImageBuilderID: ibID, Status: "pending", CacheKey: "sha256:abc"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	build, err := db.GetBuild(buildID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	build.Status = "succeeded"
	if err := db.UpdateBuild(build); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	cached, err := db.FindCachedBuild("sha256:abc")
	if err != nil || cached == nil {
		t.Fatalf("expected cached build, got %v err=%v", cached, err)
	}

	artifactID, err := db.CreateArtifact(&ArtifactRecord{BuildID: buildID, Kind: "sysupgrade", RelativePath: "a.bin", Filename: "a.bin", SizeBytes: 100, SHA256: "deadbeef"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	_, err = db.CreateArtifact(&ArtifactRecord{BuildID: buildID, RelativePath: "a.bin", Filename: "a.bin", SizeBytes: 1, SHA256: "x"})
	if errs.KindOf(err) != errs.KindCacheConflict {
		t.Fatalf("expected cache_conflict for duplicate relative_path, got %v", err)
	}

	artifacts, err := db.ListArtifactsForBuild(buildID)
	if err != nil || len(artifacts) != 1 {
		t.Fatalf("expected 1 artifact, got %v err=%v", artifacts, err)
	}

	flashID, err := db.CreateFlash(&FlashRecord{ArtifactID: artifactID, BuildID: buildID, DevicePath: "/dev/sdx", Status: "pending"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flash, err := db.GetFlash(flashID)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	flash.Status = "succeeded"
	flash.VerificationResult = "match"
	if err := db.UpdateFlash(flash); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	flashes, err := db.ListFlashes(artifactID, "succeeded")
	if err != nil || len(flashes) != 1 {
		t.Fatalf("expected 1 flash record, got %v err=%v", flashes, err)
	}
}
