package imagebuilder

import (
	"archive/tar"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/ulikunitz/xz"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

func TestBuildURLsSnapshotVsRelease(t *testing.T) {
	rel := BuildURLs("23.05.3", "ath79", "generic", "")
	if rel.ArchiveURL != "https://downloads.openwrt.org/releases/23.05.3/targets/ath79/generic/openwrt-imagebuilder-23.05.3-ath79-generic.Linux-x86_64.tar.xz" {
		t.Fatalf("unexpected release archive url: %s", rel.ArchiveURL)
	}

	snap := BuildURLs("snapshot", "ath79", "generic", "")
	if snap.ArchiveURL != "https://downloads.openwrt.org/snapshots/targets/ath79/generic/openwrt-imagebuilder-ath79-generic.Linux-x86_64.tar.zst" {
		t.Fatalf("unexpected snapshot archive url: %s", snap.ArchiveURL)
	}
}

func TestParseSHA256Sums(t *testing.T) {
	content := "# comment\n\nabc123  openwrt-imagebuilder-23.05.3-ath79-generic.Linux-x86_64.tar.xz\ndef456 *other-file.tar.xz\n"
	got := ParseSHA256Sums(content, "openwrt-imagebuilder-23.05.3-ath79-generic.Linux-x86_64.tar.xz")
	if got != "abc123" {
		t.Fatalf("expected abc123, got %q", got)
	}
	if ParseSHA256Sums(content, "missing.tar.xz") != "" {
		t.Fatal("expected empty string for missing filename")
	}
}

// buildTestArchive produces a .tar.xz archive containing a single top-level
// "openwrt-imagebuilder-test" directory with one file inside.
func buildTestArchive(t *testing.T) ([]byte, string) {
	t.Helper()
	var tarBuf bytes.Buffer
	tw := tar.NewWriter(&tarBuf)
	contents := []byte("#!/bin/sh\necho hi\n")
	if err := tw.WriteHeader(&tar.Header{Name: "openwrt-imagebuilder-test/Makefile", Mode: 0o644, Size: int64(len(contents))}); err != nil {
		t.Fatal(err)
	}
	if _, err := tw.Write(contents); err != nil {
		t.Fatal(err)
	}
	if err := tw.Close(); err != nil {
		t.Fatal(err)
	}

	var xzBuf bytes.Buffer
	xw, err := xz.NewWriter(&xzBuf)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := xw.Write(tarBuf.Bytes()); err != nil {
		t.Fatal(err)
	}
	if err := xw.Close(); err != nil {
		t.Fatal(err)
	}

	sum := sha256.Sum256(xzBuf.Bytes())
	return xzBuf.Bytes(), hex.EncodeToString(sum[:])
}

func newTestServer(t *testing.T, archive []byte, checksum, archiveName string) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("/releases/23.05.3/targets/ath79/generic/sha256sums", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(checksum + "  " + archiveName + "\n"))
	})
	mux.HandleFunc("/releases/23.05.3/targets/ath79/generic/"+archiveName, func(w http.ResponseWriter, r *http.Request) {
		w.Write(archive)
	})
	return httptest.NewServer(mux)
}

func TestEnsureDownloadsVerifiesAndExtracts(t *testing.T) {
	archive, checksum := buildTestArchive(t)
	archiveName := "openwrt-imagebuilder-23.05.3-ath79-generic.Linux-x86_64.tar.xz"
	srv := newTestServer(t, archive, checksum, archiveName)
	defer srv.Close()

	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	svc := New(db, logrus.New(), Options{
		CacheDir: t.TempDir(),
		BaseURL:  srv.URL,
	})

	rec, err := svc.Ensure(context.Background(), "23.05.3", "ath79", "generic", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if rec.State != string(types.ImageBuilderReady) {
		t.Fatalf("expected ready state, got %q", rec.State)
	}
	if rec.Checksum != checksum {
		t.Fatalf("expected checksum %q, got %q", checksum, rec.Checksum)
	}
	if filepath.Base(rec.RootDir) != "openwrt-imagebuilder-test" {
		t.Fatalf("expected extracted root dir, got %q", rec.RootDir)
	}

	rec2, err := svc.Ensure(context.Background(), "23.05.3", "ath79", "generic", false)
	if err != nil {
		t.Fatalf("unexpected error on cached ensure: %v", err)
	}
	if rec2.ID != rec.ID {
		t.Fatalf("expected same record reused from cache")
	}
}

func TestEnsureOfflineWithoutCacheFails(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	svc := New(db, logrus.New(), Options{CacheDir: t.TempDir(), Offline: true})

	_, err = svc.Ensure(context.Background(), "23.05.3", "ath79", "generic", false)
	if errs.KindOf(err) != errs.KindOfflineMode {
		t.Fatalf("expected offline_mode error, got %v", err)
	}
}

func TestPruneRejectsConflictingFilters(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	svc := New(db, logrus.New(), Options{CacheDir: t.TempDir()})
	days := 7

	_, err = svc.Prune(PruneOptions{DeprecatedOnly: true, UnusedDays: &days})
	if errs.KindOf(err) != errs.KindValidation {
		t.Fatalf("expected validation error for conflicting filters, got %v", err)
	}

	_, err = svc.Prune(PruneOptions{})
	if errs.KindOf(err) != errs.KindNoFilter {
		t.Fatalf("expected no_filter error when neither filter supplied, got %v", err)
	}
}

func TestPruneDeprecatedOnly(t *testing.T) {
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	defer db.Close()

	cacheDir := t.TempDir()
	svc := New(db, logrus.New(), Options{CacheDir: cacheDir})

	id, err := db.CreateImageBuilder(&store.ImageBuilderRecord{
		OpenWrtRelease: "22.03.5", Target: "ath79", Subtarget: "generic",
		UpstreamURL: "u", RootDir: filepath.Join(cacheDir, "22.03.5", "ath79", "generic", "openwrt-imagebuilder"),
		State: string(types.ImageBuilderDeprecated),
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	pruned, err := svc.Prune(PruneOptions{DeprecatedOnly: true})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(pruned) != 1 || pruned[0].Release != "22.03.5" {
		t.Fatalf("expected one pruned key for 22.03.5, got %+v", pruned)
	}

	got, err := db.GetImageBuilder("22.03.5", "ath79", "generic")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got != nil {
		t.Fatalf("expected image builder %d to be deleted after prune", id)
	}
}
