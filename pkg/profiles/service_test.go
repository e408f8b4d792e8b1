package profiles

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/store"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

func setupService(t *testing.T) *Service {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("failed to open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return New(db, logrus.New())
}

func TestCreateGetUpdateDelete(t *testing.T) {
	svc := setupService(t)
	p := validProfile()
	p.Packages = []string{"luci"}

	created, err := svc.Create(p)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if created.Packages[0] != "luci" {
		t.Fatalf("expected packages to round-trip, got %+v", created.Packages)
	}

	got, err := svc.Get("router-a")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Name != "Router A" {
		t.Fatalf("unexpected profile: %+v", got)
	}

	got.Name = "Router A Updated"
	updated, err := svc.Update("router-a", got)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if updated.Name != "Router A Updated" {
		t.Fatalf("expected updated name, got %q", updated.Name)
	}

	if err := svc.Delete("router-a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Get("router-a"); errs.KindOf(err) != errs.KindProfileNotFound {
		t.Fatalf("expected profile_not_found after delete, got %v", err)
	}
}

func TestCreateDuplicateFails(t *testing.T) {
	svc := setupService(t)
	p := validProfile()
	if _, err := svc.Create(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Create(p); errs.KindOf(err) != errs.KindProfileExists {
		t.Fatalf("expected profile_exists, got %v", err)
	}
}

func TestUpdateMismatchedIDRejected(t *testing.T) {
	svc := setupService(t)
	p := validProfile()
	if _, err := svc.Create(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	other := validProfile()
	other.ProfileID = "router-b"
	if _, err := svc.Update("router-a", other); errs.KindOf(err) != errs.KindProfileIDMismatch {
		t.Fatalf("expected profile_id_mismatch, got %v", err)
	}
}

func TestCreateOrUpdate(t *testing.T) {
	svc := setupService(t)
	p := validProfile()

	_, created, err := svc.CreateOrUpdate(p)
	if err != nil || !created {
		t.Fatalf("expected first call to create, got created=%v err=%v", created, err)
	}

	p.Name = "Renamed"
	_, created, err = svc.CreateOrUpdate(p)
	if err != nil || created {
		t.Fatalf("expected second call to update, got created=%v err=%v", created, err)
	}
}

func TestQueryFiltersByTags(t *testing.T) {
	svc := setupService(t)
	a := validProfile()
	a.Tags = []string{"lan", "office"}
	b := validProfile()
	b.ProfileID = "router-b"
	b.Tags = []string{"lan"}

	if _, err := svc.Create(a); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := svc.Create(b); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	results, err := svc.Query("", "", "", "", []string{"office"})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(results) != 1 || results[0].ProfileID != "router-a" {
		t.Fatalf("expected only router-a to match 'office' tag, got %+v", results)
	}
}

func TestImportFromDirectory(t *testing.T) {
	svc := setupService(t)
	dir := t.TempDir()
	good := `
profile_id: router-a
name: Router A
device_id: dev-1
openwrt_release: "23.05.3"
target: ath79
subtarget: generic
imagebuilder_profile: generic
`
	bad := `
profile_id: "bad id"
name: Bad
device_id: dev-1
openwrt_release: "23.05.3"
target: ath79
subtarget: generic
imagebuilder_profile: generic
`
	if err := os.WriteFile(filepath.Join(dir, "a.yaml"), []byte(good), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "b.yaml"), []byte(bad), 0o644); err != nil {
		t.Fatal(err)
	}

	result, err := svc.ImportFromDirectory(dir, "*.yaml", false)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Total != 2 || result.Succeeded != 1 || result.Failed != 1 {
		t.Fatalf("unexpected import result: %+v", result)
	}
}

func TestExportToDirectorySanitizesNames(t *testing.T) {
	svc := setupService(t)
	p := validProfile()
	if _, err := svc.Create(p); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	dir := t.TempDir()
	count, err := svc.ExportToDirectory(dir, nil, "yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected 1 exported profile, got %d", count)
	}

	if _, err := os.Stat(filepath.Join(dir, "router-a.yaml")); err != nil {
		t.Fatalf("expected exported file to exist: %v", err)
	}
}

func TestExportToDirectoryRejectsUnsupportedFormat(t *testing.T) {
	svc := setupService(t)
	if _, err := svc.ExportToDirectory(t.TempDir(), nil, "xml"); errs.KindOf(err) != errs.KindUnsupportedFormat {
		t.Fatalf("expected unsupported_format, got %v", err)
	}
}

var _ = types.Profile{}
