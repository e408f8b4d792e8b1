package overlay

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

func newStager() *Stager {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return New(log)
}

func TestStageFileOverridesOverlayDir(t *testing.T) {
	base := t.TempDir()
	staging := filepath.Join(t.TempDir(), "staging")

	os.MkdirAll(filepath.Join(base, "overlay", "etc"), 0o755)
	os.WriteFile(filepath.Join(base, "overlay", "etc", "motd"), []byte("overlay\n"), 0o644)

	os.WriteFile(filepath.Join(base, "custom-motd"), []byte("custom\n"), 0o644)

	p := &types.Profile{
		OverlayDir: "overlay",
		Files: []types.FileSpec{
			{Source: "custom-motd", Destination: "/etc/motd"},
		},
	}

	s := newStager()
	_, err := s.Stage(staging, p, base)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(staging, "etc", "motd"))
	if err != nil {
		t.Fatalf("expected staged file: %v", err)
	}
	if string(got) != "custom\n" {
		t.Fatalf("expected file spec to override overlay_dir content, got %q", got)
	}
}

func TestStageRejectsSourcePathTraversal(t *testing.T) {
	base := t.TempDir()
	staging := t.TempDir()

	outside := filepath.Join(filepath.Dir(base), "outside-secret")
	os.WriteFile(outside, []byte("secret"), 0o644)

	p := &types.Profile{
		Files: []types.FileSpec{
			{Source: "../outside-secret", Destination: "/etc/secret"},
		},
	}

	s := newStager()
	_, err := s.Stage(staging, p, base)
	if err == nil {
		t.Fatal("expected path traversal error")
	}
	if errs.KindOf(err) != errs.KindPathTraversal {
		t.Fatalf("expected path_traversal, got %v", errs.KindOf(err))
	}
}

func TestStageMissingOverlayDir(t *testing.T) {
	base := t.TempDir()
	staging := t.TempDir()

	p := &types.Profile{OverlayDir: "does-not-exist"}

	s := newStager()
	_, err := s.Stage(staging, p, base)
	if errs.KindOf(err) != errs.KindOverlayNotFound {
		t.Fatalf("expected overlay_not_found, got %v", errs.KindOf(err))
	}
}

func TestComputeTreeHashDeterministic(t *testing.T) {
	dir := t.TempDir()
	os.MkdirAll(filepath.Join(dir, "a"), 0o755)
	os.WriteFile(filepath.Join(dir, "a", "one.txt"), []byte("one"), 0o644)
	os.WriteFile(filepath.Join(dir, "two.txt"), []byte("two"), 0o644)

	h1, err := ComputeTreeHash(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := ComputeTreeHash(dir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 != h2 {
		t.Fatalf("expected deterministic hash, got %q and %q", h1, h2)
	}
}

func TestComputeTreeHashEmptyForMissingDir(t *testing.T) {
	h, err := ComputeTreeHash(filepath.Join(t.TempDir(), "missing"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h == "" {
		t.Fatal("expected a hash value for missing directory")
	}
}

func TestHasOverlayContent(t *testing.T) {
	if HasOverlayContent(&types.Profile{}) {
		t.Fatal("expected false for empty profile")
	}
	if !HasOverlayContent(&types.Profile{OverlayDir: "x"}) {
		t.Fatal("expected true when overlay_dir set")
	}
}
