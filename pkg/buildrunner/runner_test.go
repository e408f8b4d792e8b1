package buildrunner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

func TestComposePackagesArgMergesAndRemoves(t *testing.T) {
	got := ComposePackagesArg([]string{"luci", "dropbear"}, []string{"dropbear"}, []string{"htop"})
	if got != "luci htop -dropbear" {
		t.Fatalf("unexpected packages arg: %q", got)
	}
}

func TestComposeMakeCommandIncludesOptionalArgs(t *testing.T) {
	partsize := 200
	addKey := true
	profile := &types.Profile{
		ImageBuilderProfile: "tplink_archer-a7-v5",
		Packages:            []string{"luci"},
		ExtraImageName:      "custom",
		DisabledServices:    []string{"dnsmasq"},
		RootfsPartsize:      &partsize,
		AddLocalKey:         &addKey,
	}

	cmd := ComposeMakeCommand(profile, "/tmp/bin", "", nil, "")
	joined := strings.Join(cmd, " ")

	for _, want := range []string{
		"PROFILE=tplink_archer-a7-v5",
		"PACKAGES=luci",
		"BIN_DIR=/tmp/bin",
		"EXTRA_IMAGE_NAME=custom",
		"DISABLED_SERVICES=dnsmasq",
		"ROOTFS_PARTSIZE=200",
		"ADD_LOCAL_KEY=1",
	} {
		if !strings.Contains(joined, want) {
			t.Fatalf("expected command to contain %q, got %q", want, joined)
		}
	}
}

// fakeImageBuilderRoot creates a directory tree passing ValidateImageBuilderRoot
// and containing a `make` stub script that writes a predictable log.
func fakeImageBuilderRoot(t *testing.T, exitCode int) string {
	t.Helper()
	root := t.TempDir()
	for _, d := range []string{"target", "packages"} {
		if err := os.MkdirAll(filepath.Join(root, d), 0o755); err != nil {
			t.Fatal(err)
		}
	}
	if err := os.WriteFile(filepath.Join(root, "Makefile"), []byte("image:\n\techo building\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	makeScript := filepath.Join(root, "make")
	script := "#!/bin/sh\necho building image\nexit " + itoa(exitCode) + "\n"
	if err := os.WriteFile(makeScript, []byte(script), 0o755); err != nil {
		t.Fatal(err)
	}
	return root
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}
	if neg {
		return "-" + string(digits)
	}
	return string(digits)
}

func TestRunSucceeds(t *testing.T) {
	root := fakeImageBuilderRoot(t, 0)
	buildDir := t.TempDir()

	runner := New(logrus.New())
	// Prepend the fake root to PATH so the `make` stub is used.
	t.Setenv("PATH", root+string(os.PathListSeparator)+os.Getenv("PATH"))

	profile := &types.Profile{ImageBuilderProfile: "generic"}
	result, err := runner.Run(context.Background(), profile, Options{
		ImageBuilderRoot: root,
		BuildDir:         buildDir,
		Timeout:          10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !result.Success || result.ExitCode != 0 {
		t.Fatalf("expected success, got %+v", result)
	}
	if _, err := os.Stat(result.LogPath); err != nil {
		t.Fatalf("expected log file to exist: %v", err)
	}
}

func TestRunFailsWithNonZeroExit(t *testing.T) {
	root := fakeImageBuilderRoot(t, 3)
	buildDir := t.TempDir()

	runner := New(logrus.New())
	t.Setenv("PATH", root+string(os.PathListSeparator)+os.Getenv("PATH"))

	profile := &types.Profile{ImageBuilderProfile: "generic"}
	result, err := runner.Run(context.Background(), profile, Options{
		ImageBuilderRoot: root,
		BuildDir:         buildDir,
		Timeout:          10 * time.Second,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.Success || result.ExitCode != 3 {
		t.Fatalf("expected failure with exit code 3, got %+v", result)
	}
}

func TestRunTimesOut(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"target", "packages"} {
		os.MkdirAll(filepath.Join(root, d), 0o755)
	}
	os.WriteFile(filepath.Join(root, "Makefile"), []byte(""), 0o644)

	makeScript := filepath.Join(root, "make")
	os.WriteFile(makeScript, []byte("#!/bin/sh\nsleep 5\n"), 0o755)
	t.Setenv("PATH", root+string(os.PathListSeparator)+os.Getenv("PATH"))

	runner := New(logrus.New())
	profile := &types.Profile{ImageBuilderProfile: "generic"}
	_, err := runner.Run(context.Background(), profile, Options{
		ImageBuilderRoot: root,
		BuildDir:         t.TempDir(),
		Timeout:          100 * time.Millisecond,
	})
	if errs.KindOf(err) != errs.KindBuildTimeout {
		t.Fatalf("expected build_timeout error, got %v", err)
	}
}

func TestValidateImageBuilderRoot(t *testing.T) {
	root := fakeImageBuilderRoot(t, 0)
	if !ValidateImageBuilderRoot(root) {
		t.Fatal("expected valid image builder root")
	}
	if ValidateImageBuilderRoot(t.TempDir()) {
		t.Fatal("expected empty directory to be invalid")
	}
}

func TestGetMakeInfoParsesProfiles(t *testing.T) {
	root := t.TempDir()
	for _, d := range []string{"target", "packages"} {
		os.MkdirAll(filepath.Join(root, d), 0o755)
	}
	os.WriteFile(filepath.Join(root, "Makefile"), []byte(""), 0o644)

	makeScript := filepath.Join(root, "make")
	script := "#!/bin/sh\ncat <<'EOF'\nDefault Packages:\nluci base-files\ntplink_archer-a7-v5:\n    TP-Link Archer A7 v5\ngeneric:\n    Generic\nEOF\n"
	os.WriteFile(makeScript, []byte(script), 0o755)
	t.Setenv("PATH", root+string(os.PathListSeparator)+os.Getenv("PATH"))

	runner := New(logrus.New())
	info, err := runner.GetMakeInfo(context.Background(), root, 10*time.Second)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(info.Profiles) != 2 || info.Profiles[0] != "tplink_archer-a7-v5" || info.Profiles[1] != "generic" {
		t.Fatalf("unexpected profiles: %+v", info.Profiles)
	}
}

func TestGetMakeInfoRejectsInvalidRoot(t *testing.T) {
	runner := New(logrus.New())
	_, err := runner.GetMakeInfo(context.Background(), t.TempDir(), time.Second)
	if errs.KindOf(err) != errs.KindInvalidImageBuilder {
		t.Fatalf("expected invalid_imagebuilder error, got %v", err)
	}
}
