package cmd

import (
	"bytes"
	"path/filepath"
	"testing"
)

func newTestRootCmd(t *testing.T) *bytes.Buffer {
	t.Helper()
	home := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", home)
	t.Setenv("OWRT_IMG_CACHE_DIR", filepath.Join(home, "cache"))
	t.Setenv("OWRT_IMG_ARTIFACTS_DIR", filepath.Join(home, "artifacts"))
	t.Setenv("OWRT_IMG_DB_URL", "sqlite://"+filepath.Join(home, "state.db"))

	root, err := NewRootCmd(RootCommandConfig{Name: "owrt-imagegen", Version: "v0.0.0-test"})
	if err != nil {
		t.Fatalf("unexpected error building root command: %v", err)
	}

	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(&out)
	root.SetArgs([]string{"version"})
	if err := root.Execute(); err != nil {
		t.Fatalf("unexpected error executing root command: %v", err)
	}
	return &out
}

func TestRootCmdRunsVersion(t *testing.T) {
	out := newTestRootCmd(t)
	if out.Len() == 0 {
		t.Fatal("expected version output, got none")
	}
}

func TestRootCmdHasExpectedSubcommands(t *testing.T) {
	root, err := NewRootCmd(RootCommandConfig{Name: "owrt-imagegen"})
	if err != nil {
		t.Fatal(err)
	}

	want := map[string]bool{
		"version": false, "config": false, "profile": false,
		"builder": false, "build": false, "flash": false,
	}
	for _, sub := range root.Commands() {
		if _, ok := want[sub.Name()]; ok {
			want[sub.Name()] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected root command to register a %q subcommand", name)
		}
	}
}

func TestDsnToPath(t *testing.T) {
	cases := map[string]string{
		"sqlite:///tmp/state.db": "/tmp/state.db",
		"/tmp/state.db":          "/tmp/state.db",
	}
	for in, want := range cases {
		if got := dsnToPath(in); got != want {
			t.Errorf("dsnToPath(%q) = %q, want %q", in, got, want)
		}
	}
}
