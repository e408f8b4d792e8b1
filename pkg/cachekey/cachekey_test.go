package cachekey

import (
	"testing"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

func sampleProfile() *types.Profile {
	return &types.Profile{
		ProfileID:           "router-a",
		Name:                "Router A",
		DeviceID:            "dev-1",
		OpenWrtRelease:      "23.05.3",
		Target:              "ath79",
		Subtarget:           "generic",
		ImageBuilderProfile: "tplink_archer-a7-v5",
		Packages:            []string{"luci", "curl"},
		PackagesRemove:      []string{"ppp"},
	}
}

func TestComputeIsDeterministic(t *testing.T) {
	p := sampleProfile()
	hash := "deadbeef"

	key1, _, err := ComputeFromProfile(p, &hash, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	key2, _, err := ComputeFromProfile(p, &hash, nil, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key1 != key2 {
		t.Fatalf("expected identical cache keys, got %q and %q", key1, key2)
	}
	if len(key1) < len("sha256:") || key1[:7] != "sha256:" {
		t.Fatalf("expected sha256: prefix, got %q", key1)
	}
}

func TestComputeChangesWithPackages(t *testing.T) {
	p := sampleProfile()
	key1, _, _ := ComputeFromProfile(p, nil, nil, nil)
	key2, _, _ := ComputeFromProfile(p, nil, []string{"extra-pkg"}, nil)
	if key1 == key2 {
		t.Fatalf("expected cache key to change when packages change")
	}
}

func TestComputeIgnoresAutoResizeRootfsAndAllowSnapshot(t *testing.T) {
	p := sampleProfile()
	key1, _, _ := ComputeFromProfile(p, nil, nil, nil)

	p2 := sampleProfile()
	p2.Policies = &types.ProfilePolicies{AutoResizeRootfs: true, AllowSnapshot: true}
	key2, _, _ := ComputeFromProfile(p2, nil, nil, nil)

	if key1 != key2 {
		t.Fatalf("auto_resize_rootfs/allow_snapshot must not affect the cache key")
	}
}

func TestComputeEffectivePackagesAppliesRemovals(t *testing.T) {
	p := sampleProfile()
	pkgs := ComputeEffectivePackages(p, []string{"extra"})

	want := map[string]bool{"luci": true, "curl": true, "extra": true, "-ppp": true}
	if len(pkgs) != len(want) {
		t.Fatalf("expected %d packages, got %v", len(want), pkgs)
	}
	for _, pkg := range pkgs {
		if !want[pkg] {
			t.Fatalf("unexpected package %q in %v", pkg, pkgs)
		}
	}
}
