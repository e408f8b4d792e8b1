// Package cachekey computes the deterministic content hash that decides
// whether a build can reuse a previously cached output. It normalizes the
// build-affecting subset of a profile plus the resolved package list and
// overlay hash into a canonical JSON document and hashes it with SHA-256.
package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"sort"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// SchemaVersion is bumped whenever the shape of BuildInputs changes in a
// way that should invalidate every previously computed cache key.
const SchemaVersion = "1"

// BuildInputs is the canonical, serializable snapshot of everything that
// affects a build's output. Two builds with an identical BuildInputs JSON
// encoding are guaranteed to produce byte-identical artifacts.
type BuildInputs struct {
	SchemaVersion      string         `json:"schema_version"`
	ProfileSnapshot    map[string]any `json:"profile_snapshot"`
	ImageBuilderKey    [3]string      `json:"imagebuilder_key"`
	EffectivePackages  []string       `json:"effective_packages"`
	OverlayHash        *string        `json:"overlay_hash"`
	BuildOptions       map[string]any `json:"build_options"`
}

// MarshalJSON encodes inputs through a map so that encoding/json emits the
// top-level keys in sorted order, like every nested object. overlay_hash is
// omitted when OverlayHash is nil.
func (in BuildInputs) MarshalJSON() ([]byte, error) {
	m := map[string]any{
		"schema_version":     in.SchemaVersion,
		"profile_snapshot":   in.ProfileSnapshot,
		"imagebuilder_key":   in.ImageBuilderKey,
		"effective_packages": in.EffectivePackages,
		"build_options":      in.BuildOptions,
	}
	if in.OverlayHash != nil {
		m["overlay_hash"] = *in.OverlayHash
	}
	return json.Marshal(m)
}

// NormalizeProfileSnapshot extracts the subset of a profile's fields that
// affect build output, normalized (sorted lists) for deterministic hashing.
func NormalizeProfileSnapshot(p *types.Profile) map[string]any {
	snap := map[string]any{
		"profile_id":           p.ProfileID,
		"openwrt_release":      p.OpenWrtRelease,
		"target":               p.Target,
		"subtarget":            p.Subtarget,
		"imagebuilder_profile": p.ImageBuilderProfile,
	}

	if len(p.Packages) > 0 {
		snap["packages"] = sortedCopy(p.Packages)
	}
	if len(p.PackagesRemove) > 0 {
		snap["packages_remove"] = sortedCopy(p.PackagesRemove)
	}

	if len(p.Files) > 0 {
		files := make([]map[string]any, 0, len(p.Files))
		for _, f := range p.Files {
			files = append(files, map[string]any{
				"source":      f.Source,
				"destination": f.Destination,
				"mode":        f.Mode,
				"owner":       f.Owner,
			})
		}
		snap["files"] = files
	}
	if p.OverlayDir != "" {
		snap["overlay_dir"] = p.OverlayDir
	}

	if p.BinDir != "" {
		snap["bin_dir"] = p.BinDir
	}
	if p.ExtraImageName != "" {
		snap["extra_image_name"] = p.ExtraImageName
	}
	if len(p.DisabledServices) > 0 {
		snap["disabled_services"] = sortedCopy(p.DisabledServices)
	}
	if p.RootfsPartsize != nil {
		snap["rootfs_partsize"] = *p.RootfsPartsize
	}
	if p.AddLocalKey != nil {
		snap["add_local_key"] = *p.AddLocalKey
	}

	if p.Policies != nil {
		policies := map[string]any{}
		if p.Policies.Filesystem != "" {
			policies["filesystem"] = p.Policies.Filesystem
		}
		if p.Policies.IncludeKernelSymbols {
			policies["include_kernel_symbols"] = true
		}
		if p.Policies.StripDebug {
			policies["strip_debug"] = true
		}
		// auto_resize_rootfs and allow_snapshot are deliberately excluded:
		// they steer an in-image init script and profile validation, not
		// the Image Builder invocation itself, so they must not perturb
		// the cache key.
		if len(policies) > 0 {
			snap["policies"] = policies
		}
	}

	return snap
}

// ComputeEffectivePackages merges a profile's package list with any
// build-time extra packages, then applies removals (prefixed with '-'),
// returning a sorted, deduplicated slice.
func ComputeEffectivePackages(p *types.Profile, extraPackages []string) []string {
	set := map[string]struct{}{}
	for _, pkg := range p.Packages {
		set[pkg] = struct{}{}
	}
	for _, pkg := range extraPackages {
		set[pkg] = struct{}{}
	}
	for _, pkg := range p.PackagesRemove {
		delete(set, pkg)
		set["-"+pkg] = struct{}{}
	}

	out := make([]string, 0, len(set))
	for pkg := range set {
		out = append(out, pkg)
	}
	sort.Strings(out)
	return out
}

// CreateBuildInputs assembles the canonical BuildInputs for a profile plus
// this build's overlay hash, extra packages and free-form build options.
func CreateBuildInputs(p *types.Profile, overlayHash *string, extraPackages []string, buildOptions map[string]any) BuildInputs {
	if buildOptions == nil {
		buildOptions = map[string]any{}
	}
	return BuildInputs{
		SchemaVersion:     SchemaVersion,
		ProfileSnapshot:   NormalizeProfileSnapshot(p),
		ImageBuilderKey:   [3]string{p.OpenWrtRelease, p.Target, p.Subtarget},
		EffectivePackages: ComputeEffectivePackages(p, extraPackages),
		OverlayHash:       overlayHash,
		BuildOptions:      buildOptions,
	}
}

// Compute hashes the canonical JSON encoding of inputs and returns the
// cache key in "sha256:<hex>" form. encoding/json sorts map keys (the top
// level included, via BuildInputs.MarshalJSON) and uses compact separators
// by default, which is exactly the canonical form required here.
func Compute(inputs BuildInputs) (string, error) {
	data, err := json.Marshal(inputs)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return "sha256:" + hex.EncodeToString(sum[:]), nil
}

// ComputeFromProfile is a convenience wrapper computing the cache key and
// the BuildInputs that produced it directly from a profile.
func ComputeFromProfile(p *types.Profile, overlayHash *string, extraPackages []string, buildOptions map[string]any) (string, BuildInputs, error) {
	inputs := CreateBuildInputs(p, overlayHash, extraPackages, buildOptions)
	key, err := Compute(inputs)
	return key, inputs, err
}

func sortedCopy(in []string) []string {
	out := make([]string, len(in))
	copy(out, in)
	sort.Strings(out)
	return out
}
