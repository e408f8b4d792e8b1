// Package types holds shared value types used across the orchestrator's
// components, kept separate to avoid import cycles between pkg/build,
// pkg/flash, pkg/imagebuilder, and pkg/profiles.
package types

// BuildStatus is the lifecycle state of a BuildRecord. Transitions are
// one-way: PENDING -> RUNNING -> (SUCCEEDED | FAILED).
type BuildStatus string

const (
	BuildPending   BuildStatus = "pending"
	BuildRunning   BuildStatus = "running"
	BuildSucceeded BuildStatus = "succeeded"
	BuildFailed    BuildStatus = "failed"
)

// FlashStatus is the lifecycle state of a FlashRecord, mirroring BuildStatus.
type FlashStatus string

const (
	FlashPending   FlashStatus = "pending"
	FlashRunning   FlashStatus = "running"
	FlashSucceeded FlashStatus = "succeeded"
	FlashFailed    FlashStatus = "failed"
)

// ImageBuilderState tracks whether a cached Image Builder toolchain can be
// used for new builds.
type ImageBuilderState string

const (
	ImageBuilderPending    ImageBuilderState = "pending"
	ImageBuilderReady      ImageBuilderState = "ready"
	ImageBuilderBroken     ImageBuilderState = "broken"
	ImageBuilderDeprecated ImageBuilderState = "deprecated"
)

// VerificationMode selects how much of a flashed device is read back and
// hashed against the source image before a flash is considered successful.
type VerificationMode string

const (
	VerifyFull      VerificationMode = "full-hash"
	VerifyPrefix16M VerificationMode = "prefix-16MiB"
	VerifyPrefix64M VerificationMode = "prefix-64MiB"
	VerifySkip      VerificationMode = "skipped"
)

// VerificationResult is the outcome of a VerificationMode check.
type VerificationResult string

const (
	VerificationMatch    VerificationResult = "match"
	VerificationMismatch VerificationResult = "mismatch"
	VerificationSkipped  VerificationResult = "skipped"
)

// FileSpec describes one file to be copied into the overlay tree before a
// build: a source, an absolute destination path, and optional mode and
// owner. Staging applies mode; owner enters the cache key but is not
// applied to the staged file.
type FileSpec struct {
	Source      string `json:"source" yaml:"source"`
	Destination string `json:"destination,omitempty" yaml:"destination,omitempty"`
	Mode        string `json:"mode,omitempty" yaml:"mode,omitempty"`
	Owner       string `json:"owner,omitempty" yaml:"owner,omitempty"`
}

// ProfilePolicies holds the toggleable build policies of a Profile.
type ProfilePolicies struct {
	Filesystem            string `json:"filesystem,omitempty" yaml:"filesystem,omitempty"`
	IncludeKernelSymbols   bool   `json:"include_kernel_symbols,omitempty" yaml:"include_kernel_symbols,omitempty"`
	StripDebug             bool   `json:"strip_debug,omitempty" yaml:"strip_debug,omitempty"`
	AutoResizeRootfs       bool   `json:"auto_resize_rootfs,omitempty" yaml:"auto_resize_rootfs,omitempty"`
	AllowSnapshot          bool   `json:"allow_snapshot,omitempty" yaml:"allow_snapshot,omitempty"`
}

// BuildDefaults are the per-profile defaults applied to a build request
// when the caller does not override them explicitly.
type BuildDefaults struct {
	RebuildIfCached bool `json:"rebuild_if_cached,omitempty" yaml:"rebuild_if_cached,omitempty"`
	Initramfs       bool `json:"initramfs,omitempty" yaml:"initramfs,omitempty"`
	KeepBuildDir    bool `json:"keep_build_dir,omitempty" yaml:"keep_build_dir,omitempty"`
}

// OperationResult is the uniform result shape returned by build and flash
// operations to their callers (CLI, and eventually other facades).
type OperationResult struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Code    string         `json:"code,omitempty"`
	LogPath string         `json:"log_path,omitempty"`
	Details map[string]any `json:"details,omitempty"`
}

// ArtifactInfo describes one file produced by a build, classified by kind
// (sysupgrade, initramfs, factory, kernel, rootfs, manifest, other).
type ArtifactInfo struct {
	Filename     string   `json:"filename"`
	RelativePath string   `json:"relative_path"`
	SizeBytes    int64    `json:"size_bytes"`
	SHA256       string   `json:"sha256"`
	Kind         string   `json:"kind,omitempty"`
	Labels       []string `json:"labels,omitempty"`
}

// Artifact kind classification values, in the strict precedence order used
// by the classifier when a filename matches more than one pattern.
const (
	ArtifactSysupgrade = "sysupgrade"
	ArtifactInitramfs  = "initramfs"
	ArtifactFactory    = "factory"
	ArtifactKernel     = "kernel"
	ArtifactRootfs     = "rootfs"
	ArtifactManifest   = "manifest"
	ArtifactOther      = "other"
)

// Profile is a named, reusable build target: a combination of an OpenWrt
// release/target/subtarget, an Image Builder profile name, package set and
// file overlays, plus build policies and defaults.
type Profile struct {
	ProfileID           string          `json:"profile_id" yaml:"profile_id"`
	Name                string          `json:"name" yaml:"name"`
	Description         string          `json:"description,omitempty" yaml:"description,omitempty"`
	DeviceID            string          `json:"device_id" yaml:"device_id"`
	Tags                []string        `json:"tags,omitempty" yaml:"tags,omitempty"`

	OpenWrtRelease      string          `json:"openwrt_release" yaml:"openwrt_release"`
	Target              string          `json:"target" yaml:"target"`
	Subtarget           string          `json:"subtarget" yaml:"subtarget"`
	ImageBuilderProfile string          `json:"imagebuilder_profile" yaml:"imagebuilder_profile"`

	Packages        []string `json:"packages,omitempty" yaml:"packages,omitempty"`
	PackagesRemove  []string `json:"packages_remove,omitempty" yaml:"packages_remove,omitempty"`

	Files      []FileSpec `json:"files,omitempty" yaml:"files,omitempty"`
	OverlayDir string     `json:"overlay_dir,omitempty" yaml:"overlay_dir,omitempty"`

	Policies      *ProfilePolicies `json:"policies,omitempty" yaml:"policies,omitempty"`
	BuildDefaults *BuildDefaults   `json:"build_defaults,omitempty" yaml:"build_defaults,omitempty"`

	BinDir           string   `json:"bin_dir,omitempty" yaml:"bin_dir,omitempty"`
	ExtraImageName   string   `json:"extra_image_name,omitempty" yaml:"extra_image_name,omitempty"`
	DisabledServices []string `json:"disabled_services,omitempty" yaml:"disabled_services,omitempty"`
	RootfsPartsize   *int     `json:"rootfs_partsize,omitempty" yaml:"rootfs_partsize,omitempty"`
	AddLocalKey      *bool    `json:"add_local_key,omitempty" yaml:"add_local_key,omitempty"`

	CreatedBy string `json:"created_by,omitempty" yaml:"created_by,omitempty"`
	Notes     string `json:"notes,omitempty" yaml:"notes,omitempty"`

	CreatedAt string `json:"created_at,omitempty" yaml:"-"`
	UpdatedAt string `json:"updated_at,omitempty" yaml:"-"`
}
