// Package artifacts discovers build output files, classifies them by
// filename pattern, computes their checksums, and renders a build manifest.
package artifacts

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// Classification patterns, checked in this strict precedence order:
// initramfs is checked before factory/kernel since "-initramfs-kernel.bin"
// would otherwise also match a kernel pattern.
var (
	sysupgradePatterns = []string{"-sysupgrade.bin", "-sysupgrade.img.gz"}
	initramfsPatterns  = []string{"-initramfs-kernel.bin", "-initramfs.bin"}
	factoryPatterns    = []string{"-factory.bin", "-factory.img", "-kernel.bin"}
	kernelPatterns     = []string{"-kernel.bin", "-uimage", "-vmlinux"}
	rootfsPatterns     = []string{"-rootfs.tar.gz", "-rootfs.squashfs", "-rootfs.ext4"}
	manifestPatterns   = []string{".manifest"}
)

// HashChunkSize is the streaming read size used by ComputeFileHash.
const HashChunkSize = 64 * 1024

func anyContains(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

// ClassifyArtifact maps a filename to an artifact kind, checking patterns
// in the precedence order sysupgrade > initramfs > factory > kernel >
// rootfs > manifest > other.
func ClassifyArtifact(filename string) string {
	lower := strings.ToLower(filename)
	switch {
	case anyContains(lower, sysupgradePatterns):
		return types.ArtifactSysupgrade
	case anyContains(lower, initramfsPatterns):
		return types.ArtifactInitramfs
	case anyContains(lower, factoryPatterns):
		return types.ArtifactFactory
	case anyContains(lower, kernelPatterns):
		return types.ArtifactKernel
	case anyContains(lower, rootfsPatterns):
		return types.ArtifactRootfs
	case anyContains(lower, manifestPatterns):
		return types.ArtifactManifest
	default:
		return types.ArtifactOther
	}
}

// ComputeFileHash returns the SHA-256 hex digest of path, reading in
// HashChunkSize chunks.
func ComputeFileHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", errs.Wrap(errs.KindOSError, "failed to open file for hashing", err)
	}
	defer f.Close()

	hasher := sha256.New()
	buf := make([]byte, HashChunkSize)
	if _, err := io.CopyBuffer(hasher, f, buf); err != nil {
		return "", errs.Wrap(errs.KindOSError, "failed to read file for hashing", err)
	}
	return hex.EncodeToString(hasher.Sum(nil)), nil
}

var binaryExtensions = map[string]bool{
	".bin": true, ".img": true, ".gz": true, ".tar": true, ".squashfs": true, ".ext4": true,
}
var otherExtensions = map[string]bool{
	".manifest": true, ".buildinfo": true, ".json": true,
}

// Discoverer discovers and classifies build artifacts under a bin
// directory.
type Discoverer struct {
	log *logrus.Entry
}

// New returns a Discoverer.
func New(log *logrus.Logger) *Discoverer {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Discoverer{log: log.WithField("component", "artifacts")}
}

// Discover walks binDir and returns classified, hashed artifacts, skipping
// files smaller than 1 KiB (other than manifest/buildinfo/json files) and
// any extension not recognized as an image or supplementary metadata file.
// Paths are returned relative to artifactsRoot (binDir if empty).
func (d *Discoverer) Discover(binDir, artifactsRoot string, includeNonBinary bool) ([]types.ArtifactInfo, error) {
	if artifactsRoot == "" {
		artifactsRoot = binDir
	}

	if _, err := os.Stat(binDir); err != nil {
		d.log.WithField("bin_dir", binDir).Warn("build output directory does not exist")
		return nil, nil
	}

	var paths []string
	err := filepath.Walk(binDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to walk build output directory", err)
	}
	sort.Strings(paths)

	var out []types.ArtifactInfo
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}

		suffix := strings.ToLower(filepath.Ext(path))
		stem := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
		isImgGz := suffix == ".gz" && strings.HasSuffix(strings.ToLower(stem), ".img")

		valid := isImgGz || binaryExtensions[suffix]
		if includeNonBinary {
			valid = valid || otherExtensions[suffix]
		}
		if !valid {
			continue
		}

		sizeBytes := info.Size()
		if sizeBytes < 1024 && !otherExtensions[suffix] {
			d.log.WithField("file", path).WithField("size", sizeBytes).Debug("skipping small file")
			continue
		}

		sha256Hex, err := ComputeFileHash(path)
		if err != nil {
			return nil, err
		}
		kind := ClassifyArtifact(filepath.Base(path))

		relPath, err := filepath.Rel(artifactsRoot, path)
		if err != nil {
			relPath = filepath.Base(path)
		}
		relPath = filepath.ToSlash(relPath)

		artifact := types.ArtifactInfo{
			Filename:     filepath.Base(path),
			RelativePath: relPath,
			SizeBytes:    sizeBytes,
			SHA256:       sha256Hex,
			Kind:         kind,
		}
		switch kind {
		case types.ArtifactSysupgrade:
			artifact.Labels = append(artifact.Labels, "for_tf_flash")
		case types.ArtifactFactory:
			artifact.Labels = append(artifact.Labels, "for_factory_install")
			// "-kernel.bin" outranks the kernel pattern under factory in the
			// classification precedence; record the hint so the kernel
			// content isn't lost from an artifact that kind alone now
			// reports as "factory".
			if strings.Contains(strings.ToLower(artifact.Filename), "-kernel.bin") {
				artifact.Labels = append(artifact.Labels, "kernel")
			}
		}

		out = append(out, artifact)
	}

	d.log.WithField("count", len(out)).WithField("bin_dir", binDir).Info("discovered artifacts")
	return out, nil
}

// Manifest is the JSON-serializable summary of one build's output
// artifacts.
type Manifest struct {
	Version      string                 `json:"version"`
	GeneratedAt  string                 `json:"generated_at"`
	Artifacts    []types.ArtifactInfo   `json:"artifacts"`
	BuildID      *int64                 `json:"build_id,omitempty"`
	CacheKey     string                 `json:"cache_key,omitempty"`
	ProfileID    string                 `json:"profile_id,omitempty"`
	BuildInputs  map[string]any         `json:"build_inputs,omitempty"`
	Metadata     map[string]any         `json:"metadata,omitempty"`
	Summary      ManifestSummary        `json:"summary"`
}

// ManifestSummary aggregates counts and sizes across a Manifest's artifacts.
type ManifestSummary struct {
	TotalArtifacts  int      `json:"total_artifacts"`
	TotalSizeBytes  int64    `json:"total_size_bytes"`
	Kinds           []string `json:"kinds"`
}

// ManifestOptions carries the optional identifying fields of GenerateManifest.
type ManifestOptions struct {
	BuildID     *int64
	CacheKey    string
	ProfileID   string
	BuildInputs map[string]any
	Metadata    map[string]any
}

// GenerateManifest builds a Manifest from a list of discovered artifacts.
func GenerateManifest(artifacts []types.ArtifactInfo, opts ManifestOptions) Manifest {
	kindSet := map[string]bool{}
	var totalSize int64
	for _, a := range artifacts {
		totalSize += a.SizeBytes
		if a.Kind != "" {
			kindSet[a.Kind] = true
		}
	}
	var kinds []string
	for k := range kindSet {
		kinds = append(kinds, k)
	}
	sort.Strings(kinds)

	if artifacts == nil {
		artifacts = []types.ArtifactInfo{}
	}

	return Manifest{
		Version:     "1.0",
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Artifacts:   artifacts,
		BuildID:     opts.BuildID,
		CacheKey:    opts.CacheKey,
		ProfileID:   opts.ProfileID,
		BuildInputs: opts.BuildInputs,
		Metadata:    opts.Metadata,
		Summary: ManifestSummary{
			TotalArtifacts: len(artifacts),
			TotalSizeBytes: totalSize,
			Kinds:          kinds,
		},
	}
}

// WriteManifest renders manifest as indented JSON to outputPath. Top-level
// fields follow the Manifest struct's declaration order; keys of map-valued
// fields are sorted.
func WriteManifest(manifest Manifest, outputPath string) error {
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return errs.Wrap(errs.KindOSError, "failed to create manifest directory", err)
	}

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errs.Wrap(errs.KindInternal, "failed to marshal manifest", err)
	}
	if err := os.WriteFile(outputPath, data, 0o644); err != nil {
		return errs.Wrap(errs.KindOSError, "failed to write manifest", err)
	}
	return nil
}

// DiscoverAndManifest discovers artifacts under binDir, writes a manifest
// to manifestPath, and returns both.
func (d *Discoverer) DiscoverAndManifest(binDir, manifestPath, artifactsRoot string, opts ManifestOptions) ([]types.ArtifactInfo, Manifest, error) {
	discovered, err := d.Discover(binDir, artifactsRoot, false)
	if err != nil {
		return nil, Manifest{}, err
	}

	manifest := GenerateManifest(discovered, opts)
	if err := WriteManifest(manifest, manifestPath); err != nil {
		return nil, Manifest{}, err
	}
	return discovered, manifest, nil
}

// GetPrimaryArtifact returns the artifact best suited for flashing:
// sysupgrade first, then factory, then any non-manifest/other binary.
func GetPrimaryArtifact(artifacts []types.ArtifactInfo) *types.ArtifactInfo {
	for _, kind := range []string{types.ArtifactSysupgrade, types.ArtifactFactory} {
		for i := range artifacts {
			if artifacts[i].Kind == kind {
				return &artifacts[i]
			}
		}
	}
	for i := range artifacts {
		if artifacts[i].Kind != types.ArtifactManifest && artifacts[i].Kind != types.ArtifactOther {
			return &artifacts[i]
		}
	}
	return nil
}
