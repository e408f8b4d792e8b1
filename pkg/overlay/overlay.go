// Package overlay materializes a profile's file overlays into a fresh
// staging directory passed to the Image Builder as FILES=<dir>, and
// computes a deterministic content hash of that directory tree.
package overlay

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

const (
	defaultFileMode = fs.FileMode(0o644)
)

// Stager stages profile overlays into a staging directory.
type Stager struct {
	log *logrus.Entry
}

// New returns a Stager that logs under the "overlay" component field.
func New(log *logrus.Logger) *Stager {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Stager{log: log.WithField("component", "overlay")}
}

// HasOverlayContent reports whether a profile has any files or overlay_dir
// to stage, letting callers skip staging (and hashing) entirely.
func HasOverlayContent(p *types.Profile) bool {
	return len(p.Files) > 0 || p.OverlayDir != ""
}

// ParseMode parses an octal mode string like "0644" or "644". A nil return
// means "no override, use the default".
func ParseMode(modeStr string) *fs.FileMode {
	if modeStr == "" {
		return nil
	}
	v, err := strconv.ParseUint(modeStr, 8, 32)
	if err != nil {
		return nil
	}
	m := fs.FileMode(v)
	return &m
}

// Stage stages overlay_dir (if any) followed by individual file specs
// (which may override overlay_dir content) into stagingDir, with sources
// resolved against basePath. It returns stagingDir on success.
func (s *Stager) Stage(stagingDir string, p *types.Profile, basePath string) (string, error) {
	basePathAbs, err := filepath.Abs(basePath)
	if err != nil {
		return "", errs.Wrap(errs.KindPathError, "failed to resolve base path", err)
	}

	if err := os.MkdirAll(stagingDir, 0o755); err != nil {
		return "", errs.Wrap(errs.KindDirStageError, "failed to create staging directory", err)
	}
	stagingDirAbs, err := filepath.Abs(stagingDir)
	if err != nil {
		return "", errs.Wrap(errs.KindPathError, "failed to resolve staging directory", err)
	}

	if p.OverlayDir != "" {
		overlayPath := filepath.Join(basePathAbs, p.OverlayDir)
		if _, err := validateWithinBase(overlayPath, basePathAbs, "overlay_dir"); err != nil {
			return "", err
		}
		info, err := os.Stat(overlayPath)
		if err != nil {
			return "", errs.New(errs.KindOverlayNotFound, "overlay directory not found: "+overlayPath)
		}
		if !info.IsDir() {
			return "", errs.New(errs.KindOverlayNotDir, "overlay path is not a directory: "+overlayPath)
		}
		s.log.WithField("overlay_dir", overlayPath).Debug("staging overlay directory")
		if err := stageDirectory(overlayPath, stagingDirAbs); err != nil {
			return "", err
		}
	}

	for _, spec := range p.Files {
		sourcePath := filepath.Join(basePathAbs, spec.Source)
		if _, err := validateWithinBase(sourcePath, basePathAbs, "source"); err != nil {
			return "", err
		}
		if _, err := os.Stat(sourcePath); err != nil {
			return "", errs.New(errs.KindSourceNotFound, "source file not found: "+sourcePath)
		}

		destRel := strings.TrimPrefix(spec.Destination, "/")
		destPath := filepath.Join(stagingDirAbs, destRel)
		if _, err := validateWithinBase(destPath, stagingDirAbs, "destination"); err != nil {
			return "", err
		}

		mode := ParseMode(spec.Mode)
		s.log.WithFields(logrus.Fields{"source": sourcePath, "destination": destPath}).Debug("staging file")
		if err := stageFile(sourcePath, destPath, mode); err != nil {
			return "", err
		}
	}

	return stagingDir, nil
}

// StageAndHash stages the overlay then computes its tree hash in one call.
func (s *Stager) StageAndHash(stagingDir string, p *types.Profile, basePath string) (string, string, error) {
	staged, err := s.Stage(stagingDir, p, basePath)
	if err != nil {
		return "", "", err
	}
	hash, err := ComputeTreeHash(staged)
	if err != nil {
		return "", "", err
	}
	return staged, hash, nil
}

func validateWithinBase(path, base, kind string) (string, error) {
	resolved, err := filepath.EvalSymlinks(path)
	if err != nil {
		// Destination paths under the staging dir may not exist yet;
		// fall back to the lexical (non-symlink-resolved) path so new
		// files can still be validated against the base directory.
		resolved = filepath.Clean(path)
	}
	resolvedBase, err := filepath.EvalSymlinks(base)
	if err != nil {
		resolvedBase = filepath.Clean(base)
	}
	rel, err := filepath.Rel(resolvedBase, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", errs.New(errs.KindPathTraversal, kind+" path traversal detected: "+path+" resolves outside "+base)
	}
	return resolved, nil
}

func stageFile(source, dest string, mode *fs.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return errs.Wrap(errs.KindFileStageError, "failed to create destination directory for "+dest, err)
	}
	if err := copyFile(source, dest); err != nil {
		return errs.Wrap(errs.KindFileStageError, "failed to stage file "+source+" -> "+dest, err)
	}
	if mode != nil {
		if err := os.Chmod(dest, *mode); err != nil {
			return errs.Wrap(errs.KindFileStageError, "failed to chmod "+dest, err)
		}
	}
	return nil
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return err
	}
	defer in.Close()

	info, err := in.Stat()
	if err != nil {
		return err
	}
	mode := info.Mode().Perm()
	if mode == 0 {
		mode = defaultFileMode
	}

	out, err := os.OpenFile(dest, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}

// stageDirectory copies a directory tree into destDir, refusing to follow
// symlinks that resolve outside the source tree.
func stageDirectory(sourceDir, destDir string) error {
	sourceDirResolved, err := filepath.EvalSymlinks(sourceDir)
	if err != nil {
		return errs.Wrap(errs.KindDirStageError, "failed to resolve source directory "+sourceDir, err)
	}

	return filepath.Walk(sourceDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return errs.Wrap(errs.KindDirStageError, "failed to walk "+sourceDir, err)
		}
		if path == sourceDir {
			return nil
		}
		relPath, err := filepath.Rel(sourceDir, path)
		if err != nil {
			return errs.Wrap(errs.KindDirStageError, "failed to compute relative path for "+path, err)
		}
		destPath := filepath.Join(destDir, relPath)

		if info.Mode()&os.ModeSymlink != 0 {
			target, err := filepath.EvalSymlinks(path)
			if err != nil {
				return errs.Wrap(errs.KindDirStageError, "failed to resolve symlink "+path, err)
			}
			rel, err := filepath.Rel(sourceDirResolved, target)
			if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
				return errs.New(errs.KindSymlinkEscape, "symlink "+path+" points outside source tree: "+target)
			}
			if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
				return errs.Wrap(errs.KindDirStageError, "failed to create "+filepath.Dir(destPath), err)
			}
			return copyFile(target, destPath)
		}

		if info.IsDir() {
			return os.MkdirAll(destPath, 0o755)
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return errs.Wrap(errs.KindDirStageError, "failed to create "+filepath.Dir(destPath), err)
		}
		return copyFile(path, destPath)
	})
}

// ComputeTreeHash hashes a directory tree deterministically over
// (sorted relative path, octal mode, contents) tuples. A nonexistent
// directory hashes to the empty SHA-256 digest.
func ComputeTreeHash(directory string) (string, error) {
	hasher := sha256.New()

	if _, err := os.Stat(directory); err != nil {
		return hex.EncodeToString(hasher.Sum(nil)), nil
	}

	var relPaths []string
	abs := map[string]string{}
	err := filepath.Walk(directory, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(directory, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		relPaths = append(relPaths, rel)
		abs[rel] = path
		return nil
	})
	if err != nil {
		return "", errs.Wrap(errs.KindDirStageError, "failed to walk "+directory, err)
	}
	sort.Strings(relPaths)

	for _, rel := range relPaths {
		path := abs[rel]
		info, err := os.Stat(path)
		if err != nil {
			return "", errs.Wrap(errs.KindDirStageError, "failed to stat "+path, err)
		}
		content, err := os.ReadFile(path)
		if err != nil {
			return "", errs.Wrap(errs.KindDirStageError, "failed to read "+path, err)
		}
		mode := info.Mode().Perm()

		hasher.Write([]byte(rel))
		hasher.Write([]byte{0})
		hasher.Write([]byte(strconv.FormatUint(uint64(mode), 8)))
		hasher.Write([]byte{0})
		hasher.Write(content)
		hasher.Write([]byte{0})
	}

	return hex.EncodeToString(hasher.Sum(nil)), nil
}
