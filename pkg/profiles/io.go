package profiles

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v2"

	"github.com/openwrt-imagegen/owrt-imagegen/pkg/errs"
	"github.com/openwrt-imagegen/owrt-imagegen/pkg/types"
)

// Load reads and validates a profile from a YAML or JSON file, selected by
// extension (.yaml/.yml or .json).
func Load(path string) (*types.Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errs.Wrap(errs.KindOSError, "failed to read profile file "+path, err)
	}

	profile := &types.Profile{}
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, profile); err != nil {
			return nil, errs.Wrap(errs.KindValidation, "failed to parse YAML profile "+path, err)
		}
	case ".json":
		if err := json.Unmarshal(data, profile); err != nil {
			return nil, errs.Wrap(errs.KindValidation, "failed to parse JSON profile "+path, err)
		}
	default:
		return nil, errs.New(errs.KindUnsupportedFormat, "unsupported file extension '"+ext+"'. Use .yaml, .yml, or .json")
	}

	if err := Validate(profile); err != nil {
		return nil, err
	}
	return profile, nil
}

// Export writes profile to path as YAML or JSON, selected by extension.
func Export(profile *types.Profile, path string) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		data, err := yaml.Marshal(profile)
		if err != nil {
			return errs.Wrap(errs.KindInternal, "failed to marshal profile to YAML", err)
		}
		if err := os.WriteFile(path, data, 0o644); err != nil {
			return errs.Wrap(errs.KindOSError, "failed to write profile file "+path, err)
		}
	case ".json":
		data, err := json.MarshalIndent(profile, "", "  ")
		if err != nil {
			return errs.Wrap(errs.KindInternal, "failed to marshal profile to JSON", err)
		}
		if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
			return errs.Wrap(errs.KindOSError, "failed to write profile file "+path, err)
		}
	default:
		return errs.New(errs.KindUnsupportedFormat, "unsupported file extension '"+ext+"'. Use .yaml, .yml, or .json")
	}
	return nil
}

// ImportResult describes the outcome of importing one profile file.
type ImportResult struct {
	ProfileID string
	Success   bool
	Error     string
	Created   bool
}

// BulkImportResult summarizes a directory import.
type BulkImportResult struct {
	Total     int
	Succeeded int
	Failed    int
	Results   []ImportResult
}

// sanitizeFilename makes profile_id safe to use as a filename: no path
// separators, no "..", no leading/trailing dots or spaces.
func sanitizeFilename(profileID string) string {
	safe := strings.Map(func(r rune) rune {
		switch {
		case r == '/' || r == '\\' || r == ':' || r == '*' || r == '?' || r == '"' || r == '<' || r == '>' || r == '|':
			return '_'
		case r < 0x20:
			return '_'
		default:
			return r
		}
	}, profileID)
	safe = strings.ReplaceAll(safe, "..", "__")
	safe = strings.Trim(safe, ". ")
	return safe
}
