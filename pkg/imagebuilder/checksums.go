package imagebuilder

import (
	"strings"
)

// ParseSHA256Sums parses the plain-text SHA256SUMS format
// ("<hex><space(s)>[*]<filename>" per line; blank and '#' lines ignored)
// and returns the lowercase checksum for archiveFilename, or "" if absent.
func ParseSHA256Sums(content, archiveFilename string) string {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		parts := strings.SplitN(line, " ", 2)
		if len(parts) != 2 {
			// SHA256SUMS commonly separates with two spaces; fall back to
			// splitting on any whitespace run.
			fields := strings.Fields(line)
			if len(fields) != 2 {
				continue
			}
			parts = fields
		}

		checksum := parts[0]
		filename := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(parts[1]), "*"))
		if filename == archiveFilename {
			return strings.ToLower(checksum)
		}
	}
	return ""
}
