package imagebuilder

import "fmt"

// DefaultBaseURL is the public OpenWrt download origin.
const DefaultBaseURL = "https://downloads.openwrt.org"

// URLs holds the archive and checksum URLs for one (release, target,
// subtarget) Image Builder.
type URLs struct {
	ArchiveURL     string
	SHA256SumsURL  string
}

// BuildURLs derives the archive and checksum URLs for a release/target/
// subtarget combination, switching path layout and archive format for the
// "snapshot" pseudo-release per SPEC_FULL.md §4.4.
func BuildURLs(release, target, subtarget, baseURL string) URLs {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}

	if release == "snapshot" {
		prefix := fmt.Sprintf("%s/snapshots/targets/%s/%s", baseURL, target, subtarget)
		archive := fmt.Sprintf("openwrt-imagebuilder-%s-%s.Linux-x86_64.tar.zst", target, subtarget)
		return URLs{
			ArchiveURL:    prefix + "/" + archive,
			SHA256SumsURL: prefix + "/sha256sums",
		}
	}

	prefix := fmt.Sprintf("%s/releases/%s/targets/%s/%s", baseURL, release, target, subtarget)
	archive := fmt.Sprintf("openwrt-imagebuilder-%s-%s-%s.Linux-x86_64.tar.xz", release, target, subtarget)
	return URLs{
		ArchiveURL:    prefix + "/" + archive,
		SHA256SumsURL: prefix + "/sha256sums",
	}
}

// ArchiveFilename extracts the basename from an archive URL.
func ArchiveFilename(archiveURL string) string {
	for i := len(archiveURL) - 1; i >= 0; i-- {
		if archiveURL[i] == '/' {
			return archiveURL[i+1:]
		}
	}
	return archiveURL
}
