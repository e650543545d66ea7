// Package release holds the domain vocabulary of the release pipeline:
// versions, build platforms, and per-platform build statuses.  It has no
// I/O -- clients that fetch statuses live in internal/status.
package release

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Version is a release version string, e.g. "4.172.0" for a tagged
// release or "2026.08.27" for a nightly.
type Version string

// nightlyRE matches nightly versions, which are date-stamped.
var nightlyRE = regexp.MustCompile(`^\d{4}\.\d{2}\.\d{2}$`)

// IsNightly reports whether v is a date-stamped nightly build rather
// than a tagged release.
func (v Version) IsNightly() bool {
	return nightlyRE.MatchString(string(v))
}

func (v Version) String() string { return string(v) }

// Platform identifies a build target.  Most platforms are Linux
// distribution releases ("ubuntu-22.04", "debian-12").  Two
// pseudo-platforms track the source tarball and its GPG signature, and
// macOS targets carry a "macos-" prefix ("macos-14").
type Platform string

const (
	// PlatformSource is the pseudo-platform for the release source tarball.
	PlatformSource Platform = "source"
	// PlatformSourceGPG is the pseudo-platform for the tarball signature.
	PlatformSourceGPG Platform = "source_gpg"
)

// IsSource reports whether p is one of the source pseudo-platforms.
func (p Platform) IsSource() bool {
	return p == PlatformSource || p == PlatformSourceGPG
}

// IsMacOS reports whether p is a macOS build target.
func (p Platform) IsMacOS() bool {
	return strings.HasPrefix(string(p), "macos")
}

// IsLinux reports whether p is a Linux distribution target, i.e.
// neither a source pseudo-platform nor a macOS target.
func (p Platform) IsLinux() bool {
	return p != "" && !p.IsSource() && !p.IsMacOS()
}

func (p Platform) String() string { return string(p) }

// Status is the build/publication state of one platform for one version.
type Status string

const (
	// StatusNotBuilt means no build artifact exists yet.
	StatusNotBuilt Status = "not_built"
	// StatusBuiltNotPublished means the artifact exists but has not been
	// pushed to the public repositories.
	StatusBuiltNotPublished Status = "built_not_published"
	// StatusPublished means the artifact is live in the public repositories.
	StatusPublished Status = "published"
	// StatusSucceeded is reported by externally-triggered builds (macOS)
	// that publish as part of the build itself.
	StatusSucceeded Status = "succeeded"
	// StatusFailed is reported by externally-triggered builds that failed.
	StatusFailed Status = "failed"
)

// ParseStatus validates a status string received from the status service.
func ParseStatus(s string) (Status, error) {
	switch Status(s) {
	case StatusNotBuilt, StatusBuiltNotPublished, StatusPublished,
		StatusSucceeded, StatusFailed:
		return Status(s), nil
	}
	return "", fmt.Errorf("unknown build status %q", s)
}

// AnyUnpublished reports whether any platform in statuses is built but
// not yet published.  Publishing with unbuilt platforms would produce a
// partial release, so any not_built platform is an error naming the
// offenders.
func AnyUnpublished(statuses map[Platform]Status) (bool, error) {
	var notBuilt []string
	for p, s := range statuses {
		if s == StatusNotBuilt {
			notBuilt = append(notBuilt, string(p))
		}
	}
	if len(notBuilt) > 0 {
		sort.Strings(notBuilt)
		return false, fmt.Errorf(
			"cannot publish because there are unbuilt packages: %s",
			strings.Join(notBuilt, ", "),
		)
	}

	for _, s := range statuses {
		if s == StatusBuiltNotPublished {
			return true, nil
		}
	}
	return false, nil
}

// SourceTarballName returns the object name of the release source
// tarball for a project/version pair.
func SourceTarballName(project string, v Version) string {
	return fmt.Sprintf("%s-%s.tar.gz", project, v)
}
