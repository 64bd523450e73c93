// Package version reports the chatsync release and build metadata.
package version

import (
	"fmt"
	"runtime/debug"
	"strings"
)

// Commit is the git revision of the build. Set with
// -ldflags "-X github.com/bhandras/chatsync/internal/version.Commit=<sha>".
// When empty, the revision recorded by the Go toolchain is used.
var Commit string

// preReleaseAlphabet holds the characters SemVer allows in pre-release tags.
const preReleaseAlphabet = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-."

const (
	major uint = 0
	minor uint = 3
	patch uint = 0

	preRelease = ""
)

// Version returns the SemVer string of this release.
func Version() string {
	v := fmt.Sprintf("%d.%d.%d", major, minor, patch)
	if tag := sanitize(preRelease); tag != "" {
		v += "-" + tag
	}
	return v
}

// Full returns the version followed by the commit, when one is known.
func Full() string {
	commit := strings.TrimSpace(Commit)
	if commit == "" {
		commit = buildRevision()
	}
	if commit == "" {
		return Version()
	}
	return fmt.Sprintf("%s commit=%s", Version(), commit)
}

func buildRevision() string {
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return ""
	}
	for _, s := range info.Settings {
		if s.Key == "vcs.revision" {
			return s.Value
		}
	}
	return ""
}

// sanitize drops characters SemVer does not allow.
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		if strings.ContainsRune(preReleaseAlphabet, r) {
			return r
		}
		return -1
	}, s)
}
