package version

import (
	"fmt"
	"strings"
)

var (
	// GitCommit is filled in by the compiler from build metadata. It is the
	// commit the binary was built from.
	GitCommit string

	// Version is the main version number that is being run at the moment.
	Version = "0.3.0"

	// VersionPrerelease is a marker for the version. If this is "" (empty
	// string) then it means that it is a final release. Otherwise, this is
	// a pre-release such as "dev" (in development), "beta", "rc1", etc.
	VersionPrerelease = "dev"
)

// GetHumanVersion composes the parts of the version in a way that's suitable
// for displaying to humans.
func GetHumanVersion() string {
	version := Version
	release := VersionPrerelease

	if release != "" {
		if !strings.HasSuffix(version, "-"+release) {
			// if we tagged a prerelease version then the release is in the version already
			version += fmt.Sprintf("-%s", release)
		}
		if GitCommit != "" {
			version += fmt.Sprintf(" (%s)", GitCommit)
		}
	}

	// Strip off any single quotes added by the git information.
	return strings.ReplaceAll(version, "'", "")
}
