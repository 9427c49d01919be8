package constraints

import (
	"fmt"
	"regexp"

	"github.com/blang/semver"
)

var versionCore = regexp.MustCompile(`(\d+)(?:\.(\d+))?(?:\.(\d+))?`)

// coerceVersion extracts the first major[.minor[.patch]] run of s, so
// "polkadot-v1.2", "1.2.0-ba42b9c-x86_64-linux-gnu" and "v1.2.0" all compare
// as their release versions.
func coerceVersion(s string) (semver.Version, error) {
	m := versionCore.FindStringSubmatch(s)
	if m == nil {
		return semver.Version{}, fmt.Errorf("no version in %q", s)
	}
	for i := 2; i <= 3; i++ {
		if m[i] == "" {
			m[i] = "0"
		}
	}
	return semver.Parse(fmt.Sprintf("%s.%s.%s", m[1], m[2], m[3]))
}
