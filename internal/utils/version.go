// services/iotserver/internal/utils/version.go
package utils

import (
	"fmt"
	"regexp"
	"strconv"
)

var versionPattern = regexp.MustCompile(`^v?(\d+)\.(\d+)\.(\d+)(?:-([0-9A-Za-z.\-]+))?(?:\+[0-9A-Za-z.\-]+)?$`)

// Version is a parsed semantic version. Build metadata is dropped.
type Version struct {
	Major, Minor, Patch int
	Prerelease          string
}

// ParseVersion parses versions such as 1.2.3, v1.2.3-rc.1 or 1.2.3+build.5.
func ParseVersion(s string) (Version, error) {
	m := versionPattern.FindStringSubmatch(s)
	if m == nil {
		return Version{}, fmt.Errorf("invalid version format: %s", s)
	}

	var v Version
	for i, dst := range []*int{&v.Major, &v.Minor, &v.Patch} {
		n, err := strconv.Atoi(m[i+1])
		if err != nil {
			return Version{}, fmt.Errorf("invalid version format: %s", s)
		}
		*dst = n
	}
	v.Prerelease = m[4]
	return v, nil
}

// ValidateVersion validates semantic version format (e.g., 1.2.3).
func ValidateVersion(version string) error {
	_, err := ParseVersion(version)
	return err
}

// CompareVersions returns -1 if v1 < v2, 0 if v1 == v2, 1 if v1 > v2.
// A pre-release sorts before its release. Unparseable versions compare equal.
func CompareVersions(v1, v2 string) int {
	a, err := ParseVersion(v1)
	if err != nil {
		return 0
	}
	b, err := ParseVersion(v2)
	if err != nil {
		return 0
	}
	return a.Compare(b)
}

func (v Version) Compare(o Version) int {
	for _, d := range [][2]int{{v.Major, o.Major}, {v.Minor, o.Minor}, {v.Patch, o.Patch}} {
		if d[0] < d[1] {
			return -1
		}
		if d[0] > d[1] {
			return 1
		}
	}

	switch {
	case v.Prerelease == o.Prerelease:
		return 0
	case v.Prerelease == "":
		return 1
	case o.Prerelease == "":
		return -1
	case v.Prerelease < o.Prerelease:
		return -1
	default:
		return 1
	}
}
