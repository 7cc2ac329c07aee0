package version

import (
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"
)

// Unknown is the sentinel reported when no version marker exists. It always
// compares as outdated.
const Unknown = "unknown"

// Method describes how two version identifiers were compared.
type Method string

const (
	MethodSemver     Method = "semver"
	MethodCommitHash Method = "commit-hash"
	MethodUnknown    Method = "string-compare"
)

var (
	semverRe = regexp.MustCompile(`^\d+\.\d+(\.\d+)?(-[\w.]+)?$`)
	commitRe = regexp.MustCompile(`^[0-9a-f]{7,40}$`)
)

// Classify reports the shape of a version identifier. A leading "v" is not
// stripped here, so "v1.0.0" is neither semver nor a commit hash.
func Classify(v string) Method {
	if semverRe.MatchString(v) {
		return MethodSemver
	}
	if commitRe.MatchString(v) && !strings.Contains(v, ".") {
		return MethodCommitHash
	}
	return MethodUnknown
}

// Compare reports whether remote is newer than local. An unknown local version
// is always outdated. Dotted-numeric identifiers compare component-wise with
// missing trailing components treated as zero, so "1.9" < "1.10". Identifiers
// that are not dotted-numeric compare by plain inequality.
func Compare(local, remote string) bool {
	if local == Unknown {
		return true
	}
	l, r := strings.TrimPrefix(local, "v"), strings.TrimPrefix(remote, "v")
	if l == r {
		return false
	}
	lv, lErr := semver.NewVersion(l)
	rv, rErr := semver.NewVersion(r)
	if lErr != nil || rErr != nil {
		return l != r
	}
	return rv.GreaterThan(lv)
}
