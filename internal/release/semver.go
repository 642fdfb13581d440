package release

import (
	"fmt"
	"sort"

	"github.com/Masterminds/semver/v3"

	customerrors "github.com/cropalato/chart-registry/pkg/errors"
)

// Aliases resolved to the highest qualifying release
const (
	AliasLatest  = "latest"
	AliasCurrent = "current"
)

// IsAlias reports whether tag names the latest release rather than a version
func IsAlias(tag string) bool {
	return tag == AliasLatest || tag == AliasCurrent
}

// ParseTag parses tag as a strict SemVer 2 version: no "v" prefix, all three components
func ParseTag(tag string) (*semver.Version, error) {
	v, err := semver.StrictNewVersion(tag)
	if err != nil {
		return nil, customerrors.NewValidationError(customerrors.CodeInvalidSemver, "version", tag,
			fmt.Sprintf("not a valid semantic version: %v", err))
	}
	return v, nil
}

// Key formats the repository/tag pair used in errors and locks
func Key(repositoryID int64, tag string) string {
	return fmt.Sprintf("%d/%s", repositoryID, tag)
}

type versioned struct {
	rel *Release
	v   *semver.Version
}

// newer reports whether a ranks above b: SemVer precedence, then creation time, then tag
func newer(a, b versioned) bool {
	switch {
	case a.v == nil && b.v == nil:
	case a.v == nil:
		return false
	case b.v == nil:
		return true
	default:
		if c := a.v.Compare(b.v); c != 0 {
			return c > 0
		}
	}
	if !a.rel.CreatedAt.Equal(b.rel.CreatedAt) {
		return a.rel.CreatedAt.After(b.rel.CreatedAt)
	}
	return a.rel.Tag > b.rel.Tag
}

func parseAll(releases []*Release) []versioned {
	out := make([]versioned, 0, len(releases))
	for _, rel := range releases {
		// Tags are validated on Create; an unparsable one only sorts last
		v, _ := semver.StrictNewVersion(rel.Tag)
		out = append(out, versioned{rel: rel, v: v})
	}
	return out
}

// Sort orders releases in place, highest version first
func Sort(releases []*Release) {
	parsed := parseAll(releases)
	sort.SliceStable(parsed, func(i, j int) bool { return newer(parsed[i], parsed[j]) })
	for i := range parsed {
		releases[i] = parsed[i].rel
	}
}

// SelectLatest returns the highest release, skipping pre-releases unless allowPrerelease is set
func SelectLatest(releases []*Release, allowPrerelease bool) *Release {
	var best *versioned
	for _, candidate := range parseAll(releases) {
		if candidate.v == nil {
			continue
		}
		if !allowPrerelease && candidate.v.Prerelease() != "" {
			continue
		}
		if best == nil || newer(candidate, *best) {
			c := candidate
			best = &c
		}
	}
	if best == nil {
		return nil
	}
	return best.rel
}
