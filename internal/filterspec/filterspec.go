// Package filterspec parses --ignore/--only specs ("name" or
// "name@range") and matches them against timeline events.
package filterspec

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

// Spec is one parsed --ignore or --only entry.
type Spec struct {
	Name  string
	Range *semver.Constraints // nil means "any version of Name"
	raw   string
}

// Parse parses a single "name" or "name@range" spec. The package name may
// itself be scoped (e.g. "@babel/core"), so the split point is the last
// "@" that is not the first character of the string.
func Parse(spec string) (Spec, error) {
	idx := strings.LastIndex(spec, "@")
	if idx <= 0 {
		return Spec{Name: spec, raw: spec}, nil
	}

	name := spec[:idx]
	rangeExpr := spec[idx+1:]
	if rangeExpr == "" {
		return Spec{Name: name, raw: spec}, nil
	}

	c, err := semver.NewConstraint(rangeExpr)
	if err != nil {
		return Spec{}, fmt.Errorf("filterspec: invalid range %q in %q: %w", rangeExpr, spec, err)
	}
	return Spec{Name: name, Range: c, raw: spec}, nil
}

// ParseAll parses a list of specs, collecting the first error encountered.
func ParseAll(specs []string) ([]Spec, error) {
	out := make([]Spec, 0, len(specs))
	for _, s := range specs {
		parsed, err := Parse(s)
		if err != nil {
			return nil, err
		}
		out = append(out, parsed)
	}
	return out, nil
}

// Matches reports whether ev satisfies s: names must match exactly, and if
// s carries a range, ev's version must satisfy it. A version that fails to
// parse as semver never matches a ranged spec (but still matches a
// name-only spec), since we cannot evaluate the range against it.
func (s Spec) Matches(ev timeline.Event) bool {
	if s.Name != ev.PackageName {
		return false
	}
	if s.Range == nil {
		return true
	}
	v, err := semver.NewVersion(ev.Version)
	if err != nil {
		return false
	}
	return s.Range.Check(v)
}

// AnyMatches reports whether ev matches any of specs.
func AnyMatches(specs []Spec, ev timeline.Event) bool {
	for _, s := range specs {
		if s.Matches(ev) {
			return true
		}
	}
	return false
}

// Apply narrows events per spec §4.4 step 4: "only" restricts to matches
// (and implicitly excludes everything else), "ignore" drops matches. If
// both are empty, events is returned unchanged — the caller is
// responsible for the interactive-exclusion fallback that step 4 also
// describes.
func Apply(events []timeline.Event, only, ignore []Spec) []timeline.Event {
	if len(only) > 0 {
		var kept []timeline.Event
		for _, ev := range events {
			if AnyMatches(only, ev) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	if len(ignore) > 0 {
		var kept []timeline.Event
		for _, ev := range events {
			if !AnyMatches(ignore, ev) {
				kept = append(kept, ev)
			}
		}
		events = kept
	}

	return events
}
