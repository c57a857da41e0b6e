// Package rewriter implements the time-bounded metadata rewrite: given a
// parsed registry document and a cutoff instant, it hides every version
// published after the cutoff while keeping dist-tags.latest, the versions
// map, and the time map mutually consistent.
package rewriter

import (
	"time"

	"github.com/tinystack-dev/pkgbisect/internal/registry"
)

// Rewrite applies the cutoff to doc in place and reports whether anything
// changed. See spec §4.1 for the algorithm; this is a direct, literal
// translation with no shortcuts taken on the reserved-key or degraded-tag
// edge cases.
func Rewrite(doc *registry.Document, cutoff time.Time) bool {
	if !doc.HasTime() || !doc.HasVersions() {
		return false
	}

	changed := false
	deleted := make(map[string]bool)

	var bestVersion string
	var bestTime time.Time
	haveBest := false

	for v := range doc.TimeRaw {
		if registry.IsReservedTimeKey(v) {
			continue
		}

		t, ok := doc.ParsedTime(v)
		if !ok {
			// Malformed timestamp: never fabricate a deletion from a
			// parse failure, so it is preserved as-is.
			continue
		}

		if t.After(cutoff) {
			delete(doc.TimeRaw, v)
			delete(doc.Versions, v)
			deleted[v] = true
			changed = true
			continue
		}

		if !haveBest || t.After(bestTime) || (t.Equal(bestTime) && v > bestVersion) {
			bestVersion = v
			bestTime = t
			haveBest = true
		}
	}

	if changed && doc.DistTags != nil {
		if latest, ok := doc.DistTags["latest"]; ok && deleted[latest] {
			if haveBest {
				doc.DistTags["latest"] = bestVersion
			} else {
				delete(doc.DistTags, "latest")
			}
		}
	}

	return changed
}
