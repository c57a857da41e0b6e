// Package registry defines the parsed shape of a package-registry metadata
// document (an npm-style "packument") and the tolerant JSON handling needed
// to round-trip one without losing unknown fields.
package registry

import (
	"encoding/json"
	"fmt"
	"time"
)

// reservedTimeKeys are entries in a Document's Time map that describe the
// package itself rather than naming a published version. The upstream
// source uses both "created" and "changed" for this depending on registry
// vintage; both are tolerated. Only these three literal keys are reserved:
// every other key is treated as a version string, whatever its form. A
// version entry whose value is not a valid RFC 3339 instant is handled
// separately, by ParsedTime returning ok=false.
var reservedTimeKeys = map[string]bool{
	"modified": true,
	"created":  true,
	"changed":  true,
}

// IsReservedTimeKey reports whether key names package-level metadata rather
// than a published version.
func IsReservedTimeKey(key string) bool {
	return reservedTimeKeys[key]
}

// Document is a parsed package-metadata document for a single package.
// Fields not modeled here (dependencies, dist URLs, scripts, etc.) are
// preserved via Versions' raw json.RawMessage values and Extra.
type Document struct {
	Name string `json:"name"`

	// Versions maps a version string to its opaque per-version object.
	// Kept as json.RawMessage so the rewriter never has to understand or
	// re-encode fields it doesn't own.
	Versions map[string]json.RawMessage `json:"versions"`

	// Time maps version strings, plus the reserved keys, to publish
	// instants. Malformed timestamps are kept as raw strings in TimeRaw
	// so a parse failure never fabricates a deletion (spec: "malformed
	// time values are treated as not newer than cutoff").
	TimeRaw map[string]string `json:"time"`

	DistTags map[string]string `json:"dist-tags"`

	// Extra carries every other top-level field untouched.
	Extra map[string]json.RawMessage `json:"-"`
}

// HasTime reports whether the document carries a time map at all. A
// document with no time map (e.g. the compact "install-v1" variant) can't
// be rewritten by cutoff and the caller must fall back to a secondary
// fetch.
func (d *Document) HasTime() bool {
	return d.TimeRaw != nil
}

// HasVersions reports whether the document carries a versions map.
func (d *Document) HasVersions() bool {
	return d.Versions != nil
}

// ParsedTime attempts to parse the raw timestamp for key. ok is false if
// the key is absent or the value fails to parse as RFC 3339 — the latter
// case must never be treated as "newer than cutoff" by the rewriter.
func (d *Document) ParsedTime(key string) (t time.Time, ok bool) {
	raw, present := d.TimeRaw[key]
	if !present {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339, raw)
	if err != nil {
		return time.Time{}, false
	}
	return parsed, true
}

// UnmarshalJSON implements a tolerant decode: known fields are extracted
// into their typed slots, everything else lands in Extra so re-encoding
// the document never drops data the rewriter doesn't understand.
func (d *Document) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("registry: decode document: %w", err)
	}

	d.Extra = make(map[string]json.RawMessage, len(raw))
	for k, v := range raw {
		switch k {
		case "name":
			if err := json.Unmarshal(v, &d.Name); err != nil {
				return fmt.Errorf("registry: decode name: %w", err)
			}
		case "versions":
			if err := json.Unmarshal(v, &d.Versions); err != nil {
				return fmt.Errorf("registry: decode versions: %w", err)
			}
		case "time":
			if err := json.Unmarshal(v, &d.TimeRaw); err != nil {
				return fmt.Errorf("registry: decode time: %w", err)
			}
		case "dist-tags":
			if err := json.Unmarshal(v, &d.DistTags); err != nil {
				return fmt.Errorf("registry: decode dist-tags: %w", err)
			}
		default:
			d.Extra[k] = v
		}
	}
	return nil
}

// MarshalJSON re-encodes the document, merging the typed fields back with
// Extra so unknown fields survive a rewrite unchanged.
func (d *Document) MarshalJSON() ([]byte, error) {
	out := make(map[string]json.RawMessage, len(d.Extra)+4)
	for k, v := range d.Extra {
		out[k] = v
	}

	if d.Name != "" {
		b, err := json.Marshal(d.Name)
		if err != nil {
			return nil, err
		}
		out["name"] = b
	}
	if d.Versions != nil {
		b, err := json.Marshal(d.Versions)
		if err != nil {
			return nil, err
		}
		out["versions"] = b
	}
	if d.TimeRaw != nil {
		b, err := json.Marshal(d.TimeRaw)
		if err != nil {
			return nil, err
		}
		out["time"] = b
	}
	if d.DistTags != nil {
		b, err := json.Marshal(d.DistTags)
		if err != nil {
			return nil, err
		}
		out["dist-tags"] = b
	}

	return json.Marshal(out)
}
