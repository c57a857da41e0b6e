package rewriter

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/tinystack-dev/pkgbisect/internal/registry"
)

func mustParse(t *testing.T, s string) time.Time {
	t.Helper()
	ts, err := time.Parse(time.RFC3339, s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	return ts
}

func newDoc(versions map[string]string, latest string) *registry.Document {
	d := &registry.Document{
		Name:     "pkg",
		Versions: make(map[string]json.RawMessage),
		TimeRaw:  make(map[string]string),
		DistTags: map[string]string{},
	}
	for v, ts := range versions {
		d.Versions[v] = json.RawMessage(`{}`)
		d.TimeRaw[v] = ts
	}
	d.TimeRaw["created"] = "2019-01-01T00:00:00Z"
	d.TimeRaw["modified"] = "2020-01-05T00:00:00Z"
	if latest != "" {
		d.DistTags["latest"] = latest
	}
	return d
}

func TestRewrite_HidesNewerVersions(t *testing.T) {
	d := newDoc(map[string]string{
		"1.0.0": "2020-01-01T00:00:00Z",
		"1.0.1": "2020-01-02T00:00:00Z",
		"1.0.2": "2020-01-04T00:00:00Z",
	}, "1.0.2")

	changed := Rewrite(d, mustParse(t, "2020-01-02T12:00:00Z"))
	if !changed {
		t.Fatal("expected changed=true")
	}
	if _, ok := d.Versions["1.0.2"]; ok {
		t.Error("1.0.2 should have been removed")
	}
	if _, ok := d.TimeRaw["1.0.2"]; ok {
		t.Error("1.0.2 time entry should have been removed")
	}
	if _, ok := d.Versions["1.0.1"]; !ok {
		t.Error("1.0.1 should have been preserved")
	}
	if got := d.DistTags["latest"]; got != "1.0.1" {
		t.Errorf("latest = %q, want 1.0.1", got)
	}
}

func TestRewrite_Invariant_AllPreservedAtOrBeforeCutoff(t *testing.T) {
	d := newDoc(map[string]string{
		"1.0.0": "2020-01-01T00:00:00Z",
		"1.0.1": "2020-01-02T00:00:00Z",
		"1.0.2": "2020-01-04T00:00:00Z",
	}, "1.0.2")
	cutoff := mustParse(t, "2020-01-02T00:00:00Z")
	Rewrite(d, cutoff)

	for v := range d.Versions {
		vt, ok := d.ParsedTime(v)
		if !ok {
			t.Fatalf("version %s missing parseable time after rewrite", v)
		}
		if vt.After(cutoff) {
			t.Errorf("version %s survived with time %s after cutoff %s", v, vt, cutoff)
		}
	}
}

func TestRewrite_Invariant_KeysMatchBeforeAndAfter(t *testing.T) {
	d := newDoc(map[string]string{
		"1.0.0": "2020-01-01T00:00:00Z",
		"1.0.1": "2020-01-02T00:00:00Z",
	}, "1.0.1")

	check := func() {
		for v := range d.Versions {
			if _, ok := d.TimeRaw[v]; !ok {
				t.Errorf("versions has %s but time does not", v)
			}
		}
		for v := range d.TimeRaw {
			if registry.IsReservedTimeKey(v) {
				continue
			}
			if _, ok := d.Versions[v]; !ok {
				t.Errorf("time has %s but versions does not", v)
			}
		}
	}

	check()
	Rewrite(d, mustParse(t, "2020-01-01T12:00:00Z"))
	check()
}

func TestRewrite_LatestFallsBackWhenNothingPreserved(t *testing.T) {
	d := newDoc(map[string]string{
		"1.0.0": "2020-01-05T00:00:00Z",
	}, "1.0.0")

	Rewrite(d, mustParse(t, "2019-06-01T00:00:00Z"))

	if _, ok := d.DistTags["latest"]; ok {
		t.Error("latest should be removed when no versions survive")
	}
	if len(d.Versions) != 0 {
		t.Error("expected all versions removed")
	}
}

func TestRewrite_Idempotent(t *testing.T) {
	d := newDoc(map[string]string{
		"1.0.0": "2020-01-01T00:00:00Z",
		"1.0.1": "2020-01-02T00:00:00Z",
		"1.0.2": "2020-01-04T00:00:00Z",
	}, "1.0.2")
	cutoff := mustParse(t, "2020-01-02T12:00:00Z")

	first := Rewrite(d, cutoff)
	if !first {
		t.Fatal("first pass should report changed")
	}

	before, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}

	second := Rewrite(d, cutoff)
	if second {
		t.Error("second pass should report changed=false")
	}

	after, err := json.Marshal(d)
	if err != nil {
		t.Fatal(err)
	}
	if string(before) != string(after) {
		t.Error("second pass mutated the document")
	}
}

func TestRewrite_Monotonicity(t *testing.T) {
	versions := map[string]string{
		"1.0.0": "2020-01-01T00:00:00Z",
		"1.0.1": "2020-01-02T00:00:00Z",
		"1.0.2": "2020-01-03T00:00:00Z",
		"1.0.3": "2020-01-04T00:00:00Z",
	}

	c1 := mustParse(t, "2020-01-01T12:00:00Z")
	c2 := mustParse(t, "2020-01-03T12:00:00Z")

	d1 := newDoc(versions, "1.0.3")
	Rewrite(d1, c1)
	d2 := newDoc(versions, "1.0.3")
	Rewrite(d2, c2)

	for v := range d1.Versions {
		if _, ok := d2.Versions[v]; !ok {
			t.Errorf("version %s preserved under c1 but not under c2 > c1", v)
		}
	}
}

func TestRewrite_NoTimeMap(t *testing.T) {
	d := &registry.Document{Name: "pkg", Versions: map[string]json.RawMessage{"1.0.0": json.RawMessage(`{}`)}}
	if Rewrite(d, time.Now()) {
		t.Error("expected changed=false with no time map")
	}
}

func TestRewrite_NoVersionsMap(t *testing.T) {
	d := &registry.Document{Name: "pkg", TimeRaw: map[string]string{"1.0.0": "2020-01-01T00:00:00Z"}}
	if Rewrite(d, time.Now()) {
		t.Error("expected changed=false with no versions map")
	}
}

func TestRewrite_MalformedTimestampPreserved(t *testing.T) {
	d := newDoc(map[string]string{"1.0.0": "2020-01-01T00:00:00Z"}, "1.0.0")
	d.TimeRaw["1.0.1"] = "not-a-timestamp"
	d.Versions["1.0.1"] = json.RawMessage(`{}`)

	changed := Rewrite(d, mustParse(t, "2019-01-01T00:00:00Z"))
	if !changed {
		t.Fatal("expected 1.0.0 to be hidden")
	}
	if _, ok := d.Versions["1.0.1"]; !ok {
		t.Error("malformed-timestamp version must never be deleted")
	}
}

func TestRewrite_ReservedKeysUntouched(t *testing.T) {
	d := newDoc(map[string]string{"1.0.0": "2020-01-01T00:00:00Z"}, "1.0.0")
	Rewrite(d, mustParse(t, "1999-01-01T00:00:00Z"))

	if _, ok := d.TimeRaw["created"]; !ok {
		t.Error("created key should never be deleted")
	}
	if _, ok := d.TimeRaw["modified"]; !ok {
		t.Error("modified key should never be deleted")
	}
}
