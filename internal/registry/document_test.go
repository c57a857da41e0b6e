package registry

import (
	"encoding/json"
	"testing"
)

func TestIsReservedTimeKey(t *testing.T) {
	cases := map[string]bool{
		"modified": true,
		"created":  true,
		"changed":  true,
		"1.0.0":    false,
		"latest":   false,
	}
	for key, want := range cases {
		if got := IsReservedTimeKey(key); got != want {
			t.Errorf("IsReservedTimeKey(%q) = %v, want %v", key, got, want)
		}
	}
}

func TestDocument_UnmarshalRoundTrips(t *testing.T) {
	src := `{
		"name": "left-pad",
		"versions": {"1.0.0": {"name": "left-pad", "version": "1.0.0"}},
		"time": {"created": "2015-01-01T00:00:00Z", "modified": "2020-06-15T12:00:00Z", "1.0.0": "2015-01-01T00:00:00Z"},
		"dist-tags": {"latest": "1.0.0"},
		"readme": "some text",
		"_id": "left-pad"
	}`

	var doc Document
	if err := json.Unmarshal([]byte(src), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if doc.Name != "left-pad" {
		t.Errorf("Name = %q", doc.Name)
	}
	if !doc.HasTime() || !doc.HasVersions() {
		t.Errorf("HasTime/HasVersions = %v/%v, want true/true", doc.HasTime(), doc.HasVersions())
	}
	if doc.DistTags["latest"] != "1.0.0" {
		t.Errorf("DistTags[latest] = %q", doc.DistTags["latest"])
	}
	if _, ok := doc.Extra["readme"]; !ok {
		t.Errorf("expected unknown field %q to survive in Extra", "readme")
	}
	if _, ok := doc.Extra["_id"]; !ok {
		t.Errorf("expected unknown field %q to survive in Extra", "_id")
	}

	encoded, err := json.Marshal(&doc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}

	var roundTripped Document
	if err := json.Unmarshal(encoded, &roundTripped); err != nil {
		t.Fatalf("re-unmarshal: %v", err)
	}
	if roundTripped.Name != doc.Name {
		t.Errorf("round-tripped Name = %q, want %q", roundTripped.Name, doc.Name)
	}
	if _, ok := roundTripped.Extra["readme"]; !ok {
		t.Errorf("expected %q to survive a round trip", "readme")
	}
}

func TestDocument_ParsedTime(t *testing.T) {
	doc := Document{TimeRaw: map[string]string{
		"1.0.0": "2020-06-15T12:00:00Z",
		"1.0.1": "not-a-timestamp",
	}}

	if _, ok := doc.ParsedTime("does-not-exist"); ok {
		t.Errorf("expected ok=false for missing key")
	}
	if _, ok := doc.ParsedTime("1.0.1"); ok {
		t.Errorf("expected ok=false for malformed timestamp")
	}
	got, ok := doc.ParsedTime("1.0.0")
	if !ok {
		t.Fatalf("expected ok=true for well-formed timestamp")
	}
	if got.IsZero() {
		t.Errorf("expected a non-zero parsed time")
	}
}

func TestDocument_HasTime_FalseWhenTimeMapAbsent(t *testing.T) {
	var doc Document
	if err := json.Unmarshal([]byte(`{"name": "left-pad"}`), &doc); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if doc.HasTime() {
		t.Errorf("expected HasTime()=false for the compact variant with no time map")
	}
}
