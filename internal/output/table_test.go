package output

import (
	"strings"
	"testing"
	"time"

	"github.com/tinystack-dev/pkgbisect/internal/store"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

func TestRenderCandidateTable_Empty(t *testing.T) {
	got := RenderCandidateTable(nil)
	if !strings.Contains(got, "No candidate") {
		t.Errorf("got %q", got)
	}
}

func TestRenderCandidateTable_SortsByPublishTime(t *testing.T) {
	later := time.Date(2020, 2, 1, 0, 0, 0, 0, time.UTC)
	earlier := time.Date(2020, 1, 1, 0, 0, 0, 0, time.UTC)

	got := RenderCandidateTable([]timeline.Event{
		{PackageName: "b", Version: "2.0.0", Time: later},
		{PackageName: "a", Version: "1.0.0", Time: earlier},
	})

	// Search by version: the header row ("Package", "Published") already
	// contains an "a" before a "b".
	aIdx := strings.Index(got, "1.0.0")
	bIdx := strings.Index(got, "2.0.0")
	if aIdx == -1 || bIdx == -1 || aIdx > bIdx {
		t.Errorf("expected a before b in:\n%s", got)
	}
	if !strings.Contains(got, "1.0.0") || !strings.Contains(got, "2.0.0") {
		t.Errorf("missing versions in:\n%s", got)
	}
}

func TestRenderCulprit_ContainsNameVersionAndTime(t *testing.T) {
	ts := time.Date(2020, 6, 15, 12, 0, 0, 0, time.UTC)
	got := RenderCulprit(timeline.Event{PackageName: "left-pad", Version: "1.3.0", Time: ts})
	if !strings.Contains(got, "left-pad") || !strings.Contains(got, "1.3.0") {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(got, ts.Format(time.RFC3339)) {
		t.Errorf("expected formatted timestamp, got %q", got)
	}
}

func TestRenderRunHistoryTable_Empty(t *testing.T) {
	got := RenderRunHistoryTable(nil)
	if !strings.Contains(got, "No runs") {
		t.Errorf("got %q", got)
	}
}

func TestRenderRunHistoryTable_ShowsCulpritWhenDone(t *testing.T) {
	culpritTime := time.Now()
	runs := []*store.Run{
		{
			ID:             1,
			ProjectDir:     "/home/dev/app",
			Status:         store.StatusDone,
			CulpritName:    "left-pad",
			CulpritVersion: "1.3.0",
			CulpritTime:    &culpritTime,
			ProbeCount:     5,
		},
	}
	got := RenderRunHistoryTable(runs)
	if !strings.Contains(got, "left-pad@1.3.0") {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(got, "done") {
		t.Errorf("got %q", got)
	}
}

func TestRenderRunHistoryTable_EmptyStatusShowsDash(t *testing.T) {
	runs := []*store.Run{{ID: 2, ProjectDir: "/proj", Status: store.StatusEmpty}}
	got := RenderRunHistoryTable(runs)
	if !strings.Contains(got, "—") {
		t.Errorf("expected placeholder dash for missing culprit, got %q", got)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("got %q", got)
	}
	if got := truncate("a very long package name", 10); len(got) != 10 {
		t.Errorf("got %q (len %d)", got, len(got))
	}
}
