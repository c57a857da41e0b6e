package app

import (
	"bytes"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/tinystack-dev/pkgbisect/internal/store"
)

func TestRunHistoryList_EmptyDatabase(t *testing.T) {
	flagDBPath = filepath.Join(t.TempDir(), "history.db")
	defer func() { flagDBPath = "" }()

	var buf bytes.Buffer
	historyCmd.SetOut(&buf)
	if err := runHistoryList(historyCmd, nil); err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(buf.String(), "No runs") {
		t.Errorf("got %q", buf.String())
	}
}

func TestRunHistoryShow_PrintsCulpritAndCandidates(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "history.db")
	flagDBPath = dbPath
	defer func() { flagDBPath = "" }()

	s, err := store.New(dbPath)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.CreateSchema(); err != nil {
		t.Fatal(err)
	}
	id, err := s.InsertRun(&store.Run{
		ProjectDir:     "/proj",
		PackageManager: "npm",
		GoodTime:       time.Now(),
		BadTime:        time.Now(),
		StartedAt:      time.Now(),
		Status:         store.StatusRunning,
	})
	if err != nil {
		t.Fatal(err)
	}
	culpritTime := time.Now()
	if err := s.FinishRun(id, store.StatusDone, "left-pad", "1.3.0", &culpritTime, 3, ""); err != nil {
		t.Fatal(err)
	}
	if err := s.InsertCandidate(&store.Candidate{RunID: id, PackageName: "left-pad", Version: "1.3.0", PublishTime: culpritTime}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	var buf bytes.Buffer
	historyShowCmd.SetOut(&buf)
	if err := runHistoryShow(historyShowCmd, []string{"1"}); err != nil {
		t.Fatal(err)
	}
	got := buf.String()
	if !strings.Contains(got, "left-pad@1.3.0") {
		t.Errorf("got %q", got)
	}
	if !strings.Contains(got, "left-pad") {
		t.Errorf("expected candidate table in %q", got)
	}
}

func TestRunHistoryShow_InvalidIDIsError(t *testing.T) {
	flagDBPath = filepath.Join(t.TempDir(), "history.db")
	defer func() { flagDBPath = "" }()

	var buf bytes.Buffer
	historyShowCmd.SetOut(&buf)
	if err := runHistoryShow(historyShowCmd, []string{"not-a-number"}); err == nil {
		t.Fatal("expected an error")
	}
}
