package oracle

import (
	"context"
	"os"
	"path/filepath"
	"testing"
)

func TestJudgeCommand_ExitZeroIsGood(t *testing.T) {
	o := New("exit 0")
	v, err := o.Judge(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if v != Good {
		t.Errorf("got %v, want Good", v)
	}
}

func TestJudgeCommand_NonzeroExitIsBad(t *testing.T) {
	o := New("exit 3")
	v, err := o.Judge(context.Background(), t.TempDir())
	if err != nil {
		t.Fatal(err)
	}
	if v != Bad {
		t.Errorf("got %v, want Bad", v)
	}
}

func TestJudgeCommand_RunsInGivenDirectory(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "marker.txt")
	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}

	o := New("test -f marker.txt")
	v, err := o.Judge(context.Background(), dir)
	if err != nil {
		t.Fatal(err)
	}
	if v != Good {
		t.Errorf("expected command to find marker.txt relative to dir, got %v", v)
	}
}

func TestInteractive_FalseWhenCommandSet(t *testing.T) {
	o := New("exit 0")
	if o.Interactive() {
		t.Error("expected Interactive() == false when a --run command is configured")
	}
}

func TestInteractive_TrueWhenCommandEmpty(t *testing.T) {
	o := New("")
	if !o.Interactive() {
		t.Error("expected Interactive() == true when no --run command is configured")
	}
}

func TestJudgeInteractive_NonTerminalStdinIsHardError(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	o := New("")
	o.In = r
	_, err = o.Judge(context.Background(), t.TempDir())
	if err == nil {
		t.Fatal("expected an error prompting on a non-terminal stdin")
	}
}
