// Package oracle answers the one question the bisection loop needs after
// every probe: does the installed dependency tree work? Command mode
// runs the user's --run command via mvdan.cc/sh/v3's portable
// interpreter and reads the exit code; interactive mode falls back to a
// terminal prompt, grounded on the approve/deny prompt internal/approval
// uses for command confirmation in the teacher's pack sibling.
package oracle

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	"golang.org/x/term"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// Verdict is the oracle's answer for one probe.
type Verdict int

const (
	// Good means the installed tree behaves correctly.
	Good Verdict = iota
	// Bad means the regression is present.
	Bad
)

func (v Verdict) String() string {
	if v == Good {
		return "good"
	}
	return "bad"
}

// Oracle judges a probe outcome. Exactly one of Command or Interactive
// is used per spec §5: a configured --run command always wins, and the
// interactive prompt is only reached when none was given.
type Oracle struct {
	// Command is a shell command line to run in dir; exit code 0 means
	// Good, any nonzero exit means Bad. Empty means "use the interactive
	// prompt instead".
	Command string

	// In and Out back the interactive prompt; default to os.Stdin/os.Stdout
	// when nil.
	In  *os.File
	Out *os.File
}

// New constructs an Oracle. runCommand may be empty to select interactive
// mode.
func New(runCommand string) *Oracle {
	return &Oracle{Command: runCommand}
}

// Interactive reports whether this oracle will prompt a human, i.e. no
// --run command was configured.
func (o *Oracle) Interactive() bool {
	return o.Command == ""
}

// Judge runs the configured command or prompts the user, returning the
// verdict for the currently installed dependency tree in dir.
func (o *Oracle) Judge(ctx context.Context, dir string) (Verdict, error) {
	if o.Command != "" {
		return o.judgeCommand(ctx, dir)
	}
	return o.judgeInteractive()
}

// judgeCommand runs Command with dir as the working directory using
// mvdan.cc/sh/v3's POSIX-ish interpreter, so the same --run string
// behaves the same way regardless of the user's login shell.
func (o *Oracle) judgeCommand(ctx context.Context, dir string) (Verdict, error) {
	file, err := syntax.NewParser().Parse(strings.NewReader(o.Command), "")
	if err != nil {
		return Bad, fmt.Errorf("oracle: parse --run command: %w", err)
	}

	runner, err := interp.New(
		interp.Dir(dir),
		interp.StdIO(os.Stdin, os.Stdout, os.Stderr),
	)
	if err != nil {
		return Bad, fmt.Errorf("oracle: build shell interpreter: %w", err)
	}

	runErr := runner.Run(ctx, file)
	if runErr == nil {
		return Good, nil
	}

	var exitStatus interp.ExitStatus
	if errors.As(runErr, &exitStatus) {
		if exitStatus == 0 {
			return Good, nil
		}
		return Bad, nil
	}

	// Anything other than an exit status (for example a cancelled
	// context) is a hard failure, not a "bad" verdict — the loop cannot
	// make progress if the oracle itself is broken. A command that is not
	// found ends with exit status 127 and so counts as Bad.
	return Bad, fmt.Errorf("oracle: run --run command: %w", runErr)
}

// judgeInteractive prompts a human on a real terminal (spec §5's
// fallback when no --run was given). A non-interactive stdin (piped,
// redirected, running under CI) has no way to answer, so it is a hard
// error rather than a silent default in either direction.
func (o *Oracle) judgeInteractive() (Verdict, error) {
	in := o.In
	if in == nil {
		in = os.Stdin
	}
	out := o.Out
	if out == nil {
		out = os.Stdout
	}

	if !term.IsTerminal(int(in.Fd())) {
		return Bad, fmt.Errorf("oracle: no --run command given and stdin is not a terminal to prompt on")
	}

	fmt.Fprintln(out, "")
	fmt.Fprintln(out, "Test the installed dependency tree now.")
	fmt.Fprintln(out, "  [g] good - the regression is not present")
	fmt.Fprintln(out, "  [b] bad  - the regression is present")
	fmt.Fprintln(out, "")

	reader := bufio.NewReader(in)
	for {
		fmt.Fprint(out, "Your verdict [g/b]: ")
		line, err := reader.ReadString('\n')
		if err != nil {
			return Bad, fmt.Errorf("oracle: read verdict: %w", err)
		}
		switch strings.TrimSpace(strings.ToLower(line)) {
		case "g", "good":
			return Good, nil
		case "b", "bad":
			return Bad, nil
		default:
			fmt.Fprintln(out, "Invalid input. Please enter 'g' or 'b'.")
		}
	}
}
