// Package bisect implements the binary-search driver: collect a
// candidate timeline from a first probe, then narrow it by cutoff probes
// and oracle verdicts until a single culprit publication remains.
package bisect

import (
	"context"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/tinystack-dev/pkgbisect/internal/filterspec"
	"github.com/tinystack-dev/pkgbisect/internal/oracle"
	"github.com/tinystack-dev/pkgbisect/internal/probe"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

// ProbeRunner is the subset of *probe.Runner the driver depends on,
// satisfied by the real runner and by test doubles.
type ProbeRunner interface {
	Run(ctx context.Context, req probe.Request) (*probe.Result, error)
}

// Judge is the subset of *oracle.Oracle the driver depends on.
type Judge interface {
	Judge(ctx context.Context, dir string) (oracle.Verdict, error)
}

// PromptExclusions is invoked when the user gave neither --only nor
// --ignore and the first-probe timeline names more than one distinct
// package: it should return the names the caller wants excluded. A nil
// func means "never prompt, exclude nothing" — the mode headless runs
// and tests use.
type PromptExclusions func(names []string) []string

// Driver runs the full bisection over one project.
type Driver struct {
	Runner ProbeRunner
	Oracle Judge

	ProbeTemplate probe.Request // Cutoff and ComputeTimeline are overwritten per call
	ProjectDir    string

	Only, Ignore []filterspec.Spec
	Prompt       PromptExclusions

	Debug bool
	Out   io.Writer
}

// Result is what a completed (or short-circuited) run produced.
type Result struct {
	// Empty is true when filtering left no candidates; no bisection ran.
	Empty bool

	// Candidates is populated only for a --candidates listing request;
	// a completed search leaves it nil.
	Candidates []timeline.Event

	// Culprit is set once the search converges.
	Culprit *timeline.Event

	// Probes counts every probe run (the first, timeline-computing probe
	// plus every cutoff probe in the search loop), for run-history bookkeeping.
	Probes int
}

// Run executes the full driver: first probe, filtering, and (unless
// candidatesOnly) the search loop.
func (d *Driver) Run(ctx context.Context, tGood, tBad time.Time, candidatesOnly bool) (*Result, error) {
	firstReq := d.ProbeTemplate
	firstReq.Cutoff = tGood
	firstReq.ComputeTimeline = true

	firstResult, err := d.Runner.Run(ctx, firstReq)
	if err != nil {
		return nil, fmt.Errorf("bisect: first probe: %w", err)
	}
	probes := 1

	candidates := timeline.InRange(firstResult.Timeline, tGood, tBad)
	candidates = filterspec.Apply(candidates, d.Only, d.Ignore)

	if len(d.Only) == 0 && len(d.Ignore) == 0 && d.Prompt != nil {
		names := timeline.DistinctPackageNames(candidates)
		if len(names) > 1 {
			excludedNames := d.Prompt(names)
			if len(excludedNames) > 0 {
				excludeSpecs, err := filterspec.ParseAll(excludedNames)
				if err != nil {
					return nil, fmt.Errorf("bisect: parse interactive exclusions: %w", err)
				}
				candidates = filterspec.Apply(candidates, nil, excludeSpecs)
			}
		}
	}

	if len(candidates) == 0 {
		return &Result{Empty: true, Probes: probes}, nil
	}
	if candidatesOnly {
		return &Result{Candidates: candidates, Probes: probes}, nil
	}

	goodBeforeIndex := 0
	badAfterIndex := len(candidates) - 1

	for badAfterIndex > goodBeforeIndex {
		if d.Debug {
			d.printInterval(candidates, goodBeforeIndex, badAfterIndex)
		}

		try := roundHalfUp(goodBeforeIndex, badAfterIndex)
		cutoff := candidates[try].Time.Add(-time.Millisecond)

		req := d.ProbeTemplate
		req.Cutoff = cutoff
		req.ComputeTimeline = false

		if _, err := d.Runner.Run(ctx, req); err != nil {
			return nil, fmt.Errorf("bisect: probe at %s: %w", cutoff, err)
		}
		probes++

		verdict, err := d.Oracle.Judge(ctx, d.ProjectDir)
		if err != nil {
			return nil, fmt.Errorf("bisect: oracle: %w", err)
		}

		if verdict == oracle.Good {
			goodBeforeIndex = try
		} else {
			badAfterIndex = try - 1
		}
	}

	culprit := candidates[goodBeforeIndex]
	return &Result{Culprit: &culprit, Probes: probes}, nil
}

func (d *Driver) printInterval(candidates []timeline.Event, good, bad int) {
	if d.Out == nil {
		return
	}
	remaining := bad - good
	fmt.Fprintf(d.Out, "interval [%d, %d] of %d candidates, ~%d step(s) remaining\n",
		good, bad, len(candidates), ceilLog2(remaining))
}

// roundHalfUp implements spec §4.4's "round((goodBeforeIndex +
// badAfterIndex) / 2) using banker-free half-up rounding".
func roundHalfUp(good, bad int) int {
	return int(math.Floor(float64(good+bad)/2.0 + 0.5))
}

// ceilLog2 is the "estimated remaining steps" progress figure from
// spec §4.4. ceilLog2(0) is defined as 0: an interval of zero width
// needs no further probes.
func ceilLog2(n int) int {
	if n <= 0 {
		return 0
	}
	return int(math.Ceil(math.Log2(float64(n))))
}
