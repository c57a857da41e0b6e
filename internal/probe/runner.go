// Package probe runs one bisection probe: wipe the project's dependency
// tree, stand up a fresh proxy and cache directory, run the package
// manager's install against the rewritten registry, and report what the
// proxy (and, for the first probe, the file-based transport) observed.
//
// The acquire/release discipline here — bring up an isolated environment,
// run a child process against it, tear the environment down on every exit
// path — follows the same shape internal/watcher.StartDaemon/StopDaemon
// use in the teacher for a background daemon's lifecycle, adapted to a
// synchronous run-to-completion child instead of a detached one.
package probe

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/tinystack-dev/pkgbisect/internal/output"
	"github.com/tinystack-dev/pkgbisect/internal/proxy"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
	"github.com/tinystack-dev/pkgbisect/internal/timelinewatch"
)

// stderrTimelinePrefix is the alternate transport spec §6 describes for
// package managers that cannot be pointed at a directory: a single
// stderr line carrying the JSON payload inline. The driver has to be
// prepared to consume whichever transport actually gets used, so probe
// scans for both.
const stderrTimelinePrefix = "NPM_BISECT_COMPUTE_TIMELINE:"

// Request describes one probe run.
type Request struct {
	// Cutoff is the inclusive upper bound on kept publications: a version
	// published at or before Cutoff is kept, a later one is hidden.
	Cutoff time.Time

	// ProjectDir is the directory containing package.json and the
	// dependency tree to wipe before installing.
	ProjectDir string

	// PackageManager is "npm" or "yarn".
	PackageManager string

	// PrimaryHost is the registry hostname the package manager will be
	// pointed at (one of the keys of Upstreams).
	PrimaryHost string

	// Upstreams maps every registry hostname the proxy should be able to
	// serve to its real base URL. The CLI passes every configured registry
	// host here, not just PrimaryHost.
	Upstreams map[string]*url.URL

	// ComputeTimeline requests that this probe also assemble the
	// publication timeline (the first probe in a bisection run).
	ComputeTimeline bool

	Verbose bool
}

// Result is what a completed probe observed.
type Result struct {
	// Timeline is populated only when Request.ComputeTimeline was set.
	Timeline []timeline.Event
}

// Runner executes probes. It carries no state between runs — every field
// a probe needs travels in Request, and every resource a probe creates
// (cache dir, proxy, timeline dir) is destroyed before Run returns.
type Runner struct{}

// New constructs a Runner.
func New() *Runner {
	return &Runner{}
}

// Run wipes req.ProjectDir's dependency tree, installs against a proxy
// rewriting for req.Cutoff, and returns what was observed. A non-nil
// error means the install itself failed and the bisection must stop —
// this is distinct from the oracle's good/bad judgment, which only
// applies once a probe has succeeded.
func (r *Runner) Run(ctx context.Context, req Request) (*Result, error) {
	if err := wipeDependencyTree(filepath.Join(req.ProjectDir, "node_modules")); err != nil {
		return nil, fmt.Errorf("probe: wipe dependency tree: %w", err)
	}

	cacheDir, err := os.MkdirTemp("", cacheDirName(req.Cutoff))
	if err != nil {
		return nil, fmt.Errorf("probe: create cache dir: %w", err)
	}
	defer os.RemoveAll(cacheDir)

	var timelineDir string
	if req.ComputeTimeline {
		timelineDir, err = os.MkdirTemp("", "pkgbisect-timeline-")
		if err != nil {
			return nil, fmt.Errorf("probe: create timeline dir: %w", err)
		}
		defer os.RemoveAll(timelineDir)
	}

	p, err := proxy.New(proxy.Config{
		Cutoff:      req.Cutoff,
		Upstreams:   req.Upstreams,
		Verbose:     req.Verbose,
		CacheSize:   1024,
		TimelineDir: timelineDir,
	})
	if err != nil {
		return nil, fmt.Errorf("probe: construct proxy: %w", err)
	}
	if err := p.Start(); err != nil {
		return nil, fmt.Errorf("probe: start proxy: %w", err)
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		p.Stop(stopCtx)
	}()

	var watcher *timelinewatch.Watcher
	if req.ComputeTimeline {
		watcher, err = timelinewatch.New(timelineDir)
		if err != nil {
			return nil, fmt.Errorf("probe: watch timeline dir: %w", err)
		}
	}

	registryURL := p.RegistryURL(req.PrimaryHost)

	cmd := exec.CommandContext(ctx, req.PackageManager, installArgs(req.PackageManager, registryURL)...)
	cmd.Dir = req.ProjectDir
	cmd.Env = buildEnv(req, registryURL, cacheDir, timelineDir)
	cmd.Stdin = os.Stdin

	// A spinner and the package manager's own progress output can't share
	// a TTY without garbling each other, so on a terminal the install's
	// stdout is captured instead of streamed live and only surfaced (via
	// spinner.StopWithMessage) if the install fails or --verbose asked for
	// it. Off a TTY (CI logs, redirected output) there is no spinner to
	// conflict with, so stdout streams straight through as before.
	var stdoutCapture bytes.Buffer
	var spinner *output.Spinner
	isTTY := isatty.IsTerminal(os.Stdout.Fd())
	if isTTY {
		cmd.Stdout = &stdoutCapture
		spinner = output.NewSpinner(fmt.Sprintf("Running %s install...", req.PackageManager))
		spinner.Start()
	} else {
		cmd.Stdout = os.Stdout
	}

	var stderrCapture bytes.Buffer
	cmd.Stderr = io.MultiWriter(os.Stderr, &stderrCapture)

	runErr := cmd.Run()

	if spinner != nil {
		if runErr != nil {
			spinner.StopWithMessage(fmt.Sprintf("✗ %s install failed", req.PackageManager))
		} else {
			spinner.StopWithMessage(fmt.Sprintf("✓ %s install complete", req.PackageManager))
		}
		if (runErr != nil || req.Verbose) && stdoutCapture.Len() > 0 {
			os.Stdout.Write(stdoutCapture.Bytes())
		}
	}

	var fileEvents []timeline.Event
	if watcher != nil {
		fileEvents = watcher.Close()
	}

	if runErr != nil {
		return nil, fmt.Errorf("probe: %s install failed: %w", req.PackageManager, runErr)
	}

	result := &Result{}
	if req.ComputeTimeline {
		stderrEvents := scanStderrTimeline(&stderrCapture)
		result.Timeline = timeline.Merge(p.Timeline(), fileEvents, stderrEvents)
	}
	return result, nil
}

// cacheDirName builds the temp-dir name prefix embedding the cutoff so a
// stray leftover directory names the probe it belonged to. os.MkdirTemp
// appends a random suffix itself, which is enough for collision-freedom.
func cacheDirName(cutoff time.Time) string {
	stamp := strings.ReplaceAll(cutoff.UTC().Format(time.RFC3339), ":", "-")
	return "pkgbisect-cache-" + stamp + "-"
}

// wipeDependencyTree removes everything under dir, preserving dir itself.
// A missing dir is not an error: the very first probe of a project that
// has never been installed has nothing to wipe.
func wipeDependencyTree(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

// installArgs builds the install invocation for the configured package
// manager. Both npm and (classic) yarn accept an explicit --registry
// flag, so the flag form is used in preference to only setting env vars:
// it survives a project .npmrc/.yarnrc that already pins a registry.
func installArgs(packageManager, registryURL string) []string {
	switch packageManager {
	case "yarn":
		// --check-files forces link/copy verification so a partially
		// populated fresh cache dir can't shortcut resolution.
		return []string{"install", "--registry", registryURL, "--non-interactive", "--check-files"}
	default:
		return []string{"install", "--registry", registryURL, "--no-audit", "--no-fund"}
	}
}

func buildEnv(req Request, registryURL, cacheDir, timelineDir string) []string {
	env := append(os.Environ(),
		"NPM_CONFIG_REGISTRY="+registryURL,
		"npm_config_cache="+cacheDir,
		"YARN_CACHE_FOLDER="+cacheDir,
		"YARN_REGISTRY="+registryURL,
		"NPM_BISECT_IGNORE_NEWER_THAN="+req.Cutoff.UTC().Format(time.RFC3339),
	)
	if timelineDir != "" {
		env = append(env, "NPM_BISECT_COMPUTE_TIMELINE="+timelineDir)
	}
	return env
}

// scanStderrTimeline implements the alternate transport in spec §6: a
// line of the form "NPM_BISECT_COMPUTE_TIMELINE:<json array>" emitted
// directly on stderr instead of written to a directory.
func scanStderrTimeline(buf *bytes.Buffer) []timeline.Event {
	var events []timeline.Event
	sc := bufio.NewScanner(bytes.NewReader(buf.Bytes()))
	for sc.Scan() {
		line := sc.Text()
		idx := strings.Index(line, stderrTimelinePrefix)
		if idx < 0 {
			continue
		}
		payload := strings.TrimSpace(line[idx+len(stderrTimelinePrefix):])
		var batch []timeline.Event
		if err := json.Unmarshal([]byte(payload), &batch); err != nil {
			continue
		}
		events = append(events, batch...)
	}
	return events
}
