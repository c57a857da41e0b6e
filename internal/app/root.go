// Package app wires pkgbisect's cobra command tree to the bisection
// driver, oracle, probe runner, and run-history store. The command
// scaffolding — a package-level RootCmd, PersistentFlags registered in
// init, and an exported Execute — follows the teacher's own root
// command structure.
package app

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/tinystack-dev/pkgbisect/internal/bisect"
	"github.com/tinystack-dev/pkgbisect/internal/config"
	"github.com/tinystack-dev/pkgbisect/internal/filterspec"
	"github.com/tinystack-dev/pkgbisect/internal/oracle"
	"github.com/tinystack-dev/pkgbisect/internal/output"
	"github.com/tinystack-dev/pkgbisect/internal/probe"
	"github.com/tinystack-dev/pkgbisect/internal/store"
)

var (
	flagGood       string
	flagBad        string
	flagRunCommand string
	flagIgnore     []string
	flagOnly       []string
	flagYarn       bool
	flagCandidates bool
	flagDebug      bool
	flagVerbose    bool
	flagDBPath     string
)

// RootCmd is pkgbisect's entry point: binary search a package registry's
// publication timeline for the release that broke a project.
var RootCmd = &cobra.Command{
	Use:   "pkgbisect [project-dir]",
	Short: "Binary search a package registry's publication history for a regression",
	Long: `pkgbisect finds the exact package publication that broke your project
by binary-searching a public registry's publication timeline, the same way
git bisect searches commit history.

It runs your package manager's install unmodified against a local
rewriting proxy that hides every publication after a chosen cutoff, then
asks you (or a --run command) whether the project still works at that
cutoff. A few installs later it names the exact package and version.

Examples:
  # Interactively bisect the current project between two dates
  pkgbisect --good 2023-01-01 --bad 2023-03-01

  # Fully automated bisection driven by a test command
  pkgbisect --good 2023-01-01 --run "npm test"

  # List what would be searched without running the search
  pkgbisect --good 2023-01-01 --candidates

  # Narrow the search to one suspected package
  pkgbisect --good 2023-01-01 --only left-pad`,
	Args:          cobra.MaximumNArgs(1),
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE:          runBisect,
}

func init() {
	RootCmd.Flags().StringVar(&flagGood, "good", "", "timestamp known to work (default: HEAD commit time)")
	RootCmd.Flags().StringVar(&flagBad, "bad", "", "timestamp known to be broken (default: now)")
	RootCmd.Flags().StringVar(&flagRunCommand, "run", "", "shell command that exits 0 for good, nonzero for bad; omit to prompt interactively")
	RootCmd.Flags().StringArrayVar(&flagIgnore, "ignore", nil, "exclude a package (name or name@range) from the search; repeatable")
	RootCmd.Flags().StringArrayVar(&flagOnly, "only", nil, "restrict the search to a package (name or name@range); repeatable")
	RootCmd.Flags().BoolVar(&flagYarn, "yarn", false, "use yarn instead of npm (default from config)")
	RootCmd.Flags().BoolVar(&flagCandidates, "candidates", false, "list the filtered candidate publications and exit without searching")
	RootCmd.Flags().BoolVar(&flagDebug, "debug", false, "print the search interval before every probe")
	RootCmd.Flags().BoolVar(&flagVerbose, "verbose", false, "log every proxy request")
	RootCmd.PersistentFlags().StringVar(&flagDBPath, "db", "", "run-history database path (default: config dir/history.db)")

	RootCmd.SuggestionsMinimumDistance = 2
	RootCmd.AddCommand(historyCmd)
}

// Execute runs the root command.
func Execute() error {
	return RootCmd.Execute()
}

func runBisect(cmd *cobra.Command, args []string) error {
	projectDir := "."
	if len(args) == 1 {
		projectDir = args[0]
	}
	absDir, err := filepath.Abs(projectDir)
	if err != nil {
		return fmt.Errorf("resolve project directory: %w", err)
	}

	cfgDir, err := config.Dir()
	if err != nil {
		return err
	}
	cfg, err := config.Load(cfgDir)
	if err != nil {
		return err
	}

	packageManager := cfg.PackageManager
	if flagYarn {
		packageManager = "yarn"
	}

	tBad := time.Now()
	if flagBad != "" {
		tBad, err = parseTimestamp(flagBad)
		if err != nil {
			return fmt.Errorf("--bad: %w", err)
		}
	}

	tGood, err := resolveGoodTime(absDir)
	if err != nil {
		return err
	}
	if !tGood.Before(tBad) {
		return fmt.Errorf("--good (%s) must be before --bad (%s)", tGood.Format(time.RFC3339), tBad.Format(time.RFC3339))
	}

	only, err := filterspec.ParseAll(flagOnly)
	if err != nil {
		return fmt.Errorf("--only: %w", err)
	}
	ignore, err := filterspec.ParseAll(flagIgnore)
	if err != nil {
		return fmt.Errorf("--ignore: %w", err)
	}

	upstreams := make(map[string]*url.URL, len(cfg.RegistryHosts))
	for _, h := range cfg.RegistryHosts {
		u, err := url.Parse(h.Upstream)
		if err != nil {
			return fmt.Errorf("config: registry host %s: %w", h.Host, err)
		}
		upstreams[h.Host] = u
	}
	if len(cfg.RegistryHosts) == 0 {
		return fmt.Errorf("config: no registry hosts configured")
	}
	primaryHost := cfg.RegistryHosts[0].Host
	if flagYarn {
		for _, h := range cfg.RegistryHosts {
			if strings.Contains(h.Host, "yarnpkg.com") {
				primaryHost = h.Host
				break
			}
		}
	}

	oc := oracle.New(flagRunCommand)

	dbPath := flagDBPath
	if dbPath == "" {
		dbPath = cfg.HistoryDBPath(cfgDir)
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("create history database directory: %w", err)
	}
	hist, err := store.New(dbPath)
	if err != nil {
		return fmt.Errorf("open history database: %w", err)
	}
	defer hist.Close()
	if err := hist.CreateSchema(); err != nil {
		return fmt.Errorf("initialize history database: %w", err)
	}

	runID, err := hist.InsertRun(&store.Run{
		ProjectDir:     absDir,
		PackageManager: packageManager,
		GoodTime:       tGood,
		BadTime:        tBad,
		StartedAt:      time.Now(),
		Status:         store.StatusRunning,
	})
	if err != nil {
		return fmt.Errorf("record run start: %w", err)
	}

	driver := &bisect.Driver{
		Runner: probe.New(),
		Oracle: oc,
		ProbeTemplate: probe.Request{
			ProjectDir:     absDir,
			PackageManager: packageManager,
			PrimaryHost:    primaryHost,
			Upstreams:      upstreams,
			Verbose:        flagVerbose,
		},
		ProjectDir: absDir,
		Only:       only,
		Ignore:     ignore,
		Debug:      flagDebug,
		Out:        cmd.OutOrStdout(),
	}
	if len(only) == 0 && len(ignore) == 0 && oc.Interactive() {
		driver.Prompt = promptExclusions
	}

	result, err := driver.Run(context.Background(), tGood, tBad, flagCandidates)
	if err != nil {
		_ = hist.FinishRun(runID, store.StatusFailed, "", "", nil, 0, err.Error())
		return err
	}

	if result.Empty {
		_ = hist.FinishRun(runID, store.StatusEmpty, "", "", nil, result.Probes, "")
		fmt.Fprintln(cmd.OutOrStdout(), "no candidate publications between --good and --bad after filtering")
		return nil
	}

	if flagCandidates {
		for _, c := range result.Candidates {
			_ = hist.InsertCandidate(&store.Candidate{RunID: runID, PackageName: c.PackageName, Version: c.Version, PublishTime: c.Time})
		}
		_ = hist.FinishRun(runID, store.StatusDone, "", "", nil, result.Probes, "")
		fmt.Fprint(cmd.OutOrStdout(), output.RenderCandidateTable(result.Candidates))
		return nil
	}

	culprit := *result.Culprit
	if err := hist.FinishRun(runID, store.StatusDone, culprit.PackageName, culprit.Version, &culprit.Time, result.Probes, ""); err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.RenderCulprit(culprit))
	return nil
}

// resolveGoodTime honors an explicit --good, falling back to the
// project's HEAD commit time per spec's documented default.
func resolveGoodTime(projectDir string) (time.Time, error) {
	if flagGood != "" {
		return parseTimestamp(flagGood)
	}

	out, err := exec.Command("git", "-C", projectDir, "log", "-1", "--format=%cI").Output()
	if err != nil {
		return time.Time{}, fmt.Errorf("--good was not given and HEAD commit time could not be determined: %w", err)
	}
	t, err := time.Parse(time.RFC3339, strings.TrimSpace(string(out)))
	if err != nil {
		return time.Time{}, fmt.Errorf("parse HEAD commit time: %w", err)
	}
	return t, nil
}

var timestampLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

func parseTimestamp(s string) (time.Time, error) {
	var lastErr error
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		} else {
			lastErr = err
		}
	}
	return time.Time{}, fmt.Errorf("could not parse %q as a timestamp: %w", s, lastErr)
}

// promptExclusions asks the user, on stdin, which of the distinct
// package names in the first probe's timeline to exclude from the
// search. Used only when neither --only nor --ignore was given and the
// oracle itself is interactive (a --run command already commits the
// user to a headless flow).
func promptExclusions(names []string) []string {
	if len(names) <= 1 {
		return nil
	}
	fmt.Fprintln(os.Stdout, "Multiple packages published in range:")
	for _, n := range names {
		fmt.Fprintf(os.Stdout, "  %s\n", n)
	}
	fmt.Fprint(os.Stdout, "Packages to exclude from the search (comma-separated, blank for none): ")

	var line string
	fmt.Fscanln(os.Stdin, &line)
	if strings.TrimSpace(line) == "" {
		return nil
	}
	var excluded []string
	for _, part := range strings.Split(line, ",") {
		if p := strings.TrimSpace(part); p != "" {
			excluded = append(excluded, p)
		}
	}
	return excluded
}
