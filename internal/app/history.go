package app

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tinystack-dev/pkgbisect/internal/config"
	"github.com/tinystack-dev/pkgbisect/internal/output"
	"github.com/tinystack-dev/pkgbisect/internal/store"
	"github.com/tinystack-dev/pkgbisect/internal/timeline"
)

var historyProject string

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "List past bisection runs",
	RunE:  runHistoryList,
}

var historyShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show the candidate set a past run considered",
	Args:  cobra.ExactArgs(1),
	RunE:  runHistoryShow,
}

func init() {
	historyCmd.Flags().StringVar(&historyProject, "project", "", "restrict to runs against this project directory")
	historyCmd.AddCommand(historyShowCmd)
}

func openHistoryStore() (*store.Store, error) {
	dbPath := flagDBPath
	if dbPath == "" {
		cfgDir, err := config.Dir()
		if err != nil {
			return nil, err
		}
		cfg, err := config.Load(cfgDir)
		if err != nil {
			return nil, err
		}
		dbPath = cfg.HistoryDBPath(cfgDir)
	}
	s, err := store.New(dbPath)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := s.CreateSchema(); err != nil {
		s.Close()
		return nil, fmt.Errorf("initialize history database: %w", err)
	}
	return s, nil
}

func runHistoryList(cmd *cobra.Command, args []string) error {
	s, err := openHistoryStore()
	if err != nil {
		return err
	}
	defer s.Close()

	runs, err := s.ListRuns(historyProject)
	if err != nil {
		return err
	}
	fmt.Fprint(cmd.OutOrStdout(), output.RenderRunHistoryTable(runs))
	return nil
}

func runHistoryShow(cmd *cobra.Command, args []string) error {
	id, err := strconv.ParseInt(args[0], 10, 64)
	if err != nil {
		return fmt.Errorf("invalid run ID %q: %w", args[0], err)
	}

	s, err := openHistoryStore()
	if err != nil {
		return err
	}
	defer s.Close()

	run, err := s.GetRun(id)
	if err != nil {
		return err
	}
	candidates, err := s.GetCandidates(id)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "run %d: %s (%s)\n", run.ID, run.ProjectDir, run.Status)
	fmt.Fprintf(out, "good=%s bad=%s probes=%d\n", run.GoodTime.Format("2006-01-02T15:04:05Z07:00"), run.BadTime.Format("2006-01-02T15:04:05Z07:00"), run.ProbeCount)
	if run.CulpritName != "" {
		fmt.Fprintf(out, "culprit: %s@%s\n", run.CulpritName, run.CulpritVersion)
	}
	if len(candidates) > 0 {
		fmt.Fprintln(out)
		events := make([]timeline.Event, len(candidates))
		for i, c := range candidates {
			events[i] = timeline.Event{PackageName: c.PackageName, Version: c.Version, Time: c.PublishTime}
		}
		fmt.Fprint(out, output.RenderCandidateTable(events))
	}
	return nil
}
