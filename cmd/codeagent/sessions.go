package main

import (
	"context"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"codeagent/internal/kernel"
	"codeagent/pkg/config"
	"codeagent/pkg/eventlog"
	"codeagent/pkg/state"
)

func (a *app) withStore(ctx context.Context, fn func(*config.Config, state.Store) error) error {
	cfg, err := a.loadConfig()
	if err != nil {
		return err
	}
	if cfg.Store.Backend == config.StoreMemory {
		return fmt.Errorf("store backend %q keeps nothing between runs", cfg.Store.Backend)
	}
	store, err := kernel.OpenStore(ctx, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open session store: %w", err)
	}
	defer store.Close()
	return fn(cfg, store)
}

func (a *app) sessionsCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List stored sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withStore(cmd.Context(), func(_ *config.Config, store state.Store) error {
				summaries, err := store.List(cmd.Context())
				if err != nil {
					return err
				}
				printSummaries(cmd.OutOrStdout(), summaries)
				return nil
			})
		},
	}

	rm := &cobra.Command{
		Use:   "rm SESSION_ID...",
		Short: "Delete stored sessions",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withStore(cmd.Context(), func(_ *config.Config, store state.Store) error {
				for _, id := range args {
					if err := state.ValidateID(id); err != nil {
						return err
					}
					if err := store.Delete(cmd.Context(), id); err != nil {
						return fmt.Errorf("failed to delete %s: %w", id, err)
					}
					fmt.Fprintf(cmd.OutOrStdout(), "Deleted %s\n", id)
				}
				return nil
			})
		},
	}

	events := &cobra.Command{
		Use:   "events SESSION_ID",
		Short: "Print the recorded turn events of a session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			evs, err := eventlog.ReadSession(cfg.Telemetry.EventLogDir, args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for i := range evs {
				ev := &evs[i]
				line := fmt.Sprintf("%s  %-11s %-10s", ev.Timestamp.Format(time.RFC3339), ev.Kind, ev.State)
				switch {
				case ev.Outcome != "":
					line += " " + ev.Outcome
				case ev.Destination != "":
					line += " " + string(ev.Destination)
				case ev.ExecOutcome != "":
					line += " " + ev.ExecOutcome
				}
				if ev.Message != "" {
					line += ": " + ev.Message
				}
				fmt.Fprintln(out, line)
			}
			if len(evs) == 0 {
				fmt.Fprintf(out, "No events recorded for %s\n", args[0])
			}
			return nil
		},
	}

	cmd.AddCommand(rm, events)
	return cmd
}

func printSummaries(w io.Writer, summaries []state.Summary) {
	if len(summaries) == 0 {
		fmt.Fprintln(w, "No stored sessions.")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tOUTCOME\tUPDATED\tTASK")
	for i := range summaries {
		s := &summaries[i]
		st := string(s.Current)
		if s.Suspended {
			st += " (waiting)"
		}
		outcome := string(s.Outcome)
		if outcome == "" {
			outcome = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.SessionID, st, outcome, s.UpdatedAt.Format(time.RFC3339), truncate(s.Task, 60))
	}
	_ = tw.Flush()
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
