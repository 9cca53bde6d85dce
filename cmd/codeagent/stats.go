package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"codeagent/pkg/metrics"
)

type statsReport struct {
	Agent  *metrics.AgentMetrics `json:"agent"`
	Models []metrics.ModelUsage  `json:"models"`
}

func (a *app) statsCommand() *cobra.Command {
	var (
		url     string
		asJSON  bool
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "stats",
		Short: "Show agent metrics collected by Prometheus",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if url == "" {
				cfg, err := a.loadConfig()
				if err != nil {
					return err
				}
				url = cfg.Telemetry.PrometheusURL
			}
			if url == "" {
				return errors.New("no Prometheus URL configured (telemetry.prometheus_url or --url)")
			}

			q, err := metrics.NewQueryService(url)
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			report := statsReport{}
			if report.Agent, err = q.GetAgentMetrics(ctx); err != nil {
				return err
			}
			if report.Models, err = q.GetUsageByModel(ctx); err != nil {
				return err
			}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStats(cmd.OutOrStdout(), &report)
			return nil
		},
	}
	cmd.Flags().StringVar(&url, "url", "", "Prometheus base URL (defaults to telemetry.prometheus_url)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the report as JSON")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "query timeout")
	return cmd
}

func printStats(w io.Writer, r *statsReport) {
	fmt.Fprintln(w, "Turns:")
	printCounts(w, r.Agent.Turns)
	fmt.Fprintln(w, "Executions:")
	printCounts(w, r.Agent.Executions)
	fmt.Fprintf(w, "Repairs:       %d\n", r.Agent.Repairs)
	fmt.Fprintf(w, "Failed steps:  %d\n", r.Agent.FailedSteps)
	fmt.Fprintf(w, "Tokens:        %d (prompt %d, completion %d)\n",
		r.Agent.TotalTokens, r.Agent.PromptTokens, r.Agent.CompletionTokens)
	if len(r.Models) == 0 {
		return
	}
	fmt.Fprintln(w, "By model:")
	for _, m := range r.Models {
		fmt.Fprintf(w, "  %-28s %6d requests %9d prompt %9d completion\n", m.Model, m.Requests, m.PromptTokens, m.CompletionTokens)
	}
}

func printCounts(w io.Writer, counts map[string]int64) {
	if len(counts) == 0 {
		fmt.Fprintln(w, "  none")
		return
	}
	keys := make([]string, 0, len(counts))
	for k := range counts {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-14s %d\n", k, counts[k])
	}
}
