package main

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"mailqueue/internal/csvparser"
	"mailqueue/internal/models"
)

func createStatsCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show job counts by status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			stats, err := a.queue.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stats)
		},
	}
}

func createFailedCmd(a *app) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "failed",
		Short: "List the most recent failed jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs, err := a.queue.Failed(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jobs == nil {
				jobs = []*models.EmailJob{}
			}
			return printJSON(cmd.OutOrStdout(), jobs)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of jobs to list")

	return cmd
}

func createRetryFailedCmd(a *app) *cobra.Command {
	var max int

	cmd := &cobra.Command{
		Use:   "retry-failed",
		Short: "Move failed jobs back to pending with their attempts reset",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.queue.RetryFailed(cmd.Context(), max)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "requeued %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 100, "maximum number of jobs to requeue")

	return cmd
}

func createCleanupCmd(a *app) *cobra.Command {
	var days int

	cmd := &cobra.Command{
		Use:   "cleanup",
		Short: "Delete sent and failed jobs older than --days",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if days < 0 {
				return errors.New("--days must not be negative")
			}
			n, err := a.queue.Cleanup(cmd.Context(), time.Duration(days)*24*time.Hour)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "deleted %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&days, "days", 30, "age in days of the jobs to delete")

	return cmd
}

func createResetStuckCmd(a *app) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "reset-stuck",
		Short: "Return jobs stuck in sending to pending",
		Long: `
Return jobs stuck in sending to pending.

Only run this when no worker can still be sending them, otherwise the same
email may go out twice.
`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				olderThan = a.cfg.StuckAfter
			}
			n, err := a.queue.ResetStuck(cmd.Context(), olderThan)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "reset %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "only jobs untouched for this long (default STUCK_AFTER)")

	return cmd
}

func createDrainCmd(a *app) *cobra.Command {
	var max int

	cmd := &cobra.Command{
		Use:   "drain",
		Short: "Send ready jobs in this process until none is left",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := a.queue.Drain(cmd.Context(), max)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "processed %d job(s)\n", n)
			return nil
		},
	}
	cmd.Flags().IntVar(&max, "max", 0, "stop after this many jobs (0 = no limit)")

	return cmd
}

func createEnqueueCmd(a *app) *cobra.Command {
	var (
		to       []string
		subject  string
		body     string
		html     string
		template string
		vars     []string
		csvPath  string
		urgent   bool
	)

	cmd := &cobra.Command{
		Use:   "enqueue",
		Short: "Queue an email, or one email per row of a CSV file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			variables, err := parseVars(vars)
			if err != nil {
				return err
			}

			base := models.Content{
				Recipients: to,
				Subject:    subject,
				Body:       body,
				HTMLBody:   html,
				TemplateID: template,
				Variables:  variables,
			}

			contents := []models.Content{base}
			if csvPath != "" {
				contents, err = csvparser.ParseFile(csvPath, base, a.cfg.MaxBulkRows)
				if err != nil {
					return err
				}
			}

			for _, c := range contents {
				id, err := a.queue.Enqueue(cmd.Context(), c, urgent)
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), id)
			}
			return nil
		},
	}

	f := cmd.Flags()
	f.StringSliceVar(&to, "to", nil, "recipient address (repeatable)")
	f.StringVar(&subject, "subject", "", "subject line")
	f.StringVar(&body, "body", "", "plain-text body")
	f.StringVar(&html, "html", "", "html body")
	f.StringVar(&template, "template", "", "template id resolved by the sender")
	f.StringArrayVar(&vars, "var", nil, "template variable as key=value (repeatable)")
	f.StringVar(&csvPath, "csv", "", "CSV with an Email column; one email per row")
	f.BoolVar(&urgent, "urgent", false, "send immediately without persisting")

	return cmd
}

func parseVars(pairs []string) (models.Variables, error) {
	out := models.Variables{}
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			return nil, fmt.Errorf("invalid --var %q, expected key=value", p)
		}
		out[strings.TrimSpace(k)] = v
	}
	return out, nil
}
