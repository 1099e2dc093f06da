package cli

import (
	"github.com/spf13/cobra"

	"github.com/jo-hoe/clipwatch/internal/api"
)

func newAdminCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Administer jobs on the processing service",
	}
	cmd.AddCommand(newAdminJobsCmd(opts))
	cmd.AddCommand(newAdminRetryCmd(opts))
	cmd.AddCommand(newAdminDeleteCmd(opts))
	cmd.AddCommand(newAdminCleanupCmd(opts))
	cmd.AddCommand(newAdminStatsCmd(opts))
	return cmd
}

func newAdminJobsCmd(opts *rootOptions) *cobra.Command {
	var q api.ListQuery
	var cached bool
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			r := newRenderer(cmd.OutOrStdout())
			if cached {
				cp, err := a.admin.Cached(q)
				if err != nil {
					return err
				}
				total := 0
				for _, n := range cp.Counts {
					total += n
				}
				r.listing(&api.JobPage{Jobs: cp.Jobs, Total: total, Page: cp.Page, Limit: cp.Limit})
				return nil
			}
			page, err := a.admin.List(cmd.Context(), q)
			if err != nil {
				return err
			}
			r.listing(page)
			return nil
		},
	}
	cmd.Flags().StringVarP(&q.Status, "status", "s", "all", "Filter: all, completed, failed, active, waiting")
	cmd.Flags().IntVar(&q.Page, "page", 1, "Page number")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "Page size")
	cmd.Flags().BoolVar(&cached, "cached", false, "Read the local listing database instead of the service")
	return cmd
}

func newAdminRetryCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <job-id>",
		Short: "Re-queue a failed job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.admin.Retry(cmd.Context(), args[0]); err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).printf("job %s queued for retry\n", args[0])
			return nil
		},
	}
}

func newAdminDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <job-id>",
		Short: "Remove a job from the service",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			if err := a.admin.Delete(cmd.Context(), args[0]); err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).printf("job %s removed\n", args[0])
			return nil
		},
	}
}

func newAdminCleanupCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup",
		Short: "Force the service to sweep old downloads and output",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			// Baseline for the freed bytes when the service does not report them.
			if _, err := a.admin.Stats(cmd.Context()); err != nil {
				a.log.Debug("stats before cleanup", "err", err)
			}
			sum, err := a.admin.Cleanup(cmd.Context())
			if err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).cleanup(sum)
			return nil
		},
	}
}

func newAdminStatsCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Show queue counters and disk usage",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer a.Close()
			st, err := a.admin.Stats(cmd.Context())
			if err != nil {
				return err
			}
			newRenderer(cmd.OutOrStdout()).stats(st)
			return nil
		},
	}
}
