package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yarawesome/yarawesome/pkg/errs"
	"github.com/yarawesome/yarawesome/pkg/jobs"
)

func newJobsCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "Inspect and cancel queued jobs",
	}
	cmd.AddCommand(newJobsListCmd(opts), newJobsGetCmd(opts), newJobsCancelCmd(opts), newJobsDrainCmd(opts))
	return cmd
}

func newJobsListCmd(opts *rootOptions) *cobra.Command {
	var (
		filter    jobs.JobListFilter
		pageSize  int
		pageToken string
		all       bool
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List jobs, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if !all && filter.Owner == "" {
				filter.Owner = opts.owner
			}
			records, next, total, err := a.jobs.List(ctx, filter, pageSize, pageToken)
			if err != nil {
				return err
			}
			if err := opts.printOutput(cmd.OutOrStdout(), jobViews(records), jobsTable(records)); err != nil {
				return err
			}
			if next != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d shown, next page: --page-token %s\n", len(records), total, next)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&filter.Kind, "kind", "", "Only jobs of this kind")
	f.StringVar(&filter.State, "state", "", "Only jobs in this state")
	f.BoolVar(&all, "all", false, "Jobs of every owner")
	f.IntVar(&pageSize, "page-size", 20, "Jobs per page")
	f.StringVar(&pageToken, "page-token", "", "Token from a previous page")
	return cmd
}

func newJobsGetCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "get <job-id>",
		Short: "Show one job",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			job, err := a.jobs.Get(ctx, args[0])
			if err != nil {
				return err
			}
			if job == nil {
				return errs.NotFoundf("job %s", args[0])
			}
			return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
		},
	}
}

func newJobsCancelCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <job-id>",
		Short: "Cancel a job that has not started yet",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.jobs.Cancel(ctx, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "job %s canceled\n", args[0])
			return nil
		},
	}
}

func newJobsDrainCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Run every queued job in this process and exit",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.workers.Drain(ctx)
			fmt.Fprintf(cmd.ErrOrStderr(), "%d jobs processed\n", n)
			return err
		},
	}
}

func jobViews(records []jobs.Job) []jobs.JobView {
	views := make([]jobs.JobView, len(records))
	for i := range records {
		views[i] = jobs.NewJobView(&records[i])
	}
	return views
}

func jobsTable(records []jobs.Job) table {
	t := table{headers: []string{"id", "kind", "owner", "state", "attempts", "requested", "message"}}
	for _, j := range records {
		requested := j.RequestedAt
		t.add(j.ID, string(j.Kind), j.Owner, string(j.State), strconv.Itoa(j.AttemptCount),
			formatTime(&requested), truncate(j.Message, 48))
	}
	return t
}
