package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yarawesome/yarawesome/pkg/jobs"
)

func newImportCmd(opts *rootOptions) *cobra.Command {
	var (
		branch string
		full   bool
		wait   bool
	)
	cmd := &cobra.Command{
		Use:   "import <git-url>",
		Short: "Import the rules of a git repository",
		Long: `import queues a git_import job: the repository is cloned, its rule files
are staged under a new import job and ingested. The daemon picks the job
up; with --wait this process runs the queue until it is empty.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			url := args[0]
			ij, err := a.ingest.NewImportJob(ctx, opts.owner, url)
			if err != nil {
				return err
			}
			payload := jobs.GitImportPayload{URL: url, Branch: branch, ImportJobID: ij.ID}
			if full {
				shallow := false
				payload.Shallow = &shallow
			}
			job, err := a.submit(ctx, jobs.KindGitImport, opts.owner, payload, fmt.Sprintf("git:%d", ij.ID))
			if err != nil {
				return err
			}

			if wait {
				if _, err := a.workers.Drain(ctx); err != nil {
					return err
				}
				if job, err = a.jobs.Get(ctx, job.ID); err != nil {
					return err
				}
			}
			if err := opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job})); err != nil {
				return err
			}
			if job.State == jobs.JobStateFailed {
				return fmt.Errorf("git import of %s failed: %s", url, job.LastError)
			}
			return nil
		},
	}
	f := cmd.Flags()
	f.StringVar(&branch, "branch", "", "Branch to check out (default: remote HEAD)")
	f.BoolVar(&full, "full", false, "Clone the full history instead of a shallow copy")
	f.BoolVar(&wait, "wait", false, "Run the job in this process and wait for it")
	return cmd
}
