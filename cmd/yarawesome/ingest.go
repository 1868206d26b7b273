package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/yarawesome/yarawesome/pkg/ingest"
	"github.com/yarawesome/yarawesome/pkg/jobs"
	"github.com/yarawesome/yarawesome/pkg/rules"
)

func newIngestCmd(opts *rootOptions) *cobra.Command {
	var async bool
	cmd := &cobra.Command{
		Use:   "ingest <path>",
		Short: "Import rule files from a file or directory",
		Long: `ingest creates an import job, stages every .yar/.yara file under <path> into
the upload directory and ingests them. Subdirectories become collections;
files at the top of <path> go to a collection named after <path>.

With --async the files are staged and a job is queued for the daemon.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			src, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			ij, err := a.ingest.NewImportJob(ctx, opts.owner, src)
			if err != nil {
				return err
			}
			staged, err := ingest.StageUpload(src, opts.cfg.Paths.UploadDir, ij.ID)
			if err != nil {
				return err
			}
			root := filepath.Join(opts.cfg.Paths.UploadDir, uintString(ij.ID))
			a.logger.Info("staged upload", "importJobID", ij.ID, "files", len(staged), "dir", root)

			if async {
				job, err := a.submit(ctx, jobs.KindImportDirectory, opts.owner,
					jobs.ImportDirectoryPayload{Root: root}, fmt.Sprintf("import:%d", ij.ID))
				if err != nil {
					return err
				}
				return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
			}

			res, err := a.ingest.ImportDirectory(ctx, root)
			if perr := opts.printOutput(cmd.OutOrStdout(), res, batchTable(res)); perr != nil {
				return perr
			}
			if err != nil && res.Succeeded == 0 {
				return err
			}
			if err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "import job %d\n", ij.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&async, "async", false, "Queue the import for the daemon instead of running it")
	return cmd
}

func newEditCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <rule-id> <file>",
		Short: "Replace the content of one of your rules",
		Long: `edit re-parses <file> and stores its last rule under <rule-id>, keeping the
rule id, its collection and its index document in sync. Use "-" to read
the rule from stdin.`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			var text []byte
			var err error
			if args[1] == "-" {
				text, err = io.ReadAll(cmd.InOrStdin())
			} else {
				text, err = os.ReadFile(args[1])
			}
			if err != nil {
				return fmt.Errorf("read rule: %w", err)
			}

			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			r, err := a.ingest.EditRule(ctx, opts.owner, args[0], string(text))
			if err != nil {
				return err
			}
			return opts.printOutput(cmd.OutOrStdout(), r, rulesTable([]rules.Rule{*r}))
		},
	}
}
