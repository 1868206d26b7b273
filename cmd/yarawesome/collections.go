package main

import (
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/yarawesome/yarawesome/pkg/jobs"
	"github.com/yarawesome/yarawesome/pkg/rules"
)

func newPublishCmd(opts *rootOptions) *cobra.Command {
	var private, async bool
	cmd := &cobra.Command{
		Use:   "publish <collection-id>",
		Short: "Make one of your collections public, or private again",
		Long: `publish flips the public flag on every rule of the collection and moves
their index documents to the public partition. With --private the rules
return to your own partition.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if async {
				job, err := a.submit(ctx, jobs.KindPublishCollection, opts.owner,
					jobs.PublishPayload{CollectionID: id, Public: !private}, "")
				if err != nil {
					return err
				}
				return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
			}
			res, err := a.ingest.PublishCollection(ctx, id, opts.owner, !private)
			if perr := opts.printOutput(cmd.OutOrStdout(), res, batchTable(res)); perr != nil {
				return perr
			}
			return err
		},
	}
	cmd.Flags().BoolVar(&private, "private", false, "Unpublish the collection")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the change for the daemon")
	return cmd
}

func newCloneCmd(opts *rootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "clone",
		Short: "Copy public or owned rules into a new collection of yours",
	}
	cmd.AddCommand(newCloneCollectionCmd(opts), newCloneRuleCmd(opts))
	return cmd
}

type cloneFlags struct {
	name  string
	async bool
}

func (f *cloneFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Name of the new collection (required)")
	cmd.Flags().BoolVar(&f.async, "async", false, "Queue the clone for the daemon")
	_ = cmd.MarkFlagRequired("name")
}

func newCloneCollectionCmd(opts *rootOptions) *cobra.Command {
	var flags cloneFlags
	cmd := &cobra.Command{
		Use:   "collection <collection-id>",
		Short: "Clone every rule of a collection",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			srcID, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dst, err := a.ingest.NewTarget(ctx, opts.owner, flags.name, fmt.Sprintf("clone of collection %d", srcID))
			if err != nil {
				return err
			}
			if flags.async {
				job, err := a.submit(ctx, jobs.KindCloneCollection, opts.owner,
					jobs.CloneCollectionPayload{SourceCollectionID: srcID, Target: dst}, fmt.Sprintf("clone:%d", dst.ID))
				if err != nil {
					return err
				}
				return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
			}
			res, err := a.ingest.CloneCollection(ctx, srcID, dst)
			if perr := opts.printOutput(cmd.OutOrStdout(), res, batchTable(res)); perr != nil {
				return perr
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "cloned into collection %d (%s)\n", dst.ID, dst.Name)
			return err
		},
	}
	flags.register(cmd)
	return cmd
}

func newCloneRuleCmd(opts *rootOptions) *cobra.Command {
	var flags cloneFlags
	cmd := &cobra.Command{
		Use:   "rule <rule-id>",
		Short: "Clone a single rule by its rule id",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			dst, err := a.ingest.NewTarget(ctx, opts.owner, flags.name, "clone of rule "+args[0])
			if err != nil {
				return err
			}
			if flags.async {
				job, err := a.submit(ctx, jobs.KindCloneRule, opts.owner,
					jobs.CloneRulePayload{RuleID: args[0], Target: dst}, fmt.Sprintf("clone:%d", dst.ID))
				if err != nil {
					return err
				}
				return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
			}
			r, err := a.ingest.CloneRule(ctx, args[0], dst)
			if err != nil {
				return err
			}
			return opts.printOutput(cmd.OutOrStdout(), r, rulesTable([]rules.Rule{*r}))
		},
	}
	flags.register(cmd)
	return cmd
}

func newDownloadCmd(opts *rootOptions) *cobra.Command {
	var (
		out   string
		async bool
	)
	cmd := &cobra.Command{
		Use:   "download <collection-id>",
		Short: "Write a collection as a single rule file",
		Long: `download concatenates the rules of a collection, their imports first, into
one rule file and records it as a download. Without --out the file is
written to stdout.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if async {
				downloadID := uuid.New().String()
				job, err := a.submit(ctx, jobs.KindDownloadCollection, opts.owner,
					jobs.DownloadPayload{CollectionID: id, DownloadID: downloadID}, "download:"+downloadID)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.ErrOrStderr(), "download %s queued\n", downloadID)
				return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
			}
			dl, err := a.ingest.DownloadCollection(ctx, id, "")
			if err != nil {
				return err
			}
			if out == "" {
				_, err = fmt.Fprint(cmd.OutOrStdout(), dl.Content)
				return err
			}
			if err := os.WriteFile(out, []byte(dl.Content), 0o644); err != nil {
				return fmt.Errorf("write download: %w", err)
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "download %s written to %s\n", dl.ID, out)
			return nil
		},
	}
	cmd.Flags().StringVar(&out, "out", "", "File to write the rules to")
	cmd.Flags().BoolVar(&async, "async", false, "Queue the rendering for the daemon")
	return cmd
}

func newDeleteCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <collection-id>",
		Short: "Delete one of your collections and its rules",
		Long: `delete removes the collection and every rule in it. Index documents of the
removed rules stay until reindexed; searches flag them as deleted.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.rules.DeleteCollection(ctx, id, opts.owner); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "collection %d deleted\n", id)
			return nil
		},
	}
}

func rulesTable(rs []rules.Rule) table {
	t := table{headers: []string{"id", "rule id", "name", "collection", "public"}}
	for _, r := range rs {
		collection := "-"
		if r.CollectionID != nil {
			collection = uintString(*r.CollectionID)
		}
		t.add(uintString(r.ID), r.RuleID, r.Name, collection, fmt.Sprint(r.Public))
	}
	return t
}
