package main

import (
	"fmt"
	"path/filepath"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/yarawesome/yarawesome/pkg/jobs"
	"github.com/yarawesome/yarawesome/pkg/scans"
)

func newScanCmd(opts *rootOptions) *cobra.Command {
	var (
		ruleIDs       []uint
		collectionIDs []uint
		async         bool
	)
	cmd := &cobra.Command{
		Use:   "scan <binary>",
		Short: "Match a binary against rules and collections",
		Long: `scan registers <binary> (deduplicated by content hash), creates a scan over
the selected rules and collections and runs it. Every selected rule must be
yours or public. Imported modules the rules need are pulled in.`,
		Example: `  yarawesome scan ./sample.exe --collection 3 --rule 17 --rule 18`,
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			path, err := filepath.Abs(args[0])
			if err != nil {
				return err
			}
			bin, err := a.scans.RegisterBinary(ctx, path, filepath.Base(path), opts.owner)
			if err != nil {
				return err
			}
			sc, err := a.scans.CreateScan(ctx, scans.ScanRequest{
				BinaryID:      bin.ID,
				Owner:         opts.owner,
				RuleIDs:       ruleIDs,
				CollectionIDs: collectionIDs,
			})
			if err != nil {
				return err
			}

			if async {
				job, err := a.submit(ctx, jobs.KindScan, opts.owner, jobs.ScanPayload{ScanID: sc.ID}, fmt.Sprintf("scan:%d", sc.ID))
				if err != nil {
					return err
				}
				return opts.printOutput(cmd.OutOrStdout(), jobs.NewJobView(job), jobsTable([]jobs.Job{*job}))
			}

			done, err := a.runner.Run(ctx, sc.ID)
			if err != nil {
				return err
			}
			matches, err := a.scans.Matches(ctx, done.ID)
			if err != nil {
				return err
			}
			t := table{headers: []string{"scan", "binary", "rule", "matched at"}}
			for _, m := range matches {
				at := m.CreatedAt
				t.add(uintString(m.ScanID), bin.BinaryID, uintString(m.RuleID), formatTime(&at))
			}
			if err := opts.printOutput(cmd.OutOrStdout(), matches, t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "scan %d %s: %s matches\n", done.ID, done.State, strconv.Itoa(done.MatchCount))
			return nil
		},
	}
	f := cmd.Flags()
	f.UintSliceVar(&ruleIDs, "rule", nil, "Rule row id to include (repeatable)")
	f.UintSliceVar(&collectionIDs, "collection", nil, "Collection id to include (repeatable)")
	f.BoolVar(&async, "async", false, "Queue the scan for the daemon instead of running it")
	return cmd
}
