package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newSearchCmd(opts *rootOptions) *cobra.Command {
	var (
		from, size int
		public     bool
		content    bool
	)
	cmd := &cobra.Command{
		Use:   "search <term>",
		Short: "Search your rules, or public rules with --public",
		Long: `search runs a query against the search index. The terms
"import_id:<n>" and "collection_id:<n>" list the rules of one import job or
collection straight from the database. Hits whose rule no longer exists
carry a warning.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(ctx, opts.cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			owner := opts.owner
			if public {
				owner = ""
			}
			page, err := a.ingest.Search(ctx, owner, args[0], from, size)
			if err != nil {
				return err
			}
			headers := []string{"rule id", "name", "collection", "description"}
			if content {
				headers = append(headers, "rule")
			}
			t := table{headers: headers}
			for _, hit := range page.Results {
				collection := "-"
				if hit.Collection != nil {
					collection = fmt.Sprintf("%d (%s)", hit.Collection.ID, hit.Collection.Name)
				}
				desc := hit.Description
				if hit.Warning != "" {
					desc = "! " + hit.Warning
				}
				row := []string{hit.RuleID, hit.Name, collection, truncate(desc, 60)}
				if content {
					row = append(row, truncate(hit.Content, 80))
				}
				t.add(row...)
			}
			if err := opts.printOutput(cmd.OutOrStdout(), page, t); err != nil {
				return err
			}
			fmt.Fprintf(cmd.ErrOrStderr(), "%d of %d results in %dms\n", page.Displayed, page.Available, page.TookMS)
			return nil
		},
	}
	f := cmd.Flags()
	f.IntVar(&from, "from", 0, "Offset of the first result")
	f.IntVar(&size, "size", 100, "Maximum results")
	f.BoolVar(&public, "public", false, "Search the public partition")
	f.BoolVar(&content, "content", false, "Include the rule text in table output")
	return cmd
}
