package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/user/pulldb/internal/bulk"
	"github.com/user/pulldb/internal/catalog"
)

var (
	newUser        string
	newMaterialize bool
)

var newCmd = &cobra.Command{
	Use:          "new",
	Short:        "List the new issues of a user's subscriptions",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if newUser == "" {
			return fmt.Errorf("--user is required")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()

		found, err := eng.resolver.Resolve(cmd.Context(), newUser)
		if err != nil {
			return err
		}
		rows := make([][]string, 0, len(found))
		for _, f := range found {
			rows = append(rows, []string{
				catalog.FormatID(f.Issue.ID),
				catalog.FormatID(f.VolumeID),
				f.Issue.Number,
				f.Issue.PubDate.Format(catalog.DateLayout),
				f.Subscription.String(),
			})
		}
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, renderTable(
			[]string{"Issue", "Volume", "Number", "Published", "Subscription"},
			rows,
			[]columnAlignment{alignRight, alignRight, alignLeft, alignLeft, alignLeft},
		))
		if !newMaterialize {
			return nil
		}
		res, err := eng.resolver.Materialize(cmd.Context(), newUser)
		if err != nil {
			return err
		}
		if eng.journal != nil {
			if err := eng.journal.Record(cmd.Context(), newUser, "pulls.materialize", res); err != nil {
				return err
			}
		}
		fmt.Fprintf(out, "added %d new pulls\n", res.Len(bulk.Added))
		return nil
	},
}

func init() {
	newCmd.Flags().StringVar(&newUser, "user", "", "User to resolve new issues for")
	newCmd.Flags().BoolVar(&newMaterialize, "materialize", false, "Add a pull record for every new issue")
	rootCmd.AddCommand(newCmd)
}
