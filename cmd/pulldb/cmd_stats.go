package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

var statsUser string

var statsCmd = &cobra.Command{
	Use:          "stats",
	Short:        "Show pull counts for a user and catalog sync counts",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()
		ctx := cmd.Context()
		out := cmd.OutOrStdout()

		if statsUser != "" {
			c, err := eng.ledger.Stats(ctx, statsUser)
			if err != nil {
				return err
			}
			fmt.Fprintln(out, renderTable(
				[]string{"State", "Pulls"},
				[][]string{
					{"new", strconv.Itoa(c.New)},
					{"unread", strconv.Itoa(c.Unread)},
					{"read", strconv.Itoa(c.Read)},
					{"ignored", strconv.Itoa(c.Ignored)},
					{"total", strconv.Itoa(c.Total)},
				},
				[]columnAlignment{alignLeft, alignRight},
			))
		}

		vs, err := eng.catalog.VolumeStats(ctx)
		if err != nil {
			return err
		}
		as, err := eng.catalog.ArcStats(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, renderTable(
			[]string{"Collection", "Queued", "To index", "Total"},
			[][]string{
				{"volumes", strconv.Itoa(vs.Queued), strconv.Itoa(vs.ToIndex), strconv.Itoa(vs.Total)},
				{"arcs", strconv.Itoa(as.Queued), strconv.Itoa(as.ToIndex), strconv.Itoa(as.Total)},
			},
			[]columnAlignment{alignLeft, alignRight, alignRight, alignRight},
		))
		return nil
	},
}

func init() {
	statsCmd.Flags().StringVar(&statsUser, "user", "", "User whose pulls to count")
	rootCmd.AddCommand(statsCmd)
}
