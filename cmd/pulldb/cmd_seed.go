package main

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/user/pulldb/internal/catalog"
)

var seedFile string

var seedCmd = &cobra.Command{
	Use:          "seed",
	Short:        "Load a YAML catalog fixture into the data directory",
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		if seedFile == "" {
			return fmt.Errorf("--file is required")
		}
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		f, err := os.Open(seedFile)
		if err != nil {
			return err
		}
		defer f.Close()
		fixture, err := catalog.ParseFixture(f)
		if err != nil {
			return err
		}

		eng, err := openEngine(cfg)
		if err != nil {
			return err
		}
		defer eng.Close()
		res, err := eng.catalog.Load(cmd.Context(), fixture)
		if err != nil {
			return fmt.Errorf("load %s: %w", seedFile, err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), renderTable(
			[]string{"Kind", "Loaded"},
			[][]string{
				{"publishers", strconv.Itoa(res.Publishers)},
				{"volumes", strconv.Itoa(res.Volumes)},
				{"issues", strconv.Itoa(res.Issues)},
				{"arcs", strconv.Itoa(res.Arcs)},
			},
			[]columnAlignment{alignLeft, alignRight},
		))
		return nil
	},
}

func init() {
	seedCmd.Flags().StringVar(&seedFile, "file", "", "YAML fixture with publishers, volumes, issues and arcs")
	rootCmd.AddCommand(seedCmd)
}
