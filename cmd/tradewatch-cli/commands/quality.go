package commands

import (
	"fmt"

	"tradewatch-backend/lib/serviceutil"
	"tradewatch-backend/services/dataquality"
	ingestdb "tradewatch-backend/services/ingest/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var qualityThreshold *float64

func init() {
	qualityThreshold = qualityCmd.Flags().Float64(
		"threshold", 0,
		"Minimum name similarity to report, 0 uses the default.",
	)
	rootCmd.AddCommand(qualityCmd)
}

var qualityCmd = &cobra.Command{
	Use:   "quality <site> [--threshold <0..1>]",
	Short: "Reports stored items whose names look like near duplicates of each other.",
	Args:  cobra.ExactArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		database := openDatabase(cfg)
		defer database.Close()

		service := dataquality.NewService(ingestdb.New(database))
		pairs, err := service.ScanSite(cmd.Context(), args[0], *qualityThreshold)
		if err != nil {
			serviceutil.Fatal("failed to scan site", err)
		}
		if len(pairs) == 0 {
			fmt.Println("no near duplicates found")
			return
		}

		t := newTable()
		t.AppendHeader(table.Row{"Name", "Near duplicate", "Similarity", "Hashes"})
		for _, pair := range pairs {
			t.AppendRow(table.Row{
				pair.LeftName,
				pair.RightName,
				fmt.Sprintf("%.3f", pair.Similarity),
				fmt.Sprintf("%s / %s", pair.LeftHash, pair.RightHash),
			})
		}
		t.Render()
	},
}
