package commands

import (
	"encoding/json"
	"fmt"
	"os"

	"tradewatch-backend/lib/serviceutil"
	"tradewatch-backend/services/health"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var healthJson *bool

func init() {
	healthJson = healthCmd.Flags().Bool("json", false, "Print the report as JSON instead of a table.")
	rootCmd.AddCommand(healthCmd)
}

var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Checks the database, scraper freshness and recent failure volume.",
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		database := openDatabase(cfg)
		defer database.Close()

		var sites []string
		for _, site := range readSites(cfg) {
			sites = append(sites, site.Name)
		}

		report, err := health.NewService(database, sites).Check(cmd.Context())
		if err != nil {
			serviceutil.Fatal("failed to run health checks", err)
		}

		if *healthJson {
			out, err := json.MarshalIndent(report, "", "  ")
			if err != nil {
				serviceutil.Fatal("failed to serialize report", err)
			}
			fmt.Println(string(out))
		} else {
			t := newTable()
			t.AppendHeader(table.Row{"Check", "Status", "Detail"})
			for _, check := range report.Checks {
				t.AppendRow(table.Row{check.Name, check.Status, check.Detail})
			}
			t.Render()
			fmt.Println("overall:", report.Status)
		}

		if report.Status != health.StatusHealthy {
			os.Exit(1)
		}
	},
}
