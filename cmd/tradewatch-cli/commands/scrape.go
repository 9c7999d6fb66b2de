package commands

import (
	"errors"
	"log/slog"
	"time"

	"tradewatch-backend/lib/restyutil"
	"tradewatch-backend/lib/serviceutil"
	"tradewatch-backend/services/ingest"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var (
	scrapeAll       *bool
	scrapeDebugHttp *bool
)

func init() {
	scrapeAll = scrapeCmd.Flags().Bool("all", false, "Scrape every configured site.")
	scrapeDebugHttp = scrapeCmd.Flags().Bool(
		"debug-http", false,
		"Dump raw http transcripts to .dev/resty/scrape.",
	)
	rootCmd.AddCommand(scrapeCmd)
}

var scrapeCmd = &cobra.Command{
	Use:   "scrape [site] [--all]",
	Short: "Runs a scrape for one site, or for every configured site.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		if !*scrapeAll && len(args) == 0 {
			serviceutil.Fatal("nothing to scrape", errors.New("pass a site name or --all"))
		}

		cfg := readConfig()
		database := openDatabase(cfg)
		defer database.Close()

		var debugOutput restyutil.InstrumentOutput
		if *scrapeDebugHttp {
			debugOutput = restyutil.NewFilesystemOutput(".dev/resty/scrape")
		}
		service, err := ingest.NewService(ingest.ServiceOptions{
			DB:          database,
			StateDir:    cfg.StateDir,
			DebugOutput: debugOutput,
		})
		if err != nil {
			serviceutil.Fatal("failed to init ingest service", err)
		}
		err = service.RegisterSites(readSites(cfg))
		if err != nil {
			serviceutil.Fatal("failed to register sites", err)
		}

		t1 := time.Now()
		if *scrapeAll {
			err := service.ScrapeAll(cmd.Context())
			if err != nil {
				serviceutil.Fatal("scrape failed", err)
			}
		} else {
			report, err := service.ScrapeSite(cmd.Context(), args[0])
			if err != nil {
				serviceutil.Fatal("scrape failed", err)
			}
			printReport(report)
		}
		t2 := time.Now()

		slog.Info("scraping time", "seconds", t2.Sub(t1).Seconds())
	},
}

func printReport(report ingest.RunReport) {
	t := newTable()
	t.AppendHeader(table.Row{"Run", "Site", "Pages", "Extracted", "Accepted", "Rejected", "Duplicates"})
	t.AppendRow(table.Row{
		report.RunId,
		report.Site,
		report.Pages,
		report.Extracted,
		report.Accepted,
		report.Rejected,
		report.Duplicates,
	})
	t.Render()
}
