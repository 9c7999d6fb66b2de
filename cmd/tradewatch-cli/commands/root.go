package commands

import (
	"context"
	"database/sql"
	"fmt"
	"os"

	"tradewatch-backend/lib/configutil"
	"tradewatch-backend/lib/serviceutil"
	"tradewatch-backend/lib/sqliteutil"
	"tradewatch-backend/services/ingest"
	ingestdb "tradewatch-backend/services/ingest/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "tradewatch-cli",
	Short: "tradewatch-cli drives scrapes and inspects the tradewatch database.",
}

func ExecuteContext(ctx context.Context) {
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type Config struct {
	Database  sqliteutil.Config `json:"database"`
	SitesFile string            `json:"sites_file"`
	StateDir  string            `json:"state_dir"`
}

func readConfig() Config {
	cfg, err := configutil.ReadConfig[Config]("config.json5")
	if err != nil {
		serviceutil.Fatal("failed to read config", err)
	}
	return cfg
}

func openDatabase(cfg Config) *sql.DB {
	database, err := cfg.Database.OpenDB()
	if err != nil {
		serviceutil.Fatal("failed to open db", err)
	}
	err = sqliteutil.ApplySchema(database, ingestdb.Schema)
	if err != nil {
		serviceutil.Fatal("failed to apply schema", err)
	}
	return database
}

func readSites(cfg Config) []ingest.SiteConfig {
	file := cfg.SitesFile
	if file == "" {
		file = "sites.yaml"
	}
	sites, err := configutil.ReadConfig[ingest.SitesFile](file)
	if err != nil {
		serviceutil.Fatal("failed to read site profiles", err)
	}
	return sites.Sites
}

func newTable() table.Writer {
	t := table.NewWriter()
	t.SetStyle(table.StyleRounded)
	t.SetOutputMirror(os.Stdout)
	return t
}
