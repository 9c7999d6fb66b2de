package commands

import (
	"encoding/json"
	"fmt"
	"time"

	"tradewatch-backend/lib/serviceutil"
	ingestdb "tradewatch-backend/services/ingest/db"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
)

var itemsJson *bool

func init() {
	itemsJson = itemsCmd.Flags().Bool("json", false, "Print items as JSON instead of a table.")
	rootCmd.AddCommand(itemsCmd)
}

var itemsCmd = &cobra.Command{
	Use:   "items [site]",
	Short: "Lists the items currently stored for a site, or for every site.",
	Args:  cobra.MaximumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
		cfg := readConfig()
		database := openDatabase(cfg)
		defer database.Close()

		site := ""
		if len(args) == 1 {
			site = args[0]
		}
		items, err := ingestdb.New(database).ListItems(cmd.Context(), site)
		if err != nil {
			serviceutil.Fatal("failed to list items", err)
		}

		if *itemsJson {
			out, err := json.MarshalIndent(items, "", "  ")
			if err != nil {
				serviceutil.Fatal("failed to serialize items", err)
			}
			fmt.Println(string(out))
			return
		}

		t := newTable()
		t.AppendHeader(table.Row{"Site", "Name", "Price", "Currency", "Hash", "Seen", "Last seen"})
		for _, item := range items {
			t.AppendRow(table.Row{
				item.Site,
				item.Name,
				fmt.Sprintf("%.2f", item.Price),
				item.Currency,
				item.ItemHash,
				item.TimesSeen,
				time.Unix(item.LastSeenAt, 0).Format(time.ANSIC),
			})
		}
		t.Render()
	},
}
