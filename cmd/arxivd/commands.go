package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/caopulan/arXivDaily/internal/config"
	"github.com/caopulan/arXivDaily/internal/ingest"
	"github.com/caopulan/arXivDaily/internal/papers"
)

// --- import ---

var importCmd = &cobra.Command{
	Use:   "import <date> <file.json>",
	Short: "Import a day of papers into the running server",
	Long: `Import a day of papers into the running server.

The file holds a JSON array of paper records. Re-importing a date merges
field by field; existing non-empty values are never overwritten by empty
ones.

Example:
  arxivd import 2024-01-01 ./2024-01-01.json`,
	Args: cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		dateStr, file := args[0], args[1]
		if _, err := time.Parse(time.DateOnly, dateStr); err != nil {
			return fmt.Errorf("invalid date %q: want YYYY-MM-DD", dateStr)
		}

		data, err := os.ReadFile(file)
		if err != nil {
			return fmt.Errorf("reading file: %w", err)
		}
		// Validate locally before shipping to the server.
		if _, err := papers.DecodePartition(data); err != nil {
			return fmt.Errorf("invalid paper list: %w", err)
		}

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.post(cmd.Context(), "/papers/"+dateStr, json.RawMessage(data))
		if err != nil {
			return err
		}

		var result struct {
			Received int `json:"received"`
			Added    int `json:"added"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		printSuccess("Imported %s: %d received, %d new", dateStr, result.Received, result.Added)
		return nil
	},
}

// --- dates ---

var datesCmd = &cobra.Command{
	Use:   "dates",
	Short: "List stored paper dates",
	RunE: func(cmd *cobra.Command, args []string) error {
		client, err := newAPIClient()
		if err != nil {
			return err
		}

		resp, err := client.get(cmd.Context(), "/dates")
		if err != nil {
			return err
		}

		var result struct {
			Dates []string `json:"dates"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		if len(result.Dates) == 0 {
			fmt.Println("No papers stored.")
			return nil
		}
		for _, d := range result.Dates {
			fmt.Println(d)
		}
		return nil
	},
}

// --- feed ---

var feedCmd = &cobra.Command{
	Use:   "feed",
	Short: "Show the grouped daily feed",
	RunE: func(cmd *cobra.Command, args []string) error {
		date, _ := cmd.Flags().GetString("date")

		client, err := newAPIClient()
		if err != nil {
			return err
		}

		path := "/feed"
		if date != "" {
			path += "?date=" + url.QueryEscape(date)
		}
		resp, err := client.get(cmd.Context(), path)
		if err != nil {
			return err
		}

		var result struct {
			Date   string `json:"date"`
			Groups []struct {
				Title  string `json:"title"`
				Papers []struct {
					ID         string   `json:"id"`
					TitleEN    string   `json:"title_en"`
					TitleZH    string   `json:"title_zh"`
					Similarity *float64 `json:"similarity"`
					Saved      bool     `json:"saved"`
				} `json:"papers"`
			} `json:"groups"`
		}
		if err := decodeJSON(resp, &result); err != nil {
			return err
		}

		fmt.Printf("%s\n", colorize(colorBold, result.Date))
		for _, g := range result.Groups {
			if len(g.Papers) == 0 {
				continue
			}
			fmt.Printf("\n%s\n", colorize(colorCyan, g.Title))
			for _, p := range g.Papers {
				title := p.TitleEN
				if title == "" {
					title = p.TitleZH
				}
				line := fmt.Sprintf("  %s  %s", p.ID, title)
				if p.Similarity != nil {
					line += fmt.Sprintf("  [%.3f]", *p.Similarity)
				}
				if p.Saved {
					line += "  " + colorize(colorGreen, "saved")
				}
				fmt.Println(line)
			}
		}
		return nil
	},
}

func init() {
	feedCmd.Flags().String("date", "", "feed date as YYYY-MM-DD (default: last viewed)")
}

// --- backfill ---

var backfillCmd = &cobra.Command{
	Use:   "backfill",
	Short: "Backfill missing abstracts from downloaded PDFs",
	Long: `Backfill missing abstracts from downloaded PDFs.

Runs one pass over the local data directory without going through the
server; useful before the first serve or after bulk-downloading PDFs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		dateStr, _ := cmd.Flags().GetString("date")

		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		paperStore, err := papers.NewStore(filepath.Join(cfg.Storage.DataDir, "papers"))
		if err != nil {
			return fmt.Errorf("opening paper store: %w", err)
		}
		worker := ingest.NewWorker(paperStore, ingest.PDFExtractor{}, cfg.Storage.DataDir, 0)

		if dateStr != "" {
			date, err := time.Parse(time.DateOnly, dateStr)
			if err != nil {
				return fmt.Errorf("invalid date %q: want YYYY-MM-DD", dateStr)
			}
			printStep("Backfilling %s...", dateStr)
			n, err := worker.BackfillDate(date)
			if err != nil {
				return err
			}
			printSuccess("Backfilled %d abstracts", n)
			return nil
		}

		printStep("Backfilling all dates...")
		n, err := worker.RunOnce(cmd.Context())
		if err != nil {
			return err
		}
		printSuccess("Backfilled %d abstracts", n)
		return nil
	},
}

func init() {
	backfillCmd.Flags().String("date", "", "limit to one date (YYYY-MM-DD)")
}

// --- config ---

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Show current configuration",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return err
		}

		for _, k := range config.ShowAll(cfg) {
			fmt.Printf("  %s = %s\n", colorize(colorBold, k.Key), k.Value)
		}
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
}
