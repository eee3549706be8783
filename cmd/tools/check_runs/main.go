package main

import (
	"context"
	"flag"
	"log"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/db"
)

func main() {
	limit := flag.Int("n", 10, "number of runs to show")
	verbose := flag.Bool("v", false, "list per-source errors")
	flag.Parse()

	cfg, err := config.Load("")
	if err != nil {
		log.Fatal(err)
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatal(err)
	}
	defer pool.Close()

	runs, err := db.NewStore(pool).RecentFetchRuns(ctx, *limit)
	if err != nil {
		log.Fatal(err)
	}

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Run", "Status", "Sources", "OK", "Failed", "Found", "Saved", "Duration", "Started At"})

	for _, r := range runs {
		duration := "Running..."
		if r.CompletedAt != nil {
			duration = r.CompletedAt.Sub(r.StartedAt).Round(time.Second).String()
		}
		t.AppendRow(table.Row{
			r.ID.String()[:8], r.Status, strings.Join(r.Sources, ","), r.Succeeded, r.Failed,
			r.ListingsFound, r.ListingsSaved, duration, r.StartedAt.Format("2006-01-02 15:04:05"),
		})
		if *verbose {
			for _, e := range r.Errors {
				t.AppendRow(table.Row{"", "  " + e.Kind, e.Source, "", "", "", "", "", e.Message})
			}
		}
	}
	t.Render()
}
