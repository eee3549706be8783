package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"

	"github.com/david/grant-matcher/internal/config"
	"github.com/david/grant-matcher/internal/db"
)

func main() {
	cfg, err := config.Load("")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	ctx := context.Background()
	pool, err := db.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Unable to connect to database: %v", err)
	}
	defer pool.Close()

	counts, err := db.NewStore(pool).Counts(ctx)
	if err != nil {
		log.Fatalf("Query failed: %v", err)
	}

	fmt.Printf("Profiles: %d\n", counts.Profiles)
	fmt.Printf("Listings: %d\n", counts.Listings)
	fmt.Printf("With open deadline: %d\n", counts.WithDeadline)
	fmt.Printf("With embedding: %d\n", counts.Embedded)

	sources := make([]string, 0, len(counts.BySource))
	for s := range counts.BySource {
		sources = append(sources, s)
	}
	sort.Strings(sources)

	t := table.NewWriter()
	t.SetOutputMirror(os.Stdout)
	t.AppendHeader(table.Row{"Source", "Listings"})
	for _, s := range sources {
		t.AppendRow(table.Row{s, counts.BySource[s]})
	}
	t.Render()
}
