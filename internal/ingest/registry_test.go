package ingest

import (
	"strings"
	"testing"
)

func TestLoadRegistry_Embedded(t *testing.T) {
	reg, err := LoadRegistry("")
	if err != nil {
		t.Fatalf("load embedded registry: %v", err)
	}
	if len(reg.Sources) == 0 {
		t.Fatal("expected sources")
	}

	gg, ok := reg.Get("grants_gov")
	if !ok {
		t.Fatal("grants_gov missing")
	}
	if gg.Method != "POST" || !strings.Contains(gg.Body, "oppStatuses") || gg.Currency != "USD" {
		t.Fatalf("grants_gov defaults not applied: %+v", gg)
	}
	if len(gg.URLs()) < 2 {
		t.Fatalf("expected a fallback url, got %v", gg.URLs())
	}

	for _, s := range reg.Active() {
		if s.Disabled {
			t.Fatalf("disabled source %q returned as active", s.ID)
		}
		if s.ID == "proinnovate" {
			t.Fatal("proinnovate is disabled")
		}
	}
}

func TestRegistry_ActiveFiltersByID(t *testing.T) {
	reg := &Registry{Sources: []Source{{ID: "a"}, {ID: "b"}, {ID: "c", Disabled: true}}}
	got := reg.Active("b", "c")
	if len(got) != 1 || got[0].ID != "b" {
		t.Fatalf("unexpected active sources: %+v", got)
	}
	if all := reg.Active(); len(all) != 2 {
		t.Fatalf("expected 2 enabled sources, got %d", len(all))
	}
}

func TestParseRegistry_ExpandsEnv(t *testing.T) {
	t.Setenv("TEST_FEED_HOST", "feeds.example.org")
	reg, err := ParseRegistry([]byte(`
sources:
  - id: feed
    format: rss
    url: https://${TEST_FEED_HOST}/rss
`))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if reg.Sources[0].PrimaryURL != "https://feeds.example.org/rss" {
		t.Fatalf("env not expanded: %q", reg.Sources[0].PrimaryURL)
	}
	if reg.Sources[0].Name != "feed" {
		t.Fatalf("name should default to id, got %q", reg.Sources[0].Name)
	}
}

func TestParseRegistry_Validation(t *testing.T) {
	tests := []struct {
		name    string
		doc     string
		wantErr string
	}{
		{
			name:    "missing id",
			doc:     "sources:\n  - format: rss\n    url: https://a.org\n",
			wantErr: "id is required",
		},
		{
			name:    "duplicate id",
			doc:     "sources:\n  - id: a\n    format: rss\n    url: https://a.org\n  - id: a\n    format: rss\n    url: https://b.org\n",
			wantErr: "duplicate id",
		},
		{
			name:    "unknown format",
			doc:     "sources:\n  - id: a\n    format: csv\n    url: https://a.org\n",
			wantErr: "parser not found",
		},
		{
			name:    "no url",
			doc:     "sources:\n  - id: a\n    format: rss\n",
			wantErr: "url is required",
		},
		{
			name:    "html without container",
			doc:     "sources:\n  - id: a\n    format: html\n    url: https://a.org\n",
			wantErr: "selectors.container",
		},
		{
			name:    "bad yaml",
			doc:     "sources: [",
			wantErr: "decode sources",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseRegistry([]byte(tt.doc))
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("expected error containing %q, got %v", tt.wantErr, err)
			}
		})
	}
}
