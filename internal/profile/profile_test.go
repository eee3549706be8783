package profile

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/david/grant-matcher/internal/models"
)

type countingLoader struct {
	mu    sync.Mutex
	calls int
	items map[uuid.UUID]models.Profile
}

func (l *countingLoader) GetProfile(_ context.Context, id uuid.UUID) (models.Profile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	p, ok := l.items[id]
	if !ok {
		return models.Profile{}, ErrNotFound
	}
	return p, nil
}

func TestCache_LoadsOnceAndEvicts(t *testing.T) {
	a := models.Profile{ID: uuid.New(), Name: "A"}
	b := models.Profile{ID: uuid.New(), Name: "B"}
	c := models.Profile{ID: uuid.New(), Name: "C"}
	loader := &countingLoader{items: map[uuid.UUID]models.Profile{a.ID: a, b.ID: b, c.ID: c}}
	cache := NewCache(2, loader)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := cache.Get(ctx, a.ID)
		if err != nil || got.Name != "A" {
			t.Fatalf("get a: %v, %v", got, err)
		}
	}
	if loader.calls != 1 {
		t.Fatalf("expected one load, got %d", loader.calls)
	}

	cache.Get(ctx, b.ID)
	cache.Get(ctx, c.ID) // evicts a
	if cache.Len() != 2 {
		t.Fatalf("expected 2 cached profiles, got %d", cache.Len())
	}
	cache.Get(ctx, a.ID)
	if loader.calls != 4 {
		t.Fatalf("expected a to be reloaded after eviction, got %d loads", loader.calls)
	}

	hits, misses := cache.Stats()
	if hits != 2 || misses != 4 {
		t.Fatalf("unexpected stats: hits=%d misses=%d", hits, misses)
	}
}

func TestCache_InvalidateAndErrors(t *testing.T) {
	p := models.Profile{ID: uuid.New(), Name: "A"}
	loader := &countingLoader{items: map[uuid.UUID]models.Profile{p.ID: p}}
	cache := NewCache(4, loader)
	ctx := context.Background()

	cache.Get(ctx, p.ID)
	cache.Invalidate(p.ID)
	cache.Get(ctx, p.ID)
	if loader.calls != 2 {
		t.Fatalf("expected reload after invalidate, got %d loads", loader.calls)
	}

	if _, err := cache.Get(ctx, uuid.New()); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if cache.Len() != 1 {
		t.Fatalf("failed loads must not be cached, len=%d", cache.Len())
	}
}

func TestCache_InvalidateDuringLoad(t *testing.T) {
	id := uuid.New()
	var (
		mu      sync.Mutex
		current = models.Profile{ID: id, Name: "v1"}
		calls   int
	)
	entered := make(chan struct{})
	release := make(chan struct{})
	cache := NewCache(4, LoaderFunc(func(context.Context, uuid.UUID) (models.Profile, error) {
		mu.Lock()
		calls++
		first := calls == 1
		p := current
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return p, nil
	}))
	ctx := context.Background()

	done := make(chan models.Profile)
	go func() {
		p, err := cache.Get(ctx, id)
		if err != nil {
			t.Errorf("get: %v", err)
		}
		done <- p
	}()

	<-entered
	mu.Lock()
	current = models.Profile{ID: id, Name: "v2"}
	mu.Unlock()
	cache.Invalidate(id)
	close(release)

	if p := <-done; p.Name != "v1" {
		t.Fatalf("in-flight load should return what it read, got %q", p.Name)
	}
	got, err := cache.Get(ctx, id)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Name != "v2" {
		t.Fatalf("store has v2, cache serves %q", got.Name)
	}
	if calls != 2 {
		t.Fatalf("expected a fresh load after invalidation, got %d loads", calls)
	}

	// Once the race is over, loads are cached again.
	cache.Get(ctx, id)
	if calls != 2 {
		t.Fatalf("expected v2 to be cached, got %d loads", calls)
	}
}

func TestCache_ConcurrentAccess(t *testing.T) {
	p := models.Profile{ID: uuid.New(), Name: "A"}
	cache := NewCache(8, LoaderFunc(func(context.Context, uuid.UUID) (models.Profile, error) {
		return p, nil
	}))
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cache.Get(context.Background(), p.ID); err != nil {
				t.Errorf("get: %v", err)
			}
		}()
	}
	wg.Wait()
}

func TestLoadFile(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "org.yaml")
	os.WriteFile(yamlPath, []byte(`
name: "  Test Org  "
mission: robotics for kids
focus_areas: [robotics, " ", education]
funding_max: 20000
`), 0o644)
	jsonPath := filepath.Join(dir, "org.json")
	os.WriteFile(jsonPath, []byte(`{"name":"Test Org","mission":"robotics for kids"}`), 0o644)

	fromYAML, err := LoadFile(yamlPath)
	if err != nil {
		t.Fatalf("load yaml: %v", err)
	}
	if fromYAML.Name != "Test Org" || len(fromYAML.FocusAreas) != 2 || fromYAML.FundingMax != 20000 {
		t.Fatalf("unexpected profile: %+v", fromYAML)
	}
	fromJSON, err := LoadFile(jsonPath)
	if err != nil {
		t.Fatalf("load json: %v", err)
	}
	if fromJSON.ID != fromYAML.ID {
		t.Fatal("profiles with the same name should get the same derived id")
	}

	if _, err := LoadFile(filepath.Join(dir, "org.txt")); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		p       models.Profile
		wantErr bool
	}{
		{"ok", models.Profile{Name: "A", FundingMin: 10, FundingMax: 20}, false},
		{"unbounded max", models.Profile{Name: "A", FundingMin: 10}, false},
		{"missing name", models.Profile{Name: "  "}, true},
		{"negative", models.Profile{Name: "A", FundingMin: -1}, true},
		{"inverted", models.Profile{Name: "A", FundingMin: 30, FundingMax: 20}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(&tt.p)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestPresets(t *testing.T) {
	presets, err := Presets()
	if err != nil {
		t.Fatalf("presets: %v", err)
	}
	p, ok := presets["youth_stem"]
	if !ok {
		t.Fatalf("youth_stem preset missing, have %v", PresetNames())
	}
	if len(p.FocusAreas) == 0 || p.ID == uuid.Nil {
		t.Fatalf("unexpected preset: %+v", p)
	}
	resolved, err := Resolve("youth_stem")
	if err != nil || resolved.ID != p.ID {
		t.Fatalf("resolve preset: %v, %v", resolved.ID, err)
	}
}
