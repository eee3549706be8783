package ai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
)

type fakeCompleter struct {
	response string
	err      error
}

func (f fakeCompleter) GenerateCompletion(context.Context, string, bool) (string, error) {
	return f.response, f.err
}

func TestClassifyGrant_FiltersUnknownTags(t *testing.T) {
	c := fakeCompleter{response: `{"categories":["education","Space Mining","Youth","EDUCATION"],"eligibility":["nonprofits","Aliens"]}`}

	res, err := ClassifyGrant(context.Background(), c, "STEM camp", "Summer robotics camp for teens")
	if err != nil {
		t.Fatalf("ClassifyGrant: %v", err)
	}
	if len(res.Categories) != 2 || res.Categories[0] != "Education" || res.Categories[1] != "Youth" {
		t.Fatalf("unexpected categories: %v", res.Categories)
	}
	if len(res.Eligibility) != 1 || res.Eligibility[0] != "Nonprofits" {
		t.Fatalf("unexpected eligibility: %v", res.Eligibility)
	}
}

func TestClassifyGrant_Errors(t *testing.T) {
	if _, err := ClassifyGrant(context.Background(), fakeCompleter{response: "not json"}, "t", "s"); err == nil {
		t.Fatal("expected error for invalid json")
	}
	boom := errors.New("boom")
	if _, err := ClassifyGrant(context.Background(), fakeCompleter{err: boom}, "t", "s"); !errors.Is(err, boom) {
		t.Fatalf("expected completer error, got %v", err)
	}
}

func TestOllamaClient_GenerateEmbedding(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/embeddings" {
			http.NotFound(w, r)
			return
		}
		var req embeddingRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Model != "test-embed" {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}
		_ = json.NewEncoder(w).Encode(embeddingResponse{Embedding: []float32{0.1, 0.2, 0.3}})
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "test-embed", "")
	vec, err := client.GenerateEmbedding(context.Background(), "robotics education")
	if err != nil {
		t.Fatalf("GenerateEmbedding: %v", err)
	}
	if len(vec) != 3 {
		t.Fatalf("expected 3 dims, got %d", len(vec))
	}
}

func TestOllamaClient_StatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewOllamaClient(srv.URL, "", "")
	if _, err := client.GenerateCompletion(context.Background(), "hi", false); err == nil {
		t.Fatal("expected error on 503")
	}
}
