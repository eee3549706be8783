package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/ingest"
	"github.com/david/grant-matcher/internal/models"
	"github.com/david/grant-matcher/internal/rank"
	"github.com/david/grant-matcher/internal/scoring"
)

const testAdminSecret = "admin-secret"

type memUsers struct {
	mu    sync.Mutex
	users map[string]auth.User
}

func (m *memUsers) CreateUser(_ context.Context, email, hash string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[email]; ok {
		return auth.User{}, auth.ErrUserExists
	}
	u := auth.User{ID: uuid.New(), Email: email, PasswordHash: hash, CreatedAt: time.Now()}
	m.users[email] = u
	return u, nil
}

func (m *memUsers) UserByEmail(_ context.Context, email string) (auth.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[email]
	if !ok {
		return auth.User{}, auth.ErrInvalidCreds
	}
	return u, nil
}

type memProfiles struct {
	mu       sync.Mutex
	profiles map[uuid.UUID]models.Profile
	gets     int
}

func (m *memProfiles) CreateProfile(_ context.Context, p models.Profile) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p.ID = uuid.New()
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	m.profiles[p.ID] = p
	return p, nil
}

func (m *memProfiles) GetProfile(_ context.Context, id uuid.UUID) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gets++
	p, ok := m.profiles[id]
	if !ok {
		return models.Profile{}, db.ErrNotFound
	}
	return p, nil
}

func (m *memProfiles) ListProfiles(_ context.Context, owner *uuid.UUID) ([]models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []models.Profile
	for _, p := range m.profiles {
		if owner == nil || (p.OwnerID != nil && *p.OwnerID == *owner) {
			out = append(out, p)
		}
	}
	return out, nil
}

func (m *memProfiles) UpdateProfile(_ context.Context, p models.Profile) (models.Profile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[p.ID]; !ok {
		return models.Profile{}, db.ErrNotFound
	}
	p.UpdatedAt = time.Now()
	m.profiles[p.ID] = p
	return p, nil
}

func (m *memProfiles) DeleteProfile(_ context.Context, id uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.profiles[id]; !ok {
		return db.ErrNotFound
	}
	delete(m.profiles, id)
	return nil
}

type fakeListings struct {
	listings   []models.Listing
	lastFilter db.ListingFilter
}

func (f *fakeListings) ListListings(_ context.Context, filter db.ListingFilter) (*db.ListingPage, error) {
	f.lastFilter = filter
	return &db.ListingPage{Listings: f.listings, Total: len(f.listings), Limit: 50}, nil
}

func (f *fakeListings) AllListings(_ context.Context, sources []string) ([]models.Listing, error) {
	if len(sources) == 0 {
		return f.listings, nil
	}
	var out []models.Listing
	for _, l := range f.listings {
		for _, s := range sources {
			if l.SourceName == s {
				out = append(out, l)
			}
		}
	}
	return out, nil
}

// ListingSources reports the sources of the first two listings, like a
// store that has only kept rows from grants_gov.
func (f *fakeListings) ListingSources(context.Context) ([]string, error) {
	var out []string
	for _, l := range f.listings[:2] {
		out = append(out, l.SourceName)
	}
	return out, nil
}

// blockingRunner holds each run until release is closed or ctx ends.
type blockingRunner struct {
	release chan struct{}
	started chan []string
}

func (r *blockingRunner) Run(ctx context.Context, sources []ingest.Source) (*ingest.RunSummary, error) {
	ids := make([]string, len(sources))
	for i, s := range sources {
		ids[i] = s.ID
	}
	r.started <- ids
	select {
	case <-r.release:
		return &ingest.RunSummary{
			Status: db.RunSucceeded,
			Saved:  2,
			Report: ingest.Report{Sources: len(sources), Succeeded: len(sources), Listings: make([]models.Listing, 2)},
		}, nil
	case <-ctx.Done():
		return &ingest.RunSummary{Status: db.RunCanceled, Report: ingest.Report{Sources: len(sources)}}, nil
	}
}

type testEnv struct {
	server   *Server
	profiles *memProfiles
	listings *fakeListings
	runner   *blockingRunner
	reg      *prometheus.Registry
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	scorer, err := scoring.NewScorer(scoring.DefaultWeights())
	if err != nil {
		t.Fatalf("scorer: %v", err)
	}
	registry, err := ingest.ParseRegistry([]byte(`
sources:
  - id: grants_gov
    name: Grants.gov
    format: grants_gov
    url: https://api.grants.gov/v1/api/search2
  - id: arts_council
    name: Arts Council
    format: rss
    url: https://arts.example.org/feed
  - id: retired
    name: Retired
    format: rss
    url: https://old.example.org/feed
    disabled: true
`))
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	deadline := time.Now().Add(20 * 24 * time.Hour)
	fromSource := func(id string, raw ingest.RawListing) models.Listing {
		src, ok := registry.Get(id)
		if !ok {
			t.Fatalf("source %q missing from registry", id)
		}
		return ingest.FromRaw(src, raw, src.PrimaryURL, time.Now())
	}
	env := &testEnv{
		profiles: &memProfiles{profiles: map[uuid.UUID]models.Profile{}},
		listings: &fakeListings{listings: []models.Listing{
			fromSource("grants_gov", ingest.RawListing{ExternalID: "1", Title: "Youth robotics education grant", Description: "robotics education programs for youth", Deadline: &deadline}),
			fromSource("grants_gov", ingest.RawListing{ExternalID: "2", Title: "Coastal fisheries survey", Description: "marine fieldwork"}),
			fromSource("arts_council", ingest.RawListing{ExternalID: "1", Title: "Community theatre fund", Description: "theatre and music"}),
			fromSource("arts_council", ingest.RawListing{ExternalID: "2", Title: ""}),
		}},
		runner: &blockingRunner{release: make(chan struct{}), started: make(chan []string, 4)},
		reg:    prometheus.NewRegistry(),
	}
	env.server = NewServer(Deps{
		Profiles:    env.profiles,
		Listings:    env.listings,
		Auth:        auth.NewService(&memUsers{users: map[string]auth.User{}}, []byte("jwt-secret")),
		Ranker:      rank.New(scorer),
		Pipeline:    env.runner,
		Registry:    registry,
		AdminSecret: testAdminSecret,
		Gatherer:    env.reg,
		Registerer:  env.reg,
		Logger:      zaptest.NewLogger(t),
	})
	return env
}

func (e *testEnv) do(t *testing.T, method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	e.server.Echo.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) signup(t *testing.T, email string) map[string]string {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/auth/signup", `{"email":"`+email+`","password":"s3cret-pass"}`, nil)
	if rec.Code != http.StatusCreated {
		t.Fatalf("signup: %d %s", rec.Code, rec.Body.String())
	}
	var resp auth.AuthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode signup: %v", err)
	}
	return map[string]string{"Authorization": "Bearer " + resp.Token}
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	env := newTestEnv(t)
	if rec := env.do(t, http.MethodGet, "/health", "", nil); rec.Code != http.StatusOK || rec.Body.String() != "OK" {
		t.Fatalf("health: %d %q", rec.Code, rec.Body.String())
	}
	rec := env.do(t, http.MethodGet, "/metrics", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("metrics: %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `grantmatch_api_requests_total{code="200",method="GET",route="/health"} 1`) {
		t.Fatalf("request counter missing from metrics:\n%s", rec.Body.String())
	}
}

func TestAuthErrors(t *testing.T) {
	env := newTestEnv(t)
	env.signup(t, "ana@example.org")

	if rec := env.do(t, http.MethodPost, "/api/v1/auth/signup", `{"email":"ana@example.org","password":"s3cret-pass"}`, nil); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate signup: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/auth/signup", `{"email":"bob@example.org","password":"short"}`, nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("weak password: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/auth/login", `{"email":"ana@example.org","password":"wrong-pass"}`, nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad login: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/auth/login", `{"email":"ana@example.org","password":"s3cret-pass"}`, nil); rec.Code != http.StatusOK {
		t.Fatalf("login: %d", rec.Code)
	}
	rec := env.do(t, http.MethodGet, "/api/v1/profiles", "", nil)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("profiles without token: %d", rec.Code)
	}
	var body map[string]string
	decode(t, rec, &body)
	if body["error"] == "" {
		t.Fatalf("expected JSON error body, got %q", rec.Body.String())
	}
}

func TestProfileLifecycle(t *testing.T) {
	env := newTestEnv(t)
	ana := env.signup(t, "ana@example.org")
	bob := env.signup(t, "bob@example.org")

	if rec := env.do(t, http.MethodPost, "/api/v1/profiles", `{"name":"  "}`, ana); rec.Code != http.StatusBadRequest {
		t.Fatalf("blank name: %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/profiles",
		`{"name":"Bright Futures","mission":"robotics education for youth","focus_areas":["robotics"," "]}`, ana)
	if rec.Code != http.StatusCreated {
		t.Fatalf("create: %d %s", rec.Code, rec.Body.String())
	}
	var created models.Profile
	decode(t, rec, &created)
	if len(created.FocusAreas) != 1 || created.OwnerID == nil {
		t.Fatalf("unexpected created profile: %+v", created)
	}
	path := "/api/v1/profiles/" + created.ID.String()

	if rec := env.do(t, http.MethodGet, path, "", ana); rec.Code != http.StatusOK {
		t.Fatalf("get: %d", rec.Code)
	}
	if env.profiles.gets != 0 {
		t.Fatalf("created profile should be served from cache, store hit %d times", env.profiles.gets)
	}
	if rec := env.do(t, http.MethodGet, path, "", bob); rec.Code != http.StatusNotFound {
		t.Fatalf("other user's profile should be hidden: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/profiles/not-a-uuid", "", ana); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad id: %d", rec.Code)
	}

	var list []models.Profile
	decode(t, env.do(t, http.MethodGet, "/api/v1/profiles", "", bob), &list)
	if len(list) != 0 {
		t.Fatalf("bob should see no profiles, got %d", len(list))
	}

	rec = env.do(t, http.MethodPut, path, `{"name":"Bright Futures Lab","mission":"marine fieldwork"}`, ana)
	if rec.Code != http.StatusOK {
		t.Fatalf("update: %d %s", rec.Code, rec.Body.String())
	}
	var got models.Profile
	decode(t, env.do(t, http.MethodGet, path, "", ana), &got)
	if got.Name != "Bright Futures Lab" || got.Mission != "marine fieldwork" {
		t.Fatalf("update not visible after cache invalidation: %+v", got)
	}

	if rec := env.do(t, http.MethodDelete, path, "", ana); rec.Code != http.StatusNoContent {
		t.Fatalf("delete: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodGet, path, "", ana); rec.Code != http.StatusNotFound {
		t.Fatalf("deleted profile still visible: %d", rec.Code)
	}
}

func TestRankProfile(t *testing.T) {
	env := newTestEnv(t)
	ana := env.signup(t, "ana@example.org")
	var p models.Profile
	decode(t, env.do(t, http.MethodPost, "/api/v1/profiles",
		`{"name":"Bright Futures","mission":"robotics education for youth","focus_areas":["robotics","education"]}`, ana), &p)
	path := "/api/v1/profiles/" + p.ID.String() + "/rank"

	rec := env.do(t, http.MethodGet, path, "", ana)
	if rec.Code != http.StatusOK {
		t.Fatalf("rank: %d %s", rec.Code, rec.Body.String())
	}
	var resp rankResponse
	decode(t, rec, &resp)
	if resp.Considered != 3 || len(resp.Excluded) != 1 {
		t.Fatalf("expected 3 considered and 1 excluded, got %+v", resp)
	}
	if len(resp.Matches) == 0 || resp.Matches[0].Listing.ID != "grants_gov:1" {
		t.Fatalf("robotics grant should rank first: %+v", resp.Matches)
	}

	decode(t, env.do(t, http.MethodGet, path+"?limit=1&source=arts_council", "", ana), &resp)
	if len(resp.Matches) != 1 || resp.Matches[0].Listing.SourceName != "arts_council" {
		t.Fatalf("source filter/limit not applied: %+v", resp.Matches)
	}

	decode(t, env.do(t, http.MethodGet, path+"?min_score=0.99", "", ana), &resp)
	if len(resp.Matches) != 0 || resp.BelowMin != resp.Considered {
		t.Fatalf("min_score should filter everything: %+v", resp)
	}

	if rec := env.do(t, http.MethodGet, path+"?min_score=2", "", ana); rec.Code != http.StatusBadRequest {
		t.Fatalf("invalid min_score: %d", rec.Code)
	}
}

func TestListListingsAndSources(t *testing.T) {
	env := newTestEnv(t)
	rec := env.do(t, http.MethodGet, "/api/v1/listings?q=robotics&source=grants_gov,%20arts_council&category=Education&min_amount=500&deadline_after=2026-01-01&limit=10", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("listings: %d %s", rec.Code, rec.Body.String())
	}
	f := env.listings.lastFilter
	if f.Query != "robotics" || len(f.Sources) != 2 || f.Sources[1] != "arts_council" || f.Limit != 10 || f.MinAmount != 500 {
		t.Fatalf("filter not parsed: %+v", f)
	}
	if f.DeadlineAfter == nil || f.DeadlineAfter.Year() != 2026 || len(f.Categories) != 1 {
		t.Fatalf("filter not parsed: %+v", f)
	}
	if rec := env.do(t, http.MethodGet, "/api/v1/listings?deadline_after=soon", "", nil); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad deadline_after: %d", rec.Code)
	}

	var sources []struct {
		ID       string `json:"id"`
		Stored   bool   `json:"stored"`
		Disabled bool   `json:"disabled"`
	}
	decode(t, env.do(t, http.MethodGet, "/api/v1/sources", "", nil), &sources)
	if len(sources) != 3 || !sources[0].Stored || sources[1].Stored || !sources[2].Disabled {
		t.Fatalf("unexpected sources: %+v", sources)
	}
}

func waitForJob(t *testing.T, s *Server, id uuid.UUID, status string) backgroundJob {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if job, ok := s.jobs.get(id); ok && job.Status == status {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	job, _ := s.jobs.get(id)
	t.Fatalf("job %s did not reach %s, last status %q", id, status, job.Status)
	return job
}

type startResponse struct {
	JobID   uuid.UUID `json:"job_id"`
	Sources []string  `json:"sources"`
}

func TestFetchJobs(t *testing.T) {
	env := newTestEnv(t)
	admin := map[string]string{"X-Admin-Secret": testAdminSecret}

	if rec := env.do(t, http.MethodPost, "/api/v1/fetch", "", nil); rec.Code != http.StatusUnauthorized {
		t.Fatalf("fetch without secret: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/fetch", "", map[string]string{"X-Admin-Secret": "nope"}); rec.Code != http.StatusUnauthorized {
		t.Fatalf("fetch with wrong secret: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/fetch", `{"sources":["nope"]}`, admin); rec.Code != http.StatusBadRequest {
		t.Fatalf("unknown source: %d", rec.Code)
	}
	if rec := env.do(t, http.MethodPost, "/api/v1/fetch", `{"sources":["retired"]}`, admin); rec.Code != http.StatusBadRequest {
		t.Fatalf("disabled-only selection: %d", rec.Code)
	}

	rec := env.do(t, http.MethodPost, "/api/v1/fetch", "", admin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("start: %d %s", rec.Code, rec.Body.String())
	}
	var first startResponse
	decode(t, rec, &first)
	if got := <-env.runner.started; len(got) != 2 {
		t.Fatalf("expected both enabled sources, got %v", got)
	}

	if rec := env.do(t, http.MethodPost, "/api/v1/fetch", "", admin); rec.Code != http.StatusConflict {
		t.Fatalf("second start while running: %d", rec.Code)
	}

	rec = env.do(t, http.MethodGet, "/api/v1/jobs/"+first.JobID.String(), "", map[string]string{"Authorization": "Bearer " + testAdminSecret})
	if rec.Code != http.StatusOK {
		t.Fatalf("job status: %d", rec.Code)
	}
	var job backgroundJob
	decode(t, rec, &job)
	if job.Status != JobRunning {
		t.Fatalf("expected running job, got %q", job.Status)
	}

	if rec := env.do(t, http.MethodDelete, "/api/v1/jobs/"+first.JobID.String(), "", admin); rec.Code != http.StatusAccepted {
		t.Fatalf("cancel: %d", rec.Code)
	}
	waitForJob(t, env.server, first.JobID, JobCanceled)
	if rec := env.do(t, http.MethodDelete, "/api/v1/jobs/"+first.JobID.String(), "", admin); rec.Code != http.StatusConflict {
		t.Fatalf("cancel finished job: %d", rec.Code)
	}

	rec = env.do(t, http.MethodPost, "/api/v1/fetch", `{"sources":["grants_gov"]}`, admin)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("restart: %d %s", rec.Code, rec.Body.String())
	}
	var second startResponse
	decode(t, rec, &second)
	<-env.runner.started
	close(env.runner.release)
	done := waitForJob(t, env.server, second.JobID, JobCompleted)
	if done.Result == nil || done.Result.Saved != 2 || done.Result.Succeeded != 1 {
		t.Fatalf("unexpected job result: %+v", done.Result)
	}

	if rec := env.do(t, http.MethodGet, "/api/v1/jobs/"+uuid.NewString(), "", admin); rec.Code != http.StatusNotFound {
		t.Fatalf("unknown job: %d", rec.Code)
	}
	var jobs []backgroundJob
	decode(t, env.do(t, http.MethodGet, "/api/v1/jobs", "", admin), &jobs)
	if len(jobs) != 2 || jobs[0].ID != second.JobID {
		t.Fatalf("expected newest job first, got %+v", jobs)
	}
}

func TestAdminDisabledWithoutSecret(t *testing.T) {
	s := NewServer(Deps{Logger: zaptest.NewLogger(t), Gatherer: prometheus.NewRegistry()})
	req := httptest.NewRequest(http.MethodPost, "/api/v1/fetch", nil)
	req.Header.Set("X-Admin-Secret", "")
	rec := httptest.NewRecorder()
	s.Echo.ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 when no admin secret is configured, got %d", rec.Code)
	}
}
