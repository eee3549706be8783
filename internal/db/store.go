package db

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/david/grant-matcher/internal/models"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pgvector/pgvector-go"
)

// ErrNotFound is returned when a row addressed by id does not exist.
var ErrNotFound = errors.New("not found")

type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// ---------- Profiles ----------

const profileCols = `id, owner_id, name, mission, description, focus_areas,
	funding_min, funding_max, region, country, contact, embedding, created_at, updated_at`

func scanProfile(scan func(dest ...interface{}) error) (models.Profile, error) {
	var p models.Profile
	var contact []byte
	var emb *pgvector.Vector
	err := scan(&p.ID, &p.OwnerID, &p.Name, &p.Mission, &p.Description, &p.FocusAreas,
		&p.FundingMin, &p.FundingMax, &p.Region, &p.Country, &contact, &emb, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return p, err
	}
	if len(contact) > 0 {
		if err := json.Unmarshal(contact, &p.Contact); err != nil {
			return p, fmt.Errorf("decode contact: %w", err)
		}
	}
	if emb != nil {
		p.Embedding = emb.Slice()
	}
	return p, nil
}

func vectorOrNil(v []float32) interface{} {
	if len(v) == 0 {
		return nil
	}
	return pgvector.NewVector(v)
}

func (s *Store) CreateProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	contact, err := json.Marshal(p.Contact)
	if err != nil {
		return p, err
	}
	if p.FocusAreas == nil {
		p.FocusAreas = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO profiles (owner_id, name, mission, description, focus_areas,
			funding_min, funding_max, region, country, contact, embedding)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+profileCols,
		p.OwnerID, p.Name, p.Mission, p.Description, p.FocusAreas,
		p.FundingMin, p.FundingMax, p.Region, p.Country, contact, vectorOrNil(p.Embedding))
	return scanProfile(row.Scan)
}

func (s *Store) GetProfile(ctx context.Context, id uuid.UUID) (models.Profile, error) {
	row := s.pool.QueryRow(ctx, "SELECT "+profileCols+" FROM profiles WHERE id = $1", id)
	p, err := scanProfile(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return p, ErrNotFound
	}
	return p, err
}

// ListProfiles returns the profiles owned by ownerID, newest first. A nil
// owner lists every profile.
func (s *Store) ListProfiles(ctx context.Context, ownerID *uuid.UUID) ([]models.Profile, error) {
	query := "SELECT " + profileCols + " FROM profiles"
	var args []interface{}
	if ownerID != nil {
		query += " WHERE owner_id = $1"
		args = append(args, *ownerID)
	}
	query += " ORDER BY created_at DESC"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var profiles []models.Profile
	for rows.Next() {
		p, err := scanProfile(rows.Scan)
		if err != nil {
			return nil, err
		}
		profiles = append(profiles, p)
	}
	return profiles, rows.Err()
}

// UpdateProfile overwrites every editable field. The stored embedding is
// cleared when the text changed and no new embedding is supplied.
func (s *Store) UpdateProfile(ctx context.Context, p models.Profile) (models.Profile, error) {
	contact, err := json.Marshal(p.Contact)
	if err != nil {
		return p, err
	}
	if p.FocusAreas == nil {
		p.FocusAreas = []string{}
	}
	row := s.pool.QueryRow(ctx, `
		UPDATE profiles SET
			name = $2, mission = $3, description = $4, focus_areas = $5,
			funding_min = $6, funding_max = $7, region = $8, country = $9, contact = $10,
			embedding = CASE
				WHEN $11::vector IS NOT NULL THEN $11::vector
				WHEN mission = $3 AND description = $4 THEN embedding
				ELSE NULL
			END,
			updated_at = NOW()
		WHERE id = $1
		RETURNING `+profileCols,
		p.ID, p.Name, p.Mission, p.Description, p.FocusAreas,
		p.FundingMin, p.FundingMax, p.Region, p.Country, contact, vectorOrNil(p.Embedding))
	out, err := scanProfile(row.Scan)
	if errors.Is(err, pgx.ErrNoRows) {
		return out, ErrNotFound
	}
	return out, err
}

func (s *Store) DeleteProfile(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM profiles WHERE id = $1", id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) SetProfileEmbedding(ctx context.Context, id uuid.UUID, embedding []float32) error {
	tag, err := s.pool.Exec(ctx, "UPDATE profiles SET embedding = $2 WHERE id = $1", id, vectorOrNil(embedding))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ---------- Listings ----------

const listingCols = `id, external_id, source_name, url, title, description, description_html,
	amount_min, amount_max, currency, deadline, eligibility, categories,
	source_url, region, country, embedding, fetched_at`

func scanListing(scan func(dest ...interface{}) error) (models.Listing, error) {
	var l models.Listing
	var emb *pgvector.Vector
	err := scan(&l.ID, &l.ExternalID, &l.SourceName, &l.URL, &l.Title, &l.Description, &l.DescriptionHTML,
		&l.AmountMin, &l.AmountMax, &l.Currency, &l.Deadline, &l.Eligibility, &l.Categories,
		&l.SourceURL, &l.Region, &l.Country, &emb, &l.FetchedAt)
	if err != nil {
		return l, err
	}
	if emb != nil {
		l.Embedding = emb.Slice()
	}
	return l, nil
}

// UpsertListings inserts or refreshes listings by id in one batch and
// returns how many rows were written. An existing embedding is kept when
// the incoming listing carries none.
func (s *Store) UpsertListings(ctx context.Context, listings []models.Listing) (int, error) {
	if len(listings) == 0 {
		return 0, nil
	}
	batch := &pgx.Batch{}
	for _, l := range listings {
		fetchedAt := l.FetchedAt
		if fetchedAt.IsZero() {
			fetchedAt = time.Now().UTC()
		}
		batch.Queue(`
			INSERT INTO listings (`+listingCols+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
			ON CONFLICT (id) DO UPDATE SET
				url = EXCLUDED.url,
				title = EXCLUDED.title,
				description = EXCLUDED.description,
				description_html = EXCLUDED.description_html,
				amount_min = EXCLUDED.amount_min,
				amount_max = EXCLUDED.amount_max,
				currency = EXCLUDED.currency,
				deadline = EXCLUDED.deadline,
				eligibility = EXCLUDED.eligibility,
				categories = EXCLUDED.categories,
				source_url = EXCLUDED.source_url,
				region = EXCLUDED.region,
				country = EXCLUDED.country,
				embedding = COALESCE(EXCLUDED.embedding, listings.embedding),
				fetched_at = EXCLUDED.fetched_at`,
			l.ID, l.ExternalID, l.SourceName, l.URL, l.Title, l.Description, l.DescriptionHTML,
			l.AmountMin, l.AmountMax, l.Currency, l.Deadline, nonNil(l.Eligibility), nonNil(l.Categories),
			l.SourceURL, l.Region, l.Country, vectorOrNil(l.Embedding), fetchedAt)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()

	saved := 0
	for i := range listings {
		tag, err := br.Exec()
		if err != nil {
			return saved, fmt.Errorf("upsert listing %s: %w", listings[i].ID, err)
		}
		saved += int(tag.RowsAffected())
	}
	return saved, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}

type ListingFilter struct {
	Query         string
	Sources       []string
	Categories    []string
	Eligibility   []string
	Country       string
	MinAmount     float64
	DeadlineAfter *time.Time
	Limit         int
	Offset        int
}

const (
	defaultListingLimit = 50
	maxListingLimit     = 500
)

// buildListingQuery renders the WHERE clause and its positional args.
func buildListingQuery(f ListingFilter) (string, []interface{}) {
	where := "WHERE 1=1"
	var args []interface{}
	argIdx := 1

	if q := strings.TrimSpace(f.Query); q != "" {
		where += fmt.Sprintf(" AND (title ILIKE '%%' || $%d || '%%' OR description ILIKE '%%' || $%d || '%%')", argIdx, argIdx)
		args = append(args, q)
		argIdx++
	}
	if len(f.Sources) > 0 {
		where += fmt.Sprintf(" AND source_name = ANY($%d)", argIdx)
		args = append(args, f.Sources)
		argIdx++
	}
	if cats := sanitizeStringSlice(f.Categories); len(cats) > 0 {
		where += fmt.Sprintf(" AND categories && $%d", argIdx)
		args = append(args, cats)
		argIdx++
	}
	if elig := sanitizeStringSlice(f.Eligibility); len(elig) > 0 {
		where += fmt.Sprintf(" AND eligibility && $%d", argIdx)
		args = append(args, elig)
		argIdx++
	}
	if f.Country != "" {
		where += fmt.Sprintf(" AND country = $%d", argIdx)
		args = append(args, f.Country)
		argIdx++
	}
	if f.MinAmount > 0 {
		where += fmt.Sprintf(" AND amount_max >= $%d", argIdx)
		args = append(args, f.MinAmount)
		argIdx++
	}
	if f.DeadlineAfter != nil {
		// Listings without a deadline stay visible.
		where += fmt.Sprintf(" AND (deadline IS NULL OR deadline >= $%d)", argIdx)
		args = append(args, *f.DeadlineAfter)
	}
	return where, args
}

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListingLimit
	}
	if limit > maxListingLimit {
		return maxListingLimit
	}
	return limit
}

type ListingPage struct {
	Listings []models.Listing `json:"listings"`
	Total    int              `json:"total"`
	Limit    int              `json:"limit"`
	Offset   int              `json:"offset"`
}

func (s *Store) ListListings(ctx context.Context, f ListingFilter) (*ListingPage, error) {
	where, args := buildListingQuery(f)
	page := &ListingPage{Limit: clampLimit(f.Limit), Offset: f.Offset}
	if page.Offset < 0 {
		page.Offset = 0
	}

	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM listings "+where, args...).Scan(&page.Total); err != nil {
		return nil, fmt.Errorf("count listings: %w", err)
	}

	query := fmt.Sprintf("SELECT %s FROM listings %s ORDER BY deadline ASC NULLS LAST, id LIMIT %d OFFSET %d",
		listingCols, where, page.Limit, page.Offset)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	page.Listings = []models.Listing{}
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		page.Listings = append(page.Listings, l)
	}
	return page, rows.Err()
}

// AllListings returns every stored listing, optionally limited to sources.
func (s *Store) AllListings(ctx context.Context, sources []string) ([]models.Listing, error) {
	where, args := buildListingQuery(ListingFilter{Sources: sources})
	rows, err := s.pool.Query(ctx, "SELECT "+listingCols+" FROM listings "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

// ListingsWithoutEmbedding returns up to limit listings with no stored
// embedding, oldest fetch first.
func (s *Store) ListingsWithoutEmbedding(ctx context.Context, limit int) ([]models.Listing, error) {
	rows, err := s.pool.Query(ctx, "SELECT "+listingCols+" FROM listings WHERE embedding IS NULL ORDER BY fetched_at, id LIMIT $1", clampLimit(limit))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Listing
	for rows.Next() {
		l, err := scanListing(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, l)
	}
	return out, rows.Err()
}

func (s *Store) SetListingEmbedding(ctx context.Context, id string, embedding []float32) error {
	tag, err := s.pool.Exec(ctx, "UPDATE listings SET embedding = $2 WHERE id = $1", id, vectorOrNil(embedding))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) ListingSources(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, "SELECT DISTINCT source_name FROM listings ORDER BY source_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	sources := []string{}
	for rows.Next() {
		var src string
		if err := rows.Scan(&src); err != nil {
			return nil, err
		}
		sources = append(sources, src)
	}
	return sources, rows.Err()
}

func sanitizeStringSlice(in []string) []string {
	out := make([]string, 0, len(in))
	for _, v := range in {
		v = strings.TrimSpace(v)
		if v != "" {
			out = append(out, v)
		}
	}
	return out
}

// ---------- Fetch runs ----------

const (
	RunRunning   = "running"
	RunSucceeded = "succeeded"
	RunPartial   = "partial"
	RunFailed    = "failed"
	RunCanceled  = "canceled"
)

type RunError struct {
	Source  string `json:"source"`
	Kind    string `json:"kind"`
	URL     string `json:"url,omitempty"`
	Message string `json:"message"`
}

type FetchRun struct {
	ID            uuid.UUID  `json:"id"`
	Status        string     `json:"status"`
	Sources       []string   `json:"sources"`
	Succeeded     int        `json:"succeeded"`
	Failed        int        `json:"failed"`
	ListingsFound int        `json:"listings_found"`
	ListingsSaved int        `json:"listings_saved"`
	Errors        []RunError `json:"errors"`
	StartedAt     time.Time  `json:"started_at"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

func (s *Store) StartFetchRun(ctx context.Context, sources []string) (uuid.UUID, error) {
	var id uuid.UUID
	err := s.pool.QueryRow(ctx,
		"INSERT INTO fetch_runs (status, sources) VALUES ($1, $2) RETURNING id",
		RunRunning, nonNil(sources)).Scan(&id)
	return id, err
}

func (s *Store) FinishFetchRun(ctx context.Context, run FetchRun) error {
	if run.Errors == nil {
		run.Errors = []RunError{}
	}
	errs, err := json.Marshal(run.Errors)
	if err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx, `
		UPDATE fetch_runs SET
			status = $2, succeeded = $3, failed = $4,
			listings_found = $5, listings_saved = $6, errors = $7, completed_at = NOW()
		WHERE id = $1`,
		run.ID, run.Status, run.Succeeded, run.Failed, run.ListingsFound, run.ListingsSaved, errs)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *Store) RecentFetchRuns(ctx context.Context, limit int) ([]FetchRun, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, status, sources, succeeded, failed, listings_found, listings_saved, errors, started_at, completed_at
		FROM fetch_runs ORDER BY started_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []FetchRun
	for rows.Next() {
		var r FetchRun
		var errs []byte
		if err := rows.Scan(&r.ID, &r.Status, &r.Sources, &r.Succeeded, &r.Failed,
			&r.ListingsFound, &r.ListingsSaved, &errs, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		if len(errs) > 0 {
			if err := json.Unmarshal(errs, &r.Errors); err != nil {
				return nil, fmt.Errorf("decode run errors: %w", err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// ---------- Stats ----------

type Counts struct {
	Profiles     int            `json:"profiles"`
	Listings     int            `json:"listings"`
	WithDeadline int            `json:"with_deadline"`
	Embedded     int            `json:"embedded"`
	BySource     map[string]int `json:"by_source"`
}

func (s *Store) Counts(ctx context.Context) (*Counts, error) {
	c := &Counts{BySource: map[string]int{}}
	err := s.pool.QueryRow(ctx, `
		SELECT
			(SELECT COUNT(*) FROM profiles),
			(SELECT COUNT(*) FROM listings),
			(SELECT COUNT(*) FROM listings WHERE deadline IS NOT NULL AND deadline > NOW()),
			(SELECT COUNT(*) FROM listings WHERE embedding IS NOT NULL)`).
		Scan(&c.Profiles, &c.Listings, &c.WithDeadline, &c.Embedded)
	if err != nil {
		return nil, err
	}

	rows, err := s.pool.Query(ctx, "SELECT source_name, COUNT(*) FROM listings GROUP BY source_name")
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var src string
		var n int
		if err := rows.Scan(&src, &n); err != nil {
			return nil, err
		}
		c.BySource[src] = n
	}
	return c, rows.Err()
}
