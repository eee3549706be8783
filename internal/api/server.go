package api

import (
	"context"
	"crypto/subtle"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/ai"
	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/ingest"
	"github.com/david/grant-matcher/internal/models"
	"github.com/david/grant-matcher/internal/profile"
	"github.com/david/grant-matcher/internal/rank"
)

// ProfileStore is the profile persistence the API needs. *db.Store implements it.
type ProfileStore interface {
	CreateProfile(ctx context.Context, p models.Profile) (models.Profile, error)
	GetProfile(ctx context.Context, id uuid.UUID) (models.Profile, error)
	ListProfiles(ctx context.Context, ownerID *uuid.UUID) ([]models.Profile, error)
	UpdateProfile(ctx context.Context, p models.Profile) (models.Profile, error)
	DeleteProfile(ctx context.Context, id uuid.UUID) error
}

// ListingReader is the listing persistence the API needs. *db.Store implements it.
type ListingReader interface {
	ListListings(ctx context.Context, f db.ListingFilter) (*db.ListingPage, error)
	AllListings(ctx context.Context, sources []string) ([]models.Listing, error)
	ListingSources(ctx context.Context) ([]string, error)
}

// FetchRunner runs one fetch over sources. *ingest.Pipeline implements it.
type FetchRunner interface {
	Run(ctx context.Context, sources []ingest.Source) (*ingest.RunSummary, error)
}

// Deps are the collaborators of a Server. Embedder and Gatherer are optional.
type Deps struct {
	Profiles    ProfileStore
	Listings    ListingReader
	Auth        *auth.Service
	Ranker      *rank.Ranker
	Pipeline    FetchRunner
	Registry    *ingest.Registry
	Embedder    ai.Embedder
	CacheSize   int
	AdminSecret string
	Gatherer    prometheus.Gatherer
	Registerer  prometheus.Registerer
	Logger      *zap.Logger
	JobTimeout  time.Duration
}

type Server struct {
	Echo *echo.Echo

	profiles    ProfileStore
	listings    ListingReader
	auth        *auth.Service
	cache       *profile.Cache
	ranker      *rank.Ranker
	pipeline    FetchRunner
	registry    *ingest.Registry
	embedder    ai.Embedder
	adminSecret string
	logger      *zap.Logger
	jobs        *jobRegistry
	jobTimeout  time.Duration
	requests    *prometheus.CounterVec
}

func NewServer(d Deps) *Server {
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Gatherer == nil {
		d.Gatherer = prometheus.DefaultGatherer
	}
	if d.JobTimeout <= 0 {
		d.JobTimeout = 30 * time.Minute
	}

	e := echo.New()
	e.HideBanner = true
	e.HTTPErrorHandler = jsonErrorHandler
	e.Use(middleware.Recover())
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:  true,
		LogURI:     true,
		LogStatus:  true,
		LogLatency: true,
		LogError:   true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			fields := []zap.Field{
				zap.String("method", v.Method),
				zap.String("uri", v.URI),
				zap.Int("status", v.Status),
				zap.Duration("latency", v.Latency),
			}
			if v.Error != nil {
				fields = append(fields, zap.Error(v.Error))
			}
			d.Logger.Info("request", fields...)
			return nil
		},
	}))

	// CORS: allow frontend origins from env or default to localhost
	allowedOrigins := []string{"http://localhost:4200"}
	if extra := os.Getenv("CORS_ORIGINS"); extra != "" {
		allowedOrigins = append(allowedOrigins, splitCSV(extra)...)
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: allowedOrigins,
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete},
		AllowHeaders: []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization, "X-Admin-Secret"},
	}))

	s := &Server{
		Echo:        e,
		profiles:    d.Profiles,
		listings:    d.Listings,
		auth:        d.Auth,
		ranker:      d.Ranker,
		pipeline:    d.Pipeline,
		registry:    d.Registry,
		embedder:    d.Embedder,
		adminSecret: strings.TrimSpace(d.AdminSecret),
		logger:      d.Logger,
		jobs:        newJobRegistry(),
		jobTimeout:  d.JobTimeout,
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "grantmatch",
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "HTTP requests by route and status code.",
		}, []string{"method", "route", "code"}),
	}
	if d.Registerer != nil {
		d.Registerer.MustRegister(s.requests)
	}
	if d.Profiles != nil {
		s.cache = profile.NewCache(d.CacheSize, d.Profiles)
	}
	e.Use(s.countRequests)

	e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(d.Gatherer, promhttp.HandlerOpts{})))
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Echo.GET("/health", s.handleHealth)
	api := s.Echo.Group("/api/v1")
	api.GET("/listings", s.handleListListings)
	api.GET("/sources", s.handleGetSources)

	api.POST("/auth/signup", s.handleSignup)
	api.POST("/auth/login", s.handleLogin)

	profiles := api.Group("/profiles")
	if s.auth != nil {
		profiles.Use(s.auth.Middleware)
	}
	profiles.POST("", s.handleCreateProfile)
	profiles.GET("", s.handleListProfiles)
	profiles.GET("/:id", s.handleGetProfile)
	profiles.PUT("/:id", s.handleUpdateProfile)
	profiles.DELETE("/:id", s.handleDeleteProfile)
	profiles.GET("/:id/rank", s.handleRankProfile)

	admin := api.Group("")
	admin.Use(s.adminMiddleware)
	admin.POST("/fetch", s.handleStartFetch)
	admin.GET("/jobs", s.handleListJobs)
	admin.GET("/jobs/:id", s.handleJobStatus)
	admin.DELETE("/jobs/:id", s.handleCancelJob)
}

func (s *Server) Start(port string) error {
	return s.Echo.Start(":" + port)
}

// Shutdown cancels running jobs and stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.jobs.cancelAll()
	return s.Echo.Shutdown(ctx)
}

func (s *Server) countRequests(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		err := next(c)
		code := c.Response().Status
		if err != nil {
			code = http.StatusInternalServerError
			var he *echo.HTTPError
			if errors.As(err, &he) {
				code = he.Code
			}
		}
		route := c.Path()
		if route == "" {
			route = "unmatched"
		}
		s.requests.WithLabelValues(c.Request().Method, route, strconv.Itoa(code)).Inc()
		return err
	}
}

// jsonErrorHandler renders errors as {"error": message}.
func jsonErrorHandler(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	code := http.StatusInternalServerError
	msg := http.StatusText(code)
	var he *echo.HTTPError
	if errors.As(err, &he) {
		code = he.Code
		msg = http.StatusText(code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(code)
		return
	}
	_ = c.JSON(code, map[string]string{"error": msg})
}

func (s *Server) adminMiddleware(next echo.HandlerFunc) echo.HandlerFunc {
	return func(c echo.Context) error {
		if s.adminSecret == "" {
			return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Admin endpoints are disabled"})
		}

		// Check X-Admin-Secret header or Bearer token
		provided := c.Request().Header.Get("X-Admin-Secret")
		if provided == "" {
			if authHeader := c.Request().Header.Get("Authorization"); len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
				provided = authHeader[7:]
			}
		}
		if subtle.ConstantTimeCompare([]byte(provided), []byte(s.adminSecret)) == 1 {
			return next(c)
		}
		return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Unauthorized admin access"})
	}
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.String(http.StatusOK, "OK")
}

func (s *Server) handleSignup(c echo.Context) error {
	if s.auth == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Accounts are disabled"})
	}
	var req auth.SignupRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.auth.Signup(c.Request().Context(), req)
	switch err {
	case nil:
		return c.JSON(http.StatusCreated, resp)
	case auth.ErrUserExists:
		return c.JSON(http.StatusConflict, map[string]string{"error": err.Error()})
	case auth.ErrInvalidEmail, auth.ErrPasswordTooWeak:
		return c.JSON(http.StatusBadRequest, map[string]string{"error": err.Error()})
	}
	s.logger.Error("signup failed", zap.Error(err))
	return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
}

func (s *Server) handleLogin(c echo.Context) error {
	if s.auth == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Accounts are disabled"})
	}
	var req auth.LoginRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, map[string]string{"error": "Invalid request"})
	}

	resp, err := s.auth.Login(c.Request().Context(), req)
	if err != nil {
		if err == auth.ErrInvalidCreds {
			return c.JSON(http.StatusUnauthorized, map[string]string{"error": "Invalid credentials"})
		}
		s.logger.Error("login failed", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListListings(c echo.Context) error {
	if s.listings == nil {
		return c.JSON(http.StatusServiceUnavailable, map[string]string{"error": "Listing storage unavailable"})
	}
	f := db.ListingFilter{
		Query:       c.QueryParam("q"),
		Sources:     splitCSV(c.QueryParam("source")),
		Categories:  c.QueryParams()["category"],
		Eligibility: c.QueryParams()["eligibility"],
		Country:     strings.TrimSpace(c.QueryParam("country")),
	}
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil {
		f.Limit = l
	}
	if o, err := strconv.Atoi(c.QueryParam("offset")); err == nil && o >= 0 {
		f.Offset = o
	}
	if v, err := strconv.ParseFloat(c.QueryParam("min_amount"), 64); err == nil && v > 0 {
		f.MinAmount = v
	}
	if raw := c.QueryParam("deadline_after"); raw != "" {
		t, err := parseDateParam(raw)
		if err != nil {
			return c.JSON(http.StatusBadRequest, map[string]string{"error": "deadline_after must be YYYY-MM-DD or RFC 3339"})
		}
		f.DeadlineAfter = &t
	}

	page, err := s.listings.ListListings(c.Request().Context(), f)
	if err != nil {
		s.logger.Error("failed to list listings", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, page)
}

type sourceView struct {
	ingest.Source
	Stored bool `json:"stored"`
}

func (s *Server) handleGetSources(c echo.Context) error {
	stored := map[string]bool{}
	if s.listings != nil {
		names, err := s.listings.ListingSources(c.Request().Context())
		if err != nil {
			s.logger.Error("failed to list sources", zap.Error(err))
			return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
		}
		for _, n := range names {
			stored[n] = true
		}
	}
	out := []sourceView{}
	if s.registry != nil {
		for _, src := range s.registry.Sources {
			out = append(out, sourceView{Source: src, Stored: stored[src.ID]})
		}
	}
	return c.JSON(http.StatusOK, out)
}

// splitCSV splits a comma-separated query parameter into trimmed non-empty strings.
func splitCSV(s string) []string {
	var result []string
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part != "" {
			result = append(result, part)
		}
	}
	return result
}

func parseDateParam(raw string) (time.Time, error) {
	if t, err := time.Parse("2006-01-02", raw); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339, raw)
}
