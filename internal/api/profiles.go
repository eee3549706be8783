package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/david/grant-matcher/internal/auth"
	"github.com/david/grant-matcher/internal/db"
	"github.com/david/grant-matcher/internal/models"
	"github.com/david/grant-matcher/internal/profile"
	"github.com/david/grant-matcher/internal/rank"
)

const embedTimeout = 5 * time.Second

func isNotFound(err error) bool {
	return errors.Is(err, db.ErrNotFound) || errors.Is(err, profile.ErrNotFound)
}

// ownedProfile loads the :id profile and checks it belongs to the caller.
// Profiles of other users are reported as missing.
func (s *Server) ownedProfile(c echo.Context) (models.Profile, error) {
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return models.Profile{}, echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return models.Profile{}, echo.NewHTTPError(http.StatusBadRequest, "Invalid profile id")
	}
	if s.cache == nil {
		return models.Profile{}, echo.NewHTTPError(http.StatusServiceUnavailable, "Profile storage unavailable")
	}
	p, err := s.cache.Get(c.Request().Context(), id)
	if isNotFound(err) {
		return models.Profile{}, echo.NewHTTPError(http.StatusNotFound, "Profile not found")
	}
	if err != nil {
		s.logger.Error("failed to load profile", zap.Stringer("profile", id), zap.Error(err))
		return models.Profile{}, echo.NewHTTPError(http.StatusInternalServerError, "Internal Server Error")
	}
	if p.OwnerID == nil || *p.OwnerID != userID {
		return models.Profile{}, echo.NewHTTPError(http.StatusNotFound, "Profile not found")
	}
	return p, nil
}

// embed fills p.Embedding when an embedder is configured. Failures leave the
// profile without one; the semantic score then falls back to neutral.
func (s *Server) embed(ctx context.Context, p *models.Profile) {
	if s.embedder == nil || p.Text() == "" {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, embedTimeout)
	defer cancel()
	vec, err := s.embedder.GenerateEmbedding(ctx, p.Text())
	if err != nil {
		s.logger.Warn("failed to embed profile", zap.String("name", p.Name), zap.Error(err))
		return
	}
	p.Embedding = vec
}

func (s *Server) bindProfile(c echo.Context) (models.Profile, error) {
	var p models.Profile
	if err := c.Bind(&p); err != nil {
		return p, echo.NewHTTPError(http.StatusBadRequest, "Invalid request")
	}
	p.Embedding = nil
	if err := profile.Validate(&p); err != nil {
		return p, echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	return p, nil
}

func (s *Server) handleCreateProfile(c echo.Context) error {
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	if s.profiles == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Profile storage unavailable")
	}
	p, err := s.bindProfile(c)
	if err != nil {
		return err
	}
	p.ID = uuid.Nil
	p.OwnerID = &userID
	s.embed(c.Request().Context(), &p)

	created, err := s.profiles.CreateProfile(c.Request().Context(), p)
	if err != nil {
		s.logger.Error("failed to create profile", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	s.cache.Put(created)
	return c.JSON(http.StatusCreated, created)
}

func (s *Server) handleListProfiles(c echo.Context) error {
	userID, err := auth.GetUserIDFromContext(c)
	if err != nil {
		return echo.NewHTTPError(http.StatusUnauthorized, "Unauthorized")
	}
	if s.profiles == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Profile storage unavailable")
	}
	profiles, err := s.profiles.ListProfiles(c.Request().Context(), &userID)
	if err != nil {
		s.logger.Error("failed to list profiles", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	if profiles == nil {
		profiles = []models.Profile{}
	}
	return c.JSON(http.StatusOK, profiles)
}

func (s *Server) handleGetProfile(c echo.Context) error {
	p, err := s.ownedProfile(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, p)
}

func (s *Server) handleUpdateProfile(c echo.Context) error {
	existing, err := s.ownedProfile(c)
	if err != nil {
		return err
	}
	p, err := s.bindProfile(c)
	if err != nil {
		return err
	}
	p.ID = existing.ID
	p.OwnerID = existing.OwnerID
	if p.Text() != existing.Text() {
		s.embed(c.Request().Context(), &p)
	}

	updated, err := s.profiles.UpdateProfile(c.Request().Context(), p)
	s.cache.Invalidate(existing.ID)
	if isNotFound(err) {
		return echo.NewHTTPError(http.StatusNotFound, "Profile not found")
	}
	if err != nil {
		s.logger.Error("failed to update profile", zap.Stringer("profile", p.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.JSON(http.StatusOK, updated)
}

func (s *Server) handleDeleteProfile(c echo.Context) error {
	existing, err := s.ownedProfile(c)
	if err != nil {
		return err
	}
	err = s.profiles.DeleteProfile(c.Request().Context(), existing.ID)
	s.cache.Invalidate(existing.ID)
	if err != nil && !isNotFound(err) {
		s.logger.Error("failed to delete profile", zap.Stringer("profile", existing.ID), zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	return c.NoContent(http.StatusNoContent)
}

type rankResponse struct {
	ProfileID  uuid.UUID        `json:"profile_id"`
	Matches    []rank.Match     `json:"matches"`
	Excluded   []rank.Exclusion `json:"excluded,omitempty"`
	BelowMin   int              `json:"below_min_score"`
	Considered int              `json:"considered"`
	MinScore   float64          `json:"min_score"`
}

// handleRankProfile scores stored listings against the profile.
// Query: source (csv), limit, min_score (only raises the configured minimum).
func (s *Server) handleRankProfile(c echo.Context) error {
	p, err := s.ownedProfile(c)
	if err != nil {
		return err
	}
	if s.listings == nil || s.ranker == nil {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Ranking unavailable")
	}

	minScore := s.ranker.MinScore()
	if raw := c.QueryParam("min_score"); raw != "" {
		v, err := strconv.ParseFloat(raw, 64)
		if err != nil || v < 0 || v > 1 {
			return echo.NewHTTPError(http.StatusBadRequest, "min_score must be between 0 and 1")
		}
		if v > minScore {
			minScore = v
		}
	}
	limit := 20
	if l, err := strconv.Atoi(c.QueryParam("limit")); err == nil && l > 0 && l <= 200 {
		limit = l
	}

	ctx := c.Request().Context()
	listings, err := s.listings.AllListings(ctx, splitCSV(c.QueryParam("source")))
	if err != nil {
		s.logger.Error("failed to load listings", zap.Error(err))
		return c.JSON(http.StatusInternalServerError, map[string]string{"error": "Internal Server Error"})
	}
	res, err := s.ranker.Rank(ctx, p, listings)
	if err != nil {
		// Only a canceled request gets here.
		return echo.NewHTTPError(http.StatusServiceUnavailable, "Ranking canceled")
	}

	resp := rankResponse{
		ProfileID:  p.ID,
		Matches:    make([]rank.Match, 0, limit),
		Excluded:   res.Excluded,
		BelowMin:   res.BelowMin,
		Considered: res.Considered,
		MinScore:   minScore,
	}
	for _, m := range res.Matches {
		if m.Score.Score < minScore {
			resp.BelowMin++
			continue
		}
		if len(resp.Matches) < limit {
			m.Listing.Embedding = nil
			resp.Matches = append(resp.Matches, m)
		}
	}
	return c.JSON(http.StatusOK, resp)
}
