package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrUserExists      = errors.New("user already exists")
	ErrInvalidCreds    = errors.New("invalid credentials")
	ErrInvalidEmail    = errors.New("invalid email address")
	ErrPasswordTooWeak = errors.New("password must be at least 8 characters")
)

const (
	minPasswordLen = 8
	tokenTTL       = 24 * time.Hour
)

// ResolveSecret returns configured as the signing key, or a random
// per-process key when it is blank. Tokens signed with a random key do not
// survive a restart.
func ResolveSecret(configured string, logger *zap.Logger) ([]byte, error) {
	if secret := strings.TrimSpace(configured); secret != "" {
		return []byte(secret), nil
	}
	buf := make([]byte, 48)
	if _, err := rand.Read(buf); err != nil {
		return nil, fmt.Errorf("failed to generate JWT fallback secret: %w", err)
	}
	if logger != nil {
		logger.Warn("JWT secret is not set; using ephemeral in-memory fallback secret")
	}
	return []byte(base64.RawURLEncoding.EncodeToString(buf)), nil
}

// UserStore persists accounts.
type UserStore interface {
	CreateUser(ctx context.Context, email, passwordHash string) (User, error)
	// UserByEmail returns ErrInvalidCreds when no account matches.
	UserByEmail(ctx context.Context, email string) (User, error)
}

// PGUsers is the PostgreSQL UserStore.
type PGUsers struct {
	db *pgxpool.Pool
}

func NewPGUsers(db *pgxpool.Pool) *PGUsers {
	return &PGUsers{db: db}
}

func (s *PGUsers) CreateUser(ctx context.Context, email, passwordHash string) (User, error) {
	var user User
	// email is UNIQUE; the conflict clause turns a race into ErrUserExists.
	err := s.db.QueryRow(ctx, `
		INSERT INTO users (email, password_hash)
		VALUES ($1, $2)
		ON CONFLICT (email) DO NOTHING
		RETURNING id, email, created_at
	`, email, passwordHash).Scan(&user.ID, &user.Email, &user.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrUserExists
	}
	if err != nil {
		return User{}, fmt.Errorf("insert failed: %w", err)
	}
	return user, nil
}

func (s *PGUsers) UserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRow(ctx, "SELECT id, email, password_hash, created_at FROM users WHERE email = $1", email).Scan(
		&user.ID, &user.Email, &user.PasswordHash, &user.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return User{}, ErrInvalidCreds
	}
	return user, err
}

type Service struct {
	users  UserStore
	secret []byte
	cost   int
	now    func() time.Time
}

func NewService(users UserStore, secret []byte) *Service {
	return &Service{users: users, secret: secret, cost: bcrypt.DefaultCost, now: time.Now}
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	addr, err := mail.ParseAddress(email)
	if err != nil || addr.Address != email {
		return "", ErrInvalidEmail
	}
	return email, nil
}

func (s *Service) Signup(ctx context.Context, req SignupRequest) (*AuthResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, err
	}
	if len(req.Password) < minPasswordLen {
		return nil, ErrPasswordTooWeak
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), s.cost)
	if err != nil {
		return nil, fmt.Errorf("hashing failed: %w", err)
	}

	user, err := s.users.CreateUser(ctx, email, string(hash))
	if err != nil {
		return nil, err
	}

	token, err := s.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}
	return &AuthResponse{Token: token, User: user}, nil
}

func (s *Service) Login(ctx context.Context, req LoginRequest) (*AuthResponse, error) {
	email, err := normalizeEmail(req.Email)
	if err != nil {
		return nil, ErrInvalidCreds
	}
	user, err := s.users.UserByEmail(ctx, email)
	if err != nil {
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return nil, ErrInvalidCreds
	}

	token, err := s.GenerateToken(user.ID)
	if err != nil {
		return nil, err
	}

	user.PasswordHash = ""
	return &AuthResponse{Token: token, User: user}, nil
}

// GenerateToken signs an HS256 token for userID valid for 24 hours.
func (s *Service) GenerateToken(userID uuid.UUID) (string, error) {
	if len(s.secret) == 0 {
		return "", errors.New("JWT secret unavailable")
	}
	now := s.now()
	claims := jwt.MapClaims{
		"sub": userID.String(),
		"iat": now.Unix(),
		"exp": now.Add(tokenTTL).Unix(),
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}
