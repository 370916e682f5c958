package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
)

// Common auth errors.
var (
	ErrDeviceAlreadyActive = errors.New("session is already open on another device")
	ErrDeviceInvalidated   = errors.New("device binding was reset")
)

// TokenType distinguishes candidate vs proctor tokens.
type TokenType string

const (
	TokenTypeCandidate TokenType = "candidate"
	TokenTypeProctor   TokenType = "proctor"
)

// Claims extends JWT standard claims with app-specific fields.
type Claims struct {
	jwt.RegisteredClaims
	TokenType   TokenType `json:"token_type"`
	CandidateID string    `json:"candidate_id,omitempty"` // Candidate only
	SessionID   string    `json:"session_id,omitempty"`   // Candidate only
	ExamIDs     []string  `json:"exam_ids,omitempty"`     // Proctor only, empty = every exam
}

// CanProctor reports whether a proctor token covers examID.
func (c *Claims) CanProctor(examID string) bool {
	if c.TokenType != TokenTypeProctor {
		return false
	}
	if len(c.ExamIDs) == 0 {
		return true
	}
	for _, id := range c.ExamIDs {
		if id == examID {
			return true
		}
	}
	return false
}

// AuthService issues and validates access tokens. Candidate tokens are bound
// to one device per session through a JTI stored in Redis.
type AuthService struct {
	cfg *config.Config
	rdb *redis.Client
}

// NewAuthService creates a new AuthService.
func NewAuthService(cfg *config.Config, rdb *redis.Client) *AuthService {
	return &AuthService{cfg: cfg, rdb: rdb}
}

// GenerateCandidateToken creates a JWT scoped to one exam session and binds it
// as the session's only device. Returns ErrDeviceAlreadyActive if another
// token already holds the session.
func (s *AuthService) GenerateCandidateToken(ctx context.Context, candidateID, sessionID string) (string, error) {
	deviceKey := config.CacheKey.SessionDeviceKey(sessionID)

	jti := uuid.New().String()
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   candidateID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType:   TokenTypeCandidate,
		CandidateID: candidateID,
		SessionID:   sessionID,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(s.cfg.JWTSecret))
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}

	// SETNX keeps the first device; the key expires with the token.
	ok, err := s.rdb.SetNX(ctx, deviceKey, jti, s.cfg.JWTExpiry).Result()
	if err != nil {
		return "", fmt.Errorf("bind device: %w", err)
	}
	if !ok {
		return "", ErrDeviceAlreadyActive
	}

	return signed, nil
}

// GenerateProctorToken creates a JWT for a proctor watching examIDs.
func (s *AuthService) GenerateProctorToken(proctorID string, examIDs []string) (string, error) {
	now := time.Now()

	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   proctorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.JWTExpiry)),
		},
		TokenType: TokenTypeProctor,
		ExamIDs:   examIDs,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.cfg.JWTSecret))
}

// ValidateToken parses and validates a JWT, returning the claims.
func (s *AuthService) ValidateToken(tokenStr string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenStr, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return []byte(s.cfg.JWTSecret), nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, errors.New("invalid token claims")
	}

	return claims, nil
}

// ValidateCandidateDevice checks that the token's JTI is the device bound to the session.
func (s *AuthService) ValidateCandidateDevice(ctx context.Context, sessionID, jti string) error {
	deviceKey := config.CacheKey.SessionDeviceKey(sessionID)
	stored, err := s.rdb.Get(ctx, deviceKey).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrDeviceInvalidated
		}
		return fmt.Errorf("check device: %w", err)
	}
	if stored != jti {
		return ErrDeviceInvalidated
	}
	return nil
}

// ResetCandidateDevice drops the device binding so the candidate can reconnect
// with a freshly issued token.
func (s *AuthService) ResetCandidateDevice(ctx context.Context, sessionID string) error {
	return s.rdb.Del(ctx, config.CacheKey.SessionDeviceKey(sessionID)).Err()
}
