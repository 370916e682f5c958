package service

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stemsi/exstem-proctor/internal/config"
)

func TestCandidateTokenIsBoundToOneDevice(t *testing.T) {
	_, rdb := newTestRedis(t)
	auth := NewAuthService(&config.Config{JWTSecret: "test-secret", JWTExpiry: time.Hour}, rdb)
	ctx := context.Background()

	token, err := auth.GenerateCandidateToken(ctx, "cand-1", "sess-1")
	if err != nil {
		t.Fatalf("generate: %v", err)
	}

	claims, err := auth.ValidateToken(token)
	if err != nil {
		t.Fatalf("validate: %v", err)
	}
	if claims.TokenType != TokenTypeCandidate || claims.SessionID != "sess-1" || claims.CandidateID != "cand-1" {
		t.Fatalf("claims = %+v", claims)
	}
	if err := auth.ValidateCandidateDevice(ctx, "sess-1", claims.ID); err != nil {
		t.Fatalf("device: %v", err)
	}

	if _, err := auth.GenerateCandidateToken(ctx, "cand-1", "sess-1"); !errors.Is(err, ErrDeviceAlreadyActive) {
		t.Fatalf("second device err = %v", err)
	}

	if err := auth.ResetCandidateDevice(ctx, "sess-1"); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if err := auth.ValidateCandidateDevice(ctx, "sess-1", claims.ID); !errors.Is(err, ErrDeviceInvalidated) {
		t.Fatalf("reset device err = %v", err)
	}
}

func TestValidateTokenRejectsForeignSignature(t *testing.T) {
	_, rdb := newTestRedis(t)
	issuer := NewAuthService(&config.Config{JWTSecret: "one", JWTExpiry: time.Hour}, rdb)
	verifier := NewAuthService(&config.Config{JWTSecret: "two", JWTExpiry: time.Hour}, rdb)

	token, err := issuer.GenerateProctorToken("proctor-1", nil)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if _, err := verifier.ValidateToken(token); err == nil {
		t.Fatal("token signed with another secret was accepted")
	}
}

func TestProctorScope(t *testing.T) {
	all := &Claims{TokenType: TokenTypeProctor}
	scoped := &Claims{TokenType: TokenTypeProctor, ExamIDs: []string{"e1"}}
	candidate := &Claims{TokenType: TokenTypeCandidate}

	if !all.CanProctor("e9") || !scoped.CanProctor("e1") {
		t.Fatal("proctor denied an exam in scope")
	}
	if scoped.CanProctor("e2") || candidate.CanProctor("e1") {
		t.Fatal("proctor scope not enforced")
	}
}
