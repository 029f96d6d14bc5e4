// Package token mints and verifies the signed tokens that bind executor
// results and external callbacks to a single (run, node, attempt).
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rendis/flowcore/pkg/schema"
)

const (
	kindExecution = "execution"
	kindCallback  = "callback"
)

// Config configures the token service.
type Config struct {
	// Secret is the HS256 signing key. Required.
	Secret []byte
	// Issuer is set on minted tokens and required on verified ones.
	Issuer string
	// TTL bounds how long an execution token stays valid.
	TTL time.Duration
	// ClockSkew tolerated when validating exp/iat.
	ClockSkew time.Duration
}

// Claims are the JWT claims carried by flowcore tokens.
type Claims struct {
	jwt.RegisteredClaims
	Kind    string `json:"kind"`
	RunID   string `json:"run_id"`
	NodeID  string `json:"node_id"`
	Attempt int    `json:"attempt,omitempty"`
}

// CallbackClaims is the verified content of a callback token.
type CallbackClaims struct {
	RegistrationID string
	RunID          string
	NodeID         string
	ExpiresAt      time.Time
}

// Service issues and verifies execution and callback tokens.
type Service struct {
	cfg Config
	now func() time.Time
}

// NewService creates a token service.
func NewService(cfg Config) (*Service, error) {
	if len(cfg.Secret) == 0 {
		return nil, fmt.Errorf("token secret is required")
	}
	if cfg.Issuer == "" {
		cfg.Issuer = "flowcore"
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Service{cfg: cfg, now: time.Now}, nil
}

// Mint issues a token for one attempt of a node.
func (s *Service) Mint(runID, nodeID string, attempt int) (schema.ExecutionToken, error) {
	if runID == "" || nodeID == "" || attempt < 1 {
		return schema.ExecutionToken{}, schema.NewError(schema.ErrCodeValidation, "token requires run, node and a positive attempt")
	}

	now := s.now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Issuer:    s.cfg.Issuer,
			Subject:   runID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.cfg.TTL)),
		},
		Kind:    kindExecution,
		RunID:   runID,
		NodeID:  nodeID,
		Attempt: attempt,
	}

	signed, err := s.sign(claims)
	if err != nil {
		return schema.ExecutionToken{}, err
	}
	return schema.ExecutionToken{
		ID:        claims.ID,
		RunID:     runID,
		NodeID:    nodeID,
		Attempt:   attempt,
		ExpiresAt: claims.ExpiresAt.Time,
		Signature: signed,
	}, nil
}

// Verify checks signature, algorithm, issuer and expiry of an execution token.
func (s *Service) Verify(signature string) (schema.ExecutionToken, error) {
	claims, err := s.parse(signature, kindExecution)
	if err != nil {
		return schema.ExecutionToken{}, err
	}
	return schema.ExecutionToken{
		ID:        claims.ID,
		RunID:     claims.RunID,
		NodeID:    claims.NodeID,
		Attempt:   claims.Attempt,
		ExpiresAt: claims.ExpiresAt.Time,
		Signature: signature,
	}, nil
}

// VerifyFor verifies the token echoed in a result and checks that it was
// minted for exactly that (run, node, attempt).
func (s *Service) VerifyFor(result schema.NodeResult) (schema.ExecutionToken, error) {
	tok, err := s.Verify(result.Token)
	if err != nil {
		return tok, err
	}
	if tok.RunID != result.RunID || tok.NodeID != result.NodeID || tok.Attempt != result.Attempt {
		return tok, schema.NewErrorf(schema.ErrCodeTokenInvalid,
			"token bound to %s/%s#%d, result is for %s/%s#%d",
			tok.RunID, tok.NodeID, tok.Attempt, result.RunID, result.NodeID, result.Attempt).
			WithNode(result.NodeID)
	}
	return tok, nil
}

// MintCallback issues the externally presented token for a callback registration.
// The token expires with the registration.
func (s *Service) MintCallback(reg *schema.CallbackRegistration) (string, error) {
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:       reg.ID,
			Issuer:   s.cfg.Issuer,
			Subject:  reg.RunID,
			IssuedAt: jwt.NewNumericDate(s.now()),
		},
		Kind:   kindCallback,
		RunID:  reg.RunID,
		NodeID: reg.NodeID,
	}
	if !reg.ExpiresAt.IsZero() {
		claims.ExpiresAt = jwt.NewNumericDate(reg.ExpiresAt)
	}
	return s.sign(claims)
}

// VerifyCallback checks a callback token and returns its binding.
func (s *Service) VerifyCallback(token string) (CallbackClaims, error) {
	claims, err := s.parse(token, kindCallback)
	if err != nil {
		return CallbackClaims{}, err
	}
	out := CallbackClaims{RegistrationID: claims.ID, RunID: claims.RunID, NodeID: claims.NodeID}
	if claims.ExpiresAt != nil {
		out.ExpiresAt = claims.ExpiresAt.Time
	}
	return out, nil
}

func (s *Service) sign(claims Claims) (string, error) {
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.cfg.Secret)
	if err != nil {
		return "", schema.NewError(schema.ErrCodeInternal, "sign token").WithCause(err)
	}
	return signed, nil
}

func (s *Service) parse(tokenString, kind string) (*Claims, error) {
	if tokenString == "" {
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, "token is empty")
	}

	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.cfg.Issuer),
		jwt.WithLeeway(s.cfg.ClockSkew),
		jwt.WithTimeFunc(s.now),
	)

	claims := &Claims{}
	token, err := parser.ParseWithClaims(tokenString, claims, func(*jwt.Token) (any, error) {
		return s.cfg.Secret, nil
	})
	if err != nil {
		msg := "token is invalid"
		if errors.Is(err, jwt.ErrTokenExpired) {
			msg = "token has expired"
		}
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, msg).WithCause(err)
	}
	if !token.Valid {
		return nil, schema.NewError(schema.ErrCodeTokenInvalid, "token is invalid")
	}
	if claims.Kind != kind {
		return nil, schema.NewErrorf(schema.ErrCodeTokenInvalid, "expected %s token, got %q", kind, claims.Kind)
	}
	return claims, nil
}
