package token

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rendis/flowcore/pkg/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	s, err := NewService(Config{Secret: []byte("test-secret"), TTL: time.Hour})
	require.NoError(t, err)
	return s
}

func TestNewService_RequiresSecret(t *testing.T) {
	_, err := NewService(Config{})
	assert.Error(t, err)
}

func TestMintVerify_RoundTrip(t *testing.T) {
	s := newTestService(t)

	tok, err := s.Mint("run-1", "charge", 2)
	require.NoError(t, err)
	assert.NotEmpty(t, tok.ID)
	assert.NotEmpty(t, tok.Signature)

	got, err := s.Verify(tok.Signature)
	require.NoError(t, err)
	assert.Equal(t, tok.ID, got.ID)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "charge", got.NodeID)
	assert.Equal(t, 2, got.Attempt)
}

func TestMint_UniquePerCall(t *testing.T) {
	s := newTestService(t)
	a, err := s.Mint("run-1", "n", 1)
	require.NoError(t, err)
	b, err := s.Mint("run-1", "n", 1)
	require.NoError(t, err)
	assert.NotEqual(t, a.ID, b.ID)
}

func TestMint_RejectsBlankBinding(t *testing.T) {
	s := newTestService(t)
	_, err := s.Mint("", "n", 1)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
	_, err = s.Mint("r", "n", 0)
	assert.True(t, schema.HasCode(err, schema.ErrCodeValidation))
}

func TestVerify_Rejections(t *testing.T) {
	s := newTestService(t)
	tok, err := s.Mint("run-1", "charge", 1)
	require.NoError(t, err)

	other, err := NewService(Config{Secret: []byte("other-secret")})
	require.NoError(t, err)
	forged, err := other.Mint("run-1", "charge", 1)
	require.NoError(t, err)

	otherIssuer, err := NewService(Config{Secret: []byte("test-secret"), Issuer: "someone-else"})
	require.NoError(t, err)
	wrongIss, err := otherIssuer.Mint("run-1", "charge", 1)
	require.NoError(t, err)

	noneAlg, err := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{Kind: kindExecution, RunID: "run-1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := map[string]string{
		"empty":          "",
		"garbage":        "not-a-token",
		"tampered":       tok.Signature + "x",
		"wrong secret":   forged.Signature,
		"wrong issuer":   wrongIss.Signature,
		"none algorithm": noneAlg,
	}
	for name, sig := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := s.Verify(sig)
			require.Error(t, err)
			assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
		})
	}
}

func TestVerify_Expired(t *testing.T) {
	s := newTestService(t)
	now := time.Now()
	s.now = func() time.Time { return now }
	tok, err := s.Mint("run-1", "charge", 1)
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Hour) }
	_, err = s.Verify(tok.Signature)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestVerifyFor_BindsAttempt(t *testing.T) {
	s := newTestService(t)
	tok, err := s.Mint("run-1", "charge", 1)
	require.NoError(t, err)

	res := schema.NodeResult{RunID: "run-1", NodeID: "charge", Attempt: 1, Token: tok.Signature}
	_, err = s.VerifyFor(res)
	require.NoError(t, err)

	res.Attempt = 2
	_, err = s.VerifyFor(res)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))

	res.Attempt = 1
	res.NodeID = "refund"
	_, err = s.VerifyFor(res)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
}

func TestCallbackTokens(t *testing.T) {
	s := newTestService(t)
	reg := &schema.CallbackRegistration{
		ID:        "cb-1",
		RunID:     "run-1",
		NodeID:    "approve",
		ExpiresAt: time.Now().Add(time.Hour),
	}

	tok, err := s.MintCallback(reg)
	require.NoError(t, err)

	claims, err := s.VerifyCallback(tok)
	require.NoError(t, err)
	assert.Equal(t, "cb-1", claims.RegistrationID)
	assert.Equal(t, "run-1", claims.RunID)
	assert.Equal(t, "approve", claims.NodeID)

	// Kinds are not interchangeable.
	_, err = s.Verify(tok)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))

	exec, err := s.Mint("run-1", "approve", 1)
	require.NoError(t, err)
	_, err = s.VerifyCallback(exec.Signature)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
}

func TestCallbackToken_Expires(t *testing.T) {
	s := newTestService(t)
	now := time.Now()
	s.now = func() time.Time { return now }
	tok, err := s.MintCallback(&schema.CallbackRegistration{ID: "cb", RunID: "r", NodeID: "n", ExpiresAt: now.Add(time.Minute)})
	require.NoError(t, err)

	s.now = func() time.Time { return now.Add(2 * time.Minute) }
	_, err = s.VerifyCallback(tok)
	assert.True(t, schema.HasCode(err, schema.ErrCodeTokenInvalid))
}
