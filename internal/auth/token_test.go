// ABOUTME: Tests for operator token generation and verification.
// ABOUTME: Covers expiry, wrong secrets, malformed tokens, and missing claims.

package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewVerifier_EmptySecret(t *testing.T) {
	_, err := NewVerifier(nil)
	assert.Error(t, err)
}

func TestVerifier_RoundTrip(t *testing.T) {
	v, err := NewVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate("alice", time.Hour)
	require.NoError(t, err)

	operator, err := v.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", operator)
}

func TestVerifier_ExpiredToken(t *testing.T) {
	v, err := NewVerifier([]byte("test-secret"))
	require.NoError(t, err)

	token, err := v.Generate("alice", -time.Minute)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

func TestVerifier_WrongSecret(t *testing.T) {
	v1, _ := NewVerifier([]byte("secret-one"))
	v2, _ := NewVerifier([]byte("secret-two"))

	token, err := v1.Generate("alice", time.Hour)
	require.NoError(t, err)

	_, err = v2.Verify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MalformedToken(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"))

	_, err := v.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifier_MissingSubject(t *testing.T) {
	secret := []byte("test-secret")
	v, _ := NewVerifier(secret)

	// token signed with the right secret but no sub claim
	claims := jwt.MapClaims{
		"iat": time.Now().Unix(),
		"exp": time.Now().Add(time.Hour).Unix(),
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.ErrorIs(t, err, ErrMissingClaim)
}

func TestVerifier_RejectsUnexpectedAlgorithm(t *testing.T) {
	v, _ := NewVerifier([]byte("test-secret"))

	// alg "none" must never pass
	claims := jwt.MapClaims{"sub": "alice"}
	token, err := jwt.NewWithClaims(jwt.SigningMethodNone, claims).SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = v.Verify(token)
	assert.Error(t, err)
}
