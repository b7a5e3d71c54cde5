package auth

import (
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTokenRoundTrip(t *testing.T) {
	svc := NewService(nil, "vaultpay", []byte("secret"), time.Hour)

	token, err := svc.signToken("user-1", RoleAdmin)
	require.NoError(t, err)

	userID, role, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, RoleAdmin, role)

	// Identify is the same check under the websocket hub's interface.
	userID, role, err = svc.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", userID)
	assert.Equal(t, RoleAdmin, role)
}

func TestParseTokenRejectsWrongSecret(t *testing.T) {
	signer := NewService(nil, "vaultpay", []byte("secret"), time.Hour)
	verifier := NewService(nil, "vaultpay", []byte("other"), time.Hour)

	token, err := signer.signToken("user-1", RoleUser)
	require.NoError(t, err)

	_, _, err = verifier.ParseToken(token)
	assert.Error(t, err)
}

func TestParseTokenRejectsWrongIssuer(t *testing.T) {
	signer := NewService(nil, "someone-else", []byte("secret"), time.Hour)
	verifier := NewService(nil, "vaultpay", []byte("secret"), time.Hour)

	token, err := signer.signToken("user-1", RoleUser)
	require.NoError(t, err)

	_, _, err = verifier.ParseToken(token)
	assert.Error(t, err)
}

func TestParseTokenRejectsExpired(t *testing.T) {
	svc := NewService(nil, "vaultpay", []byte("secret"), -time.Minute)

	token, err := svc.signToken("user-1", RoleUser)
	require.NoError(t, err)

	_, _, err = svc.ParseToken(token)
	assert.Error(t, err)
}

func TestParseTokenRejectsGarbage(t *testing.T) {
	svc := NewService(nil, "vaultpay", []byte("secret"), time.Hour)
	_, _, err := svc.ParseToken("not-a-token")
	assert.Error(t, err)
}

func TestUniqueViolationDetection(t *testing.T) {
	assert.True(t, uniqueViolation(&pgconn.PgError{Code: "23505", Detail: "Key (email)=(a@b.c) already exists."}))
	assert.False(t, uniqueViolation(&pgconn.PgError{Code: "23503"}))
	assert.False(t, uniqueViolation(errors.New("connection refused")))
	assert.False(t, uniqueViolation(nil))
}
