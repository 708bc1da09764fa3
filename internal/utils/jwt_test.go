package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServiceTokenRoundTrip(t *testing.T) {
	tok, err := NewServiceToken("s3cret", "ops-7", RoleAdmin, time.Hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), tok.Exp, 5*time.Second)

	claims, err := ParseServiceToken("s3cret", tok.Token)
	require.NoError(t, err)
	assert.Equal(t, "ops-7", claims.Subject)
	assert.Equal(t, RoleAdmin, claims.Role)
}

func TestParseServiceTokenRejects(t *testing.T) {
	good, err := NewServiceToken("s3cret", "cron", RoleScheduler, time.Hour)
	require.NoError(t, err)
	_, err = ParseServiceToken("other", good.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired, err := NewServiceToken("s3cret", "cron", RoleScheduler, -time.Minute)
	require.NoError(t, err)
	_, err = ParseServiceToken("s3cret", expired.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noExp, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "role": RoleAdmin}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ParseServiceToken("s3cret", noExp)
	assert.ErrorIs(t, err, ErrInvalidToken)

	noRole, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"sub": "x", "exp": time.Now().Add(time.Hour).Unix()}).
		SignedString([]byte("s3cret"))
	require.NoError(t, err)
	_, err = ParseServiceToken("s3cret", noRole)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = NewServiceToken("", "x", RoleAdmin, time.Hour)
	assert.Error(t, err)
}
