package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/example/campus-share/internal/errors"
	"github.com/example/campus-share/internal/testfixtures"
)

const secret = "0123456789abcdef-test"

func TestIssueAndVerify(t *testing.T) {
	clock := testfixtures.NewClock(testfixtures.ReferenceTime())
	m, err := NewManager(secret, time.Hour)
	require.NoError(t, err)
	m.WithClock(clock.Now)

	token, exp, err := m.Issue("user-1")
	require.NoError(t, err)
	assert.Equal(t, testfixtures.ReferenceTime().Add(time.Hour), exp)

	got, err := m.Verify("Bearer " + token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", got)

	clock.Advance(2 * time.Hour)
	_, err = m.Verify(token)
	assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
}

func TestVerifyRejects(t *testing.T) {
	m, err := NewManager(secret, time.Hour)
	require.NoError(t, err)
	other, err := NewManager("another-secret-of-16", time.Hour)
	require.NoError(t, err)
	forged, _, err := other.Issue("user-1")
	require.NoError(t, err)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"sub_id": "user-1", "iss": issuer}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, token := range map[string]string{
		"empty":        "",
		"garbage":      "not-a-token",
		"wrong secret": forged,
		"alg none":     none,
	} {
		t.Run(name, func(t *testing.T) {
			_, err := m.Verify(token)
			assert.ErrorIs(t, err, apperrors.ErrUnauthenticated)
			assert.Equal(t, "unauthenticated", apperrors.Kind(err))
		})
	}
}

func TestNewManagerNeedsSecret(t *testing.T) {
	_, err := NewManager("short", time.Hour)
	assert.Error(t, err)
}
