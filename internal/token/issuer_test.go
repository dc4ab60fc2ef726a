package token

import (
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestNewIssuerRejectsWeakSecrets(t *testing.T) {
	for _, secret := range []string{"", "short", legacySecret} {
		_, err := NewIssuer(secret, time.Hour)
		assert.ErrorIs(t, err, ErrWeakSecret, "секрет %q", secret)
	}
	_, err := NewIssuer(testSecret, 0)
	assert.Error(t, err)
}

func TestIssueAndSubject(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	raw, err := iss.Issue(42)
	require.NoError(t, err)
	assert.Equal(t, 3, len(strings.Split(raw, ".")))

	id, err := iss.Subject(raw)
	require.NoError(t, err)
	assert.Equal(t, uint(42), id)
}

func TestTokensAreUnique(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		raw, err := iss.Issue(7)
		require.NoError(t, err)
		assert.False(t, seen[raw])
		seen[raw] = true
	}
}

func TestSubjectIgnoresExpiry(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Minute)
	require.NoError(t, err)
	iss.now = func() time.Time { return time.Now().Add(-time.Hour) }

	raw, err := iss.Issue(5)
	require.NoError(t, err)
	id, err := iss.Subject(raw)
	require.NoError(t, err)
	assert.Equal(t, uint(5), id)
}

func TestSubjectRejectsForeignSignature(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	other, err := NewIssuer(strings.Repeat("x", MinSecretLength), time.Hour)
	require.NoError(t, err)

	raw, err := other.Issue(1)
	require.NoError(t, err)
	_, err = iss.Subject(raw)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = iss.Subject("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	none, err := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.RegisteredClaims{Subject: "1"}).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)
	_, err = iss.Subject(none)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidate(t *testing.T) {
	iss, err := NewIssuer(testSecret, time.Hour)
	require.NoError(t, err)
	raw, err := iss.Issue(1)
	require.NoError(t, err)

	assert.True(t, iss.Validate(raw, raw))
	assert.False(t, iss.Validate(raw, raw+"x"))
	assert.False(t, iss.Validate("", ""))
	assert.False(t, iss.Validate(raw, ""))
}
