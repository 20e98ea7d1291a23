package auth

import (
	"encoding/base64"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte("s3cret"), bcrypt.MinCost)
	require.NoError(t, err)
	return NewService(map[string]string{"alice": string(hash)}, "test-secret", time.Hour)
}

func basic(user, pass string) string {
	return "Basic " + base64.StdEncoding.EncodeToString([]byte(user+":"+pass))
}

func TestValidateUser(t *testing.T) {
	s := newTestService(t)

	assert.NoError(t, s.ValidateUser("alice", "s3cret"))
	assert.ErrorIs(t, s.ValidateUser("alice", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.ValidateUser("bob", "s3cret"), ErrInvalidCredentials)
}

func TestTokenRoundTrip(t *testing.T) {
	s := newTestService(t)

	token, expires, err := s.Login("alice", "s3cret")
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), expires, time.Minute)

	claims, err := s.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "alice", claims.Username)
	assert.Equal(t, "alice", claims.Subject)

	_, err = s.ValidateToken(token + "x")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := NewService(s.users, "other-secret", time.Hour)
	_, err = other.ValidateToken(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestTokenExpiry(t *testing.T) {
	s := newTestService(t)
	issued := time.Now().Add(-2 * time.Hour)
	s.now = func() time.Time { return issued }
	token, _, err := s.GenerateToken("alice")
	require.NoError(t, err)

	s.now = time.Now
	_, err = s.ValidateToken(token)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestAuthenticate(t *testing.T) {
	s := newTestService(t)
	token, _, err := s.GenerateToken("alice")
	require.NoError(t, err)

	tests := []struct {
		name   string
		header string
		user   string
		err    error
	}{
		{"basic", basic("alice", "s3cret"), "alice", nil},
		{"basic wrong password", basic("alice", "nope"), "", ErrInvalidCredentials},
		{"basic garbage", "Basic !!!", "", ErrInvalidCredentials},
		{"bearer", "Bearer " + token, "alice", nil},
		{"bearer lower-case scheme", "bearer " + token, "alice", nil},
		{"bearer invalid", "Bearer abc.def.ghi", "", ErrInvalidToken},
		{"empty", "", "", ErrMissingCredentials},
		{"unknown scheme", "Digest foo", "", ErrMissingCredentials},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			user, err := s.Authenticate(tt.header)
			if tt.err != nil {
				assert.ErrorIs(t, err, tt.err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.user, user)
		})
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("pw")
	require.NoError(t, err)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(hash), []byte("pw")))
}
