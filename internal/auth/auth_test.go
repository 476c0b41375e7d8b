package auth

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/audiolibrelab/voicenote/internal/store"
)

const testSecret = "unit-test-secret"

func openTestStore(t *testing.T) store.Store {
	t.Helper()
	s, err := store.Open("sqlite", filepath.Join(t.TempDir(), "auth.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func newTestAuthenticator(t *testing.T, opts ...Option) *Authenticator {
	t.Helper()
	a, err := NewAuthenticator(openTestStore(t), testSecret, opts...)
	require.NoError(t, err)
	return a
}

func TestNewAuthenticatorRequiresSecret(t *testing.T) {
	_, err := NewAuthenticator(openTestStore(t), "")
	assert.Error(t, err)
}

func TestSignUpAndVerify(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	session, err := a.SignUp(ctx, "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)
	assert.NotEmpty(t, session.Token)
	assert.NotEmpty(t, session.UserID)
	assert.Equal(t, "ada@example.com", session.Email)
	assert.Equal(t, "ada", session.Username)
	assert.True(t, session.ExpiresAt.After(session.IssuedAt))

	verified, err := a.Verify(session.Token)
	require.NoError(t, err)
	assert.Equal(t, session.UserID, verified.UserID)
	assert.Equal(t, "ada@example.com", verified.Email)
	assert.Equal(t, "ada", verified.Username)
}

func TestSignUpStoresHashNotPassword(t *testing.T) {
	s := openTestStore(t)
	a, err := NewAuthenticator(s, testSecret)
	require.NoError(t, err)
	ctx := context.Background()

	_, err = a.SignUp(ctx, "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)

	user, err := s.UserByEmail(ctx, "ada@example.com")
	require.NoError(t, err)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)
	assert.NotEmpty(t, user.PasswordHash)
}

func TestSignUpValidation(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	tests := []struct {
		name     string
		username string
		email    string
		password string
	}{
		{"empty username", "", "ada@example.com", "correct-horse"},
		{"malformed email", "ada", "not-an-email", "correct-horse"},
		{"short password", "ada", "ada@example.com", "short"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := a.SignUp(ctx, tt.username, tt.email, tt.password)
			assert.ErrorIs(t, err, ErrInvalidInput)
		})
	}
}

func TestSignUpDuplicateEmail(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	_, err := a.SignUp(ctx, "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = a.SignUp(ctx, "imposter", "ada@example.com", "battery-staple")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestSignInChecksCredentials(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	_, err := a.SignUp(ctx, "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)

	session, err := a.SignIn(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)
	assert.Equal(t, "ada", session.Username)

	_, err = a.SignIn(ctx, "ada@example.com", "wrong-password")
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = a.SignIn(ctx, "nobody@example.com", "correct-horse")
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestVerifyRejectsBadTokens(t *testing.T) {
	a := newTestAuthenticator(t)

	_, err := a.Verify("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	other := newTestAuthenticator(t)
	session, err := other.SignUp(context.Background(), "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)

	foreign, err := NewAuthenticator(openTestStore(t), "a-different-secret")
	require.NoError(t, err)
	_, err = foreign.Verify(session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsExpiredToken(t *testing.T) {
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}

	a := newTestAuthenticator(t, WithClock(clock), WithTokenTTL(time.Hour))
	session, err := a.SignUp(context.Background(), "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)

	_, err = a.Verify(session.Token)
	require.NoError(t, err)

	mu.Lock()
	now = now.Add(2 * time.Hour)
	mu.Unlock()

	_, err = a.Verify(session.Token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyRejectsTokenWithoutExpiry(t *testing.T) {
	a := newTestAuthenticator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:  tokenIssuer,
		Subject: "user-1",
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	_, err = a.Verify(signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestVerifyToleratesMissingIssuedAt(t *testing.T) {
	a := newTestAuthenticator(t)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    tokenIssuer,
		Subject:   "user-1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	signed, err := token.SignedString([]byte(testSecret))
	require.NoError(t, err)

	sess, err := a.Verify(signed)
	require.NoError(t, err)
	assert.Equal(t, "user-1", sess.UserID)
	assert.True(t, sess.IssuedAt.IsZero())
}

func TestSignOutRequiresValidToken(t *testing.T) {
	a := newTestAuthenticator(t)

	fired := false
	defer a.Notify(func(ev Event) { fired = true })()

	err := a.SignOut(context.Background(), "not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.False(t, fired)
}

func TestAuthStateNotifications(t *testing.T) {
	a := newTestAuthenticator(t)
	ctx := context.Background()

	var mu sync.Mutex
	var events []Event
	unsubscribe := a.Notify(func(ev Event) {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, ev)
	})

	session, err := a.SignUp(ctx, "ada", "ada@example.com", "correct-horse")
	require.NoError(t, err)
	require.NoError(t, a.SignOut(ctx, session.Token))

	mu.Lock()
	require.Len(t, events, 2)
	assert.Equal(t, EventSignedIn, events[0].Type)
	assert.Equal(t, session.UserID, events[0].Session.UserID)
	assert.Equal(t, EventSignedOut, events[1].Type)
	assert.Nil(t, events[1].Session)
	mu.Unlock()

	unsubscribe()
	_, err = a.SignIn(ctx, "ada@example.com", "correct-horse")
	require.NoError(t, err)

	mu.Lock()
	assert.Len(t, events, 2)
	mu.Unlock()
}
