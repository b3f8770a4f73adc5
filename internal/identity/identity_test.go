package identity

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"codeflow/api/internal/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func TestGuestIdentity(t *testing.T) {
	g := Guest()
	assert.True(t, g.IsGuest())
	assert.Equal(t, "", g.UserID())
	assert.Equal(t, "guest", g.StorageKey())
	assert.Equal(t, "Guest", g.DisplayName())
	assert.Equal(t, g, Authenticated("", "Nobody"))
}

func TestAuthenticatedIdentity(t *testing.T) {
	id := Authenticated("user-1", "Avery")
	assert.False(t, id.IsGuest())
	assert.Equal(t, "user-1", id.StorageKey())
	assert.Equal(t, "Avery", id.DisplayName())
	assert.Equal(t, "user-1", Authenticated("user-1", "").DisplayName())
}

func TestContextProvider(t *testing.T) {
	ctx := context.Background()
	got, err := ContextProvider{}.CurrentIdentity(ctx)
	require.NoError(t, err)
	assert.True(t, got.IsGuest())

	got, err = ContextProvider{}.CurrentIdentity(WithIdentity(ctx, Authenticated("u", "U")))
	require.NoError(t, err)
	assert.Equal(t, "u", got.UserID())
}

func TestIssueAndIdentify(t *testing.T) {
	authority := NewAuthority("secret", time.Hour)
	token, expires, err := authority.Issue("user-1", "Avery")
	require.NoError(t, err)
	assert.True(t, expires.After(time.Now()))

	id, err := authority.Identify(token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", id.UserID())
	assert.Equal(t, "Avery", id.DisplayName())

	id, err = TokenProvider{Authority: authority, Token: "  "}.CurrentIdentity(context.Background())
	require.NoError(t, err)
	assert.True(t, id.IsGuest())
}

func TestIdentifyRejectsTamperedAndExpired(t *testing.T) {
	authority := NewAuthority("secret", time.Hour)
	token, _, err := authority.Issue("user-1", "Avery")
	require.NoError(t, err)

	_, err = NewAuthority("other", time.Hour).Identify(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = authority.Identify(token + ".extra")
	assert.ErrorIs(t, err, ErrInvalidToken)

	authority.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = authority.Identify(token)
	assert.ErrorIs(t, err, ErrExpiredToken)
}

type memoryUsers struct {
	byID    map[string]store.User
	byEmail map[string]string
}

func newMemoryUsers() *memoryUsers {
	return &memoryUsers{byID: map[string]store.User{}, byEmail: map[string]string{}}
}

func (m *memoryUsers) GetUserByEmail(_ context.Context, email string) (store.User, error) {
	if id, ok := m.byEmail[strings.ToLower(email)]; ok {
		return m.byID[id], nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *memoryUsers) GetUserByID(_ context.Context, id string) (store.User, error) {
	if u, ok := m.byID[id]; ok {
		return u, nil
	}
	return store.User{}, store.ErrNotFound
}

func (m *memoryUsers) CreateUser(_ context.Context, user store.User) error {
	m.byID[user.ID] = user
	m.byEmail[strings.ToLower(user.Email)] = user.ID
	return nil
}

func newTestPasswords() (*Passwords, *memoryUsers) {
	users := newMemoryUsers()
	p := NewPasswords(users)
	p.cost = bcrypt.MinCost
	return p, users
}

func TestSignUpAndSignIn(t *testing.T) {
	p, _ := newTestPasswords()
	ctx := context.Background()

	user, err := p.SignUp(ctx, SignUpRequest{Email: " Avery@Example.com ", Password: "correct-horse", DisplayName: "Avery"})
	require.NoError(t, err)
	assert.Equal(t, "avery@example.com", user.Email)
	assert.NotEqual(t, "correct-horse", user.PasswordHash)

	signedIn, err := p.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "correct-horse"})
	require.NoError(t, err)
	assert.Equal(t, user.ID, signedIn.ID)

	_, err = p.SignIn(ctx, SignInRequest{Email: "avery@example.com", Password: "wrong-password"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)

	_, err = p.SignIn(ctx, SignInRequest{Email: "nobody@example.com", Password: "whatever1"})
	assert.ErrorIs(t, err, ErrInvalidCredentials)
}

func TestSignUpRejectsDuplicatesAndBadInput(t *testing.T) {
	p, _ := newTestPasswords()
	ctx := context.Background()

	_, err := p.SignUp(ctx, SignUpRequest{Email: "a@example.com", Password: "password1", DisplayName: "A"})
	require.NoError(t, err)
	_, err = p.SignUp(ctx, SignUpRequest{Email: "A@example.com", Password: "password2", DisplayName: "A2"})
	assert.ErrorIs(t, err, ErrEmailTaken)

	_, err = p.SignUp(ctx, SignUpRequest{Email: "b@example.com", Password: "short", DisplayName: "B"})
	var verr *store.ValidationError
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "password", verr.Field)

	_, err = p.SignUp(ctx, SignUpRequest{Email: "not-an-email", Password: "password1", DisplayName: "C"})
	require.True(t, errors.As(err, &verr))
	assert.Equal(t, "email", verr.Field)
}
