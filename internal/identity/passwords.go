package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"codeflow/api/internal/store"
	"codeflow/api/internal/util"

	"github.com/jackc/pgx/v5/pgconn"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrEmailTaken         = errors.New("email already registered")
	ErrInvalidCredentials = errors.New("invalid email or password")
)

// UserStore is the account storage used for password sign-in.
type UserStore interface {
	GetUserByEmail(ctx context.Context, email string) (store.User, error)
	GetUserByID(ctx context.Context, id string) (store.User, error)
	CreateUser(ctx context.Context, user store.User) error
}

// Passwords signs users up and in with bcrypt-hashed passwords.
type Passwords struct {
	users UserStore
	cost  int
}

func NewPasswords(users UserStore) *Passwords {
	return &Passwords{users: users, cost: bcrypt.DefaultCost}
}

type SignUpRequest struct {
	Email       string `json:"email" validate:"required,email"`
	Password    string `json:"password" validate:"required,min=8,max=72"`
	DisplayName string `json:"displayName" validate:"required,max=80"`
}

type SignInRequest struct {
	Email    string `json:"email" validate:"required"`
	Password string `json:"password" validate:"required"`
}

func (p *Passwords) SignUp(ctx context.Context, req SignUpRequest) (store.User, error) {
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	if err := store.ValidateStruct(req); err != nil {
		return store.User{}, err
	}

	_, err := p.users.GetUserByEmail(ctx, req.Email)
	if err == nil {
		return store.User{}, ErrEmailTaken
	}
	if !errors.Is(err, store.ErrNotFound) {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(req.Password), p.cost)
	if err != nil {
		return store.User{}, fmt.Errorf("hash password: %w", err)
	}
	user := store.User{
		ID:           util.NewID("user"),
		Email:        req.Email,
		DisplayName:  req.DisplayName,
		PasswordHash: string(hash),
	}
	if err := p.users.CreateUser(ctx, user); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return store.User{}, ErrEmailTaken
		}
		return store.User{}, fmt.Errorf("create user: %w", err)
	}
	return user, nil
}

func (p *Passwords) SignIn(ctx context.Context, req SignInRequest) (store.User, error) {
	if err := store.ValidateStruct(req); err != nil {
		return store.User{}, err
	}
	user, err := p.users.GetUserByEmail(ctx, strings.TrimSpace(req.Email))
	if errors.Is(err, store.ErrNotFound) {
		return store.User{}, ErrInvalidCredentials
	}
	if err != nil {
		return store.User{}, fmt.Errorf("lookup email: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(req.Password)); err != nil {
		return store.User{}, ErrInvalidCredentials
	}
	return user, nil
}
