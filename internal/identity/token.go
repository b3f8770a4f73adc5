package identity

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

type Claims struct {
	Sub  string `json:"sub"`
	Name string `json:"name"`
	JTI  string `json:"jti"`
	Exp  int64  `json:"exp"`
}

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrExpiredToken = errors.New("expired token")
)

// Authority issues and verifies HMAC-signed bearer tokens.
type Authority struct {
	secret []byte
	ttl    time.Duration
	now    func() time.Time
}

func NewAuthority(secret string, ttl time.Duration) *Authority {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &Authority{secret: []byte(secret), ttl: ttl, now: time.Now}
}

// Issue signs a token for the given user and returns it with its expiry.
func (a *Authority) Issue(userID, displayName string) (string, time.Time, error) {
	if userID == "" {
		return "", time.Time{}, errors.New("issue token: user id is required")
	}
	expires := a.now().Add(a.ttl)
	payloadBytes, err := json.Marshal(Claims{
		Sub:  userID,
		Name: displayName,
		JTI:  uuid.NewString(),
		Exp:  expires.Unix(),
	})
	if err != nil {
		return "", time.Time{}, fmt.Errorf("marshal claims: %w", err)
	}
	payload := base64.RawURLEncoding.EncodeToString(payloadBytes)
	return payload + "." + a.sign(payload), expires, nil
}

// Identify maps a bearer token to an identity. An empty token is the guest.
func (a *Authority) Identify(token string) (Identity, error) {
	token = strings.TrimSpace(token)
	if token == "" {
		return Guest(), nil
	}
	claims, err := a.parse(token)
	if err != nil {
		return Guest(), err
	}
	return Authenticated(claims.Sub, claims.Name), nil
}

func (a *Authority) parse(token string) (Claims, error) {
	payload, signature, ok := strings.Cut(token, ".")
	if !ok || strings.Contains(signature, ".") {
		return Claims{}, ErrInvalidToken
	}
	if !hmac.Equal([]byte(signature), []byte(a.sign(payload))) {
		return Claims{}, ErrInvalidToken
	}
	decoded, err := base64.RawURLEncoding.DecodeString(payload)
	if err != nil {
		return Claims{}, ErrInvalidToken
	}
	var claims Claims
	if err := json.Unmarshal(decoded, &claims); err != nil {
		return Claims{}, ErrInvalidToken
	}
	if claims.Sub == "" || claims.JTI == "" || claims.Exp == 0 {
		return Claims{}, ErrInvalidToken
	}
	if a.now().Unix() >= claims.Exp {
		return Claims{}, ErrExpiredToken
	}
	return claims, nil
}

func (a *Authority) sign(payload string) string {
	mac := hmac.New(sha256.New, a.secret)
	_, _ = mac.Write([]byte(payload))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}

// TokenProvider resolves a fixed token, as the CLI does with --token.
type TokenProvider struct {
	Authority *Authority
	Token     string
}

func (p TokenProvider) CurrentIdentity(context.Context) (Identity, error) {
	return p.Authority.Identify(p.Token)
}
