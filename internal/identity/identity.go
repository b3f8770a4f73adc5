// Package identity resolves who is acting: an authenticated user or the
// guest. The guest never takes part in remote synchronization.
package identity

import "context"

const (
	guestStorageKey  = "guest"
	guestDisplayName = "Guest"
)

// Identity is either Authenticated or Guest. The zero value is the guest.
type Identity struct {
	userID      string
	displayName string
}

func Guest() Identity {
	return Identity{}
}

// Authenticated returns a signed-in identity. An empty userID yields the guest.
func Authenticated(userID, displayName string) Identity {
	if userID == "" {
		return Guest()
	}
	return Identity{userID: userID, displayName: displayName}
}

func (i Identity) IsGuest() bool {
	return i.userID == ""
}

// UserID is empty for the guest.
func (i Identity) UserID() string {
	return i.userID
}

// DisplayName is used as the author of new commits.
func (i Identity) DisplayName() string {
	if i.IsGuest() {
		return guestDisplayName
	}
	if i.displayName == "" {
		return i.userID
	}
	return i.displayName
}

// StorageKey partitions the local tier between identities.
func (i Identity) StorageKey() string {
	if i.IsGuest() {
		return guestStorageKey
	}
	return i.userID
}

func (i Identity) String() string {
	if i.IsGuest() {
		return "guest"
	}
	return "user:" + i.userID
}

// Provider answers which identity is current for a request or command.
type Provider interface {
	CurrentIdentity(ctx context.Context) (Identity, error)
}

type ctxKey struct{}

func WithIdentity(ctx context.Context, id Identity) context.Context {
	return context.WithValue(ctx, ctxKey{}, id)
}

// FromContext returns the identity stored by WithIdentity, or the guest.
func FromContext(ctx context.Context) Identity {
	if id, ok := ctx.Value(ctxKey{}).(Identity); ok {
		return id
	}
	return Guest()
}

// ContextProvider reads the identity placed on the context by the HTTP layer.
type ContextProvider struct{}

func (ContextProvider) CurrentIdentity(ctx context.Context) (Identity, error) {
	return FromContext(ctx), nil
}
