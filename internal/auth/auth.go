// Package auth resolves who is calling.
package auth

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/xiaot623/gogo/foodchat/internal/domain"
)

// HeaderGuestID carries a guest identity in both directions.
const HeaderGuestID = "X-Guest-ID"

var (
	ErrInvalidToken = errors.New("invalid token")
	ErrAuthDisabled = errors.New("token auth disabled")
)

// Identity is a signed-in user or an anonymous guest.
type Identity struct {
	UserID  string `json:"user_id,omitempty"`
	GuestID string `json:"guest_id,omitempty"`
}

// guestPrefix marks guest principals. User ids never carry it.
const guestPrefix = "guest:"

// Principal returns the owner key used for chats.
func (i Identity) Principal() string {
	if i.UserID != "" {
		return i.UserID
	}
	if i.GuestID != "" {
		return guestPrefix + i.GuestID
	}
	return ""
}

func validUserID(id string) bool {
	return strings.TrimSpace(id) != "" && !strings.HasPrefix(id, guestPrefix)
}

// Guest reports whether the caller is not signed in.
func (i Identity) Guest() bool { return i.UserID == "" }

// ToolContext binds the identity to a chat and run.
func (i Identity) ToolContext(chatID, runID string) domain.ToolContext {
	return domain.ToolContext{UserID: i.UserID, GuestID: i.GuestID, ChatID: chatID, RunID: runID}
}

// Resolver extracts the caller identity from a request.
type Resolver interface {
	Resolve(r *http.Request) (Identity, error)
}

// Claims are the token claims we read.
type Claims struct {
	jwt.RegisteredClaims
}

// TokenResolver accepts HS256 bearer tokens and falls back to the guest
// header. A request without either gets a fresh guest id.
type TokenResolver struct {
	secret []byte
}

var _ Resolver = (*TokenResolver)(nil)

// NewTokenResolver creates a resolver. An empty secret disables tokens.
func NewTokenResolver(secret string) *TokenResolver {
	return &TokenResolver{secret: []byte(secret)}
}

// Resolve implements Resolver.
func (t *TokenResolver) Resolve(r *http.Request) (Identity, error) {
	if header := r.Header.Get("Authorization"); header != "" {
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			return Identity{}, ErrInvalidToken
		}
		userID, err := t.Validate(strings.TrimSpace(token))
		if err != nil {
			return Identity{}, err
		}
		return Identity{UserID: userID}, nil
	}

	guest := strings.TrimSpace(r.Header.Get(HeaderGuestID))
	if guest == "" {
		guest = "guest_" + uuid.New().String()
	}
	return Identity{GuestID: guest}, nil
}

// Validate parses a token and returns its subject.
func (t *TokenResolver) Validate(token string) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrAuthDisabled
	}
	parsed, err := jwt.ParseWithClaims(token, &Claims{}, func(tok *jwt.Token) (any, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return "", ErrInvalidToken
	}
	claims, ok := parsed.Claims.(*Claims)
	if !ok || !parsed.Valid || !validUserID(claims.Subject) {
		return "", ErrInvalidToken
	}
	return claims.Subject, nil
}

// Issue signs a token for userID. A non-positive ttl issues a token that
// does not expire.
func (t *TokenResolver) Issue(userID string, ttl time.Duration) (string, error) {
	if len(t.secret) == 0 {
		return "", ErrAuthDisabled
	}
	if !validUserID(userID) {
		return "", fmt.Errorf("user id %q is empty or reserved", userID)
	}
	claims := Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:  userID,
		IssuedAt: jwt.NewNumericDate(time.Now()),
	}}
	if ttl > 0 {
		claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(ttl))
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ChatOwners looks up chat ownership.
type ChatOwners interface {
	GetChat(ctx context.Context, chatID string) (*domain.Chat, error)
}

// OwnerAuthorizer lets callers see only the chats they own.
type OwnerAuthorizer struct {
	chats ChatOwners
}

// NewOwnerAuthorizer creates an authorizer over chats.
func NewOwnerAuthorizer(chats ChatOwners) *OwnerAuthorizer {
	return &OwnerAuthorizer{chats: chats}
}

// CanView returns domain.ErrChatNotFound for unknown chats and
// domain.ErrForbidden for chats owned by someone else.
func (a *OwnerAuthorizer) CanView(ctx context.Context, id Identity, chatID string) error {
	chat, err := a.chats.GetChat(ctx, chatID)
	if err != nil {
		return fmt.Errorf("failed to get chat: %w", err)
	}
	if chat == nil {
		return domain.ErrChatNotFound
	}
	if chat.UserID != id.Principal() {
		return domain.ErrForbidden
	}
	return nil
}
