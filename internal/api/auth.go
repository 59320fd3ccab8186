package api

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/golang-jwt/jwt"

	"github.com/watchparty/watchparty/internal/types"
)

// Identity issuance (magic link, anonymous sign-in) is the identity
// provider's business; this server only verifies the tokens it minted.
const (
	userIDClaim      = "user-id"
	emailClaim       = "email"
	displayNameClaim = "display-name"
)

type contextKey string

const identityKey contextKey = "identity"

func WithIdentity(ctx context.Context, id types.Identity) context.Context {
	return context.WithValue(ctx, identityKey, id)
}

func IdentityFrom(ctx context.Context) (types.Identity, bool) {
	id, ok := ctx.Value(identityKey).(types.Identity)
	return id, ok
}

func (s *App) verifyToken(tokenString string) (types.Identity, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return s.signingKey, nil
	})
	if err != nil {
		return types.Identity{}, fmt.Errorf("parse token: %w", err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return types.Identity{}, fmt.Errorf("invalid token claims")
	}

	userID, ok := claims[userIDClaim].(string)
	if !ok || userID == "" {
		return types.Identity{}, fmt.Errorf("invalid %s claim", userIDClaim)
	}

	id := types.Identity{UserID: userID}
	if email, ok := claims[emailClaim].(string); ok {
		id.Email = email
	}
	if name, ok := claims[displayNameClaim].(string); ok && name != "" {
		id.DisplayName = name
	} else {
		id.DisplayName = userID
	}

	return id, nil
}

// tokenFromRequest pulls the bearer token from the Authorization header,
// falling back to a query parameter for browser websocket clients, which
// cannot set headers on the upgrade request.
func tokenFromRequest(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		parts := strings.SplitN(h, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") {
			return parts[1], nil
		}
		return "", fmt.Errorf("malformed authorization header")
	}

	if t := r.URL.Query().Get("token"); t != "" {
		return t, nil
	}

	return "", fmt.Errorf("no token")
}

func (s *App) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		tokenString, err := tokenFromRequest(r)
		if err != nil {
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		identity, err := s.verifyToken(tokenString)
		if err != nil {
			s.log.Printf("failed to verify token: %v", err)
			errResp := NewUnauthorizedError()
			s.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		ctx := WithIdentity(r.Context(), identity)
		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")

		next(w, r.WithContext(ctx))
	}
}
