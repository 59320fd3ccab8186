package api

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/watchparty/watchparty/internal/config"
	"github.com/watchparty/watchparty/internal/testutil"
	"github.com/watchparty/watchparty/internal/types"
)

var testSigningKey = []byte("test-signing-key")

func newTestApp(t *testing.T) *App {
	t.Helper()
	return NewApp(
		http.NewServeMux(),
		testutil.TestLogger(t),
		nil,
		&config.Config{
			ServerAddr: "localhost:0",
			SigningKey: testSigningKey,
		},
	)
}

func signToken(t *testing.T, key []byte, claims jwt.MapClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(key)
	require.NoError(t, err)
	return signed
}

func TestIdentityFrom(t *testing.T) {
	tcases := []struct {
		name     string
		ctx      context.Context
		identity types.Identity
		expected bool
	}{
		{
			name:     "no identity",
			ctx:      context.Background(),
			expected: false,
		},
		{
			name: "identity set",
			ctx: WithIdentity(context.Background(), types.Identity{
				UserID: "u1", DisplayName: "Alice",
			}),
			identity: types.Identity{UserID: "u1", DisplayName: "Alice"},
			expected: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, ok := IdentityFrom(tc.ctx)
			assert.Equal(t, tc.expected, ok)
			assert.Equal(t, tc.identity, id)
		})
	}
}

func TestVerifyToken(t *testing.T) {
	app := newTestApp(t)

	tcases := []struct {
		name    string
		token   string
		want    types.Identity
		wantErr bool
	}{
		{
			name: "full claims",
			token: signToken(t, testSigningKey, jwt.MapClaims{
				"user-id":      "u1",
				"email":        "alice@example.com",
				"display-name": "Alice",
				"exp":          time.Now().Add(time.Hour).Unix(),
			}),
			want: types.Identity{UserID: "u1", Email: "alice@example.com", DisplayName: "Alice"},
		},
		{
			name: "display name defaults to user id",
			token: signToken(t, testSigningKey, jwt.MapClaims{
				"user-id": "u1",
				"exp":     time.Now().Add(time.Hour).Unix(),
			}),
			want: types.Identity{UserID: "u1", DisplayName: "u1"},
		},
		{
			name: "missing user id",
			token: signToken(t, testSigningKey, jwt.MapClaims{
				"display-name": "Alice",
				"exp":          time.Now().Add(time.Hour).Unix(),
			}),
			wantErr: true,
		},
		{
			name: "wrong key",
			token: signToken(t, []byte("other-key"), jwt.MapClaims{
				"user-id": "u1",
				"exp":     time.Now().Add(time.Hour).Unix(),
			}),
			wantErr: true,
		},
		{
			name: "expired",
			token: signToken(t, testSigningKey, jwt.MapClaims{
				"user-id": "u1",
				"exp":     time.Now().Add(-time.Hour).Unix(),
			}),
			wantErr: true,
		},
		{
			name:    "garbage",
			token:   "not-a-token",
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			id, err := app.verifyToken(tc.token)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, id)
		})
	}
}

func TestTokenFromRequest(t *testing.T) {
	tcases := []struct {
		name    string
		setup   func(r *http.Request)
		want    string
		wantErr bool
	}{
		{
			name: "bearer header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "Bearer tok123")
			},
			want: "tok123",
		},
		{
			name: "query parameter fallback",
			setup: func(r *http.Request) {
				q := r.URL.Query()
				q.Set("token", "tok456")
				r.URL.RawQuery = q.Encode()
			},
			want: "tok456",
		},
		{
			name: "malformed header",
			setup: func(r *http.Request) {
				r.Header.Set("Authorization", "tok123")
			},
			wantErr: true,
		},
		{
			name:    "no token",
			setup:   func(r *http.Request) {},
			wantErr: true,
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			tc.setup(req)

			got, err := tokenFromRequest(req)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestAuthMiddleware(t *testing.T) {
	app := newTestApp(t)

	okHandler := func(w http.ResponseWriter, r *http.Request) {
		id, ok := IdentityFrom(r.Context())
		if !ok {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.Write([]byte(id.UserID))
	}

	t.Run("valid token", func(t *testing.T) {
		token := signToken(t, testSigningKey, jwt.MapClaims{
			"user-id": "u1",
			"exp":     time.Now().Add(time.Hour).Unix(),
		})

		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer "+token)

		app.authMiddleware(okHandler)(rr, req)

		assert.Equal(t, http.StatusOK, rr.Code)
		assert.Equal(t, "u1", rr.Body.String())
		assert.Equal(t, "no-store, no-cache, must-revalidate, private", rr.Header().Get("Cache-Control"))
	})

	t.Run("missing token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)

		app.authMiddleware(okHandler)(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		rr := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		req.Header.Set("Authorization", "Bearer garbage")

		app.authMiddleware(okHandler)(rr, req)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})
}
