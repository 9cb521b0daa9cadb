package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJWT_SignVerify(t *testing.T) {
	j := NewJWT("secret", time.Hour)

	token, err := j.Sign("u1", RoleUser)
	require.NoError(t, err)

	claims, err := j.Verify(token)
	require.NoError(t, err)
	assert.Equal(t, "u1", claims.Subject)
	assert.True(t, claims.CanAccess("u1"))
	assert.False(t, claims.CanAccess("u2"))
}

func TestJWT_Rejects(t *testing.T) {
	j := NewJWT("secret", time.Hour)

	other, err := NewJWT("other", time.Hour).Sign("u1", RoleUser)
	require.NoError(t, err)

	expired := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{RegisteredClaims: jwt.RegisteredClaims{
		Subject:   "u1",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
	}})
	expiredStr, err := expired.SignedString([]byte("secret"))
	require.NoError(t, err)

	noSub, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{}).SignedString([]byte("secret"))
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
	}{
		{name: "garbage", token: "not-a-token"},
		{name: "wrong secret", token: other},
		{name: "expired", token: expiredStr},
		{name: "missing subject", token: noSub},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := j.Verify(tt.token)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestServiceRoleAccessesAnyOwner(t *testing.T) {
	j := NewJWT("secret", 0)
	token, err := j.Sign("producer-1", RoleService)
	require.NoError(t, err)

	claims, err := j.Verify(token)
	require.NoError(t, err)
	assert.True(t, claims.CanAccess("u1"))
	assert.True(t, claims.CanAccess("u2"))
}

func TestRequireAuth(t *testing.T) {
	j := NewJWT("secret", time.Hour)
	token, err := j.Sign("u1", RoleUser)
	require.NoError(t, err)

	var seen *Claims
	h := RequireAuth(j)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
	}))

	tests := []struct {
		name   string
		setup  func(r *http.Request)
		status int
	}{
		{name: "header", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer "+token) }, status: http.StatusOK},
		{name: "query", setup: func(r *http.Request) { r.URL.RawQuery = "access_token=" + token }, status: http.StatusOK},
		{name: "missing", setup: func(r *http.Request) {}, status: http.StatusUnauthorized},
		{name: "invalid", setup: func(r *http.Request) { r.Header.Set("Authorization", "Bearer nope") }, status: http.StatusUnauthorized},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			seen = nil
			r := httptest.NewRequest(http.MethodGet, "/jobs", nil)
			tt.setup(r)
			w := httptest.NewRecorder()

			h.ServeHTTP(w, r)

			assert.Equal(t, tt.status, w.Code)
			if tt.status == http.StatusOK {
				require.NotNil(t, seen)
				assert.Equal(t, "u1", seen.Subject)
			}
		})
	}
}

func TestRequireAuth_NoVerifier(t *testing.T) {
	var seen *Claims
	h := RequireAuth(nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
	}))

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))
	require.NotNil(t, seen)
	assert.True(t, seen.CanAccess("anyone"))
}

func TestRequireRole(t *testing.T) {
	h := RequireRole(RoleService)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

	r := httptest.NewRequest(http.MethodPost, "/jobs/1/progress", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &Claims{Role: RoleUser})))
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = httptest.NewRecorder()
	h.ServeHTTP(w, r.WithContext(WithClaims(r.Context(), &Claims{Role: RoleService})))
	assert.Equal(t, http.StatusOK, w.Code)
}
