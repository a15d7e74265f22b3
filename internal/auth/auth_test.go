package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIssuer(t *testing.T) *Issuer {
	t.Helper()
	i, err := NewIssuer("test-secret")
	require.NoError(t, err)
	return i
}

func TestIssueAndParse(t *testing.T) {
	i := newIssuer(t)
	token, err := i.Issue(Identity{UserID: 42, Role: RoleAdmin, Status: StatusActive}, time.Hour)
	require.NoError(t, err)

	id, err := i.Parse(token)
	require.NoError(t, err)
	assert.Equal(t, Identity{UserID: 42, Role: RoleAdmin, Status: StatusActive}, id)
	assert.True(t, id.Active())
}

func TestParseRejects(t *testing.T) {
	i := newIssuer(t)
	other, err := NewIssuer("other-secret")
	require.NoError(t, err)

	foreign, err := other.Issue(Identity{UserID: 1, Status: StatusActive}, time.Hour)
	require.NoError(t, err)

	i.now = func() time.Time { return time.Now().Add(-2 * time.Hour) }
	expired, err := i.Issue(Identity{UserID: 1, Status: StatusActive}, time.Hour)
	require.NoError(t, err)
	i.now = time.Now

	noUser, err := i.Issue(Identity{Status: StatusActive}, time.Hour)
	require.NoError(t, err)

	none := jwt.NewWithClaims(jwt.SigningMethodNone, Claims{UserID: 1, Status: StatusActive})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"garbage", "not-a-token", ErrInvalidToken},
		{"wrong secret", foreign, ErrInvalidToken},
		{"expired", expired, ErrTokenExpired},
		{"missing user", noUser, ErrInvalidToken},
		{"alg none", unsigned, ErrInvalidToken},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := i.Parse(tt.token)
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

func TestNewIssuerRequiresSecret(t *testing.T) {
	_, err := NewIssuer("")
	assert.ErrorIs(t, err, ErrNoSecret)
}

func TestMiddleware(t *testing.T) {
	i := newIssuer(t)
	active, err := i.Issue(Identity{UserID: 5, Role: RoleUser, Status: StatusActive}, time.Hour)
	require.NoError(t, err)
	disabled, err := i.Issue(Identity{UserID: 6, Role: RoleUser, Status: StatusDisabled}, time.Hour)
	require.NoError(t, err)

	writeError := func(w http.ResponseWriter, status int, code, _ string) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(code))
	}
	var seen Identity
	h := Middleware(i, writeError)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = FromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	}))

	tests := []struct {
		name   string
		header string
		status int
		body   string
	}{
		{"no header", "", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"wrong scheme", "Basic abc", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"bad token", "Bearer nope", http.StatusUnauthorized, "UNAUTHORIZED"},
		{"disabled", "Bearer " + disabled, http.StatusForbidden, "USER_DISABLED"},
		{"active", "bearer " + active, http.StatusNoContent, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/conversations", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)
			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.body, rec.Body.String())
		})
	}
	assert.Equal(t, int64(5), seen.UserID)
}
