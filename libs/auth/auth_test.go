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

func TestHS256RoundTrip(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	token, err := SignHS256(NewClaims("oncall", "operator", now, time.Hour), "test-secret")
	require.NoError(t, err)

	parsed, err := VerifyHS256(token, "test-secret", now.Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, "oncall", parsed.Subject)
	assert.Equal(t, "operator", parsed.Role)
	assert.Equal(t, now.Add(time.Hour).Unix(), parsed.ExpiresAt.Unix())

	_, err = VerifyHS256(token, "wrong-secret", now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = VerifyHS256(token, "test-secret", now.Add(2*time.Hour))
	assert.ErrorIs(t, err, ErrInvalidToken)
	assert.ErrorIs(t, err, jwt.ErrTokenExpired)

	_, err = VerifyHS256("a.b", "test-secret", now)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = SignHS256(NewClaims("oncall", "operator", now, 0), "")
	assert.Error(t, err)
}

func TestVerifyRejectsOtherAlgorithms(t *testing.T) {
	unsigned, err := jwt.NewWithClaims(jwt.SigningMethodNone, NewClaims("x", "operator", time.Now(), 0)).
		SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	_, err = VerifyHS256(unsigned, "test-secret", time.Now())
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestRequireRole(t *testing.T) {
	var seen *Claims
	h := RequireRole("s3cret", "operator", nil)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen, _ = ClaimsFromContext(r.Context())
	}))

	call := func(authz string) int {
		req := httptest.NewRequest(http.MethodGet, "/admin/outbox/failed", nil)
		if authz != "" {
			req.Header.Set("Authorization", authz)
		}
		rw := httptest.NewRecorder()
		h.ServeHTTP(rw, req)
		return rw.Code
	}

	assert.Equal(t, http.StatusUnauthorized, call(""))
	assert.Equal(t, http.StatusUnauthorized, call("Bearer not-a-token"))

	viewer, err := SignHS256(NewClaims("dash", "viewer", time.Now(), time.Hour), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusForbidden, call("Bearer "+viewer))

	op, err := SignHS256(NewClaims("oncall", "operator", time.Now(), time.Hour), "s3cret")
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, call("Bearer "+op))
	require.NotNil(t, seen)
	assert.Equal(t, "oncall", seen.Subject)
}

func TestRequireRoleDisabledWithoutSecret(t *testing.T) {
	h := RequireRole("", "operator", nil)(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))
	rw := httptest.NewRecorder()
	h.ServeHTTP(rw, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rw.Code)
}
