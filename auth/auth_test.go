package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func TestIdentifyJWTRoundTrip(t *testing.T) {
	verifier := NewVerifier("test-secret", "rezrewards", false)
	want := Identity{UserID: uuid.New(), Role: RoleStaff}

	token, err := verifier.Sign(want)
	require.NoError(t, err)

	got, err := verifier.Identify(token)
	require.NoError(t, err)
	require.Equal(t, want.UserID, got.UserID)
	require.Equal(t, RoleStaff, got.Role)
}

func TestIdentifyRejectsWrongSecret(t *testing.T) {
	minter := NewVerifier("secret-a", "rezrewards", false)
	verifier := NewVerifier("secret-b", "rezrewards", false)

	token, err := minter.Sign(Identity{UserID: uuid.New(), Role: RoleUser})
	require.NoError(t, err)
	_, err = verifier.Identify(token)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIdentifyRejectsWrongIssuer(t *testing.T) {
	minter := NewVerifier("secret", "other-service", false)
	verifier := NewVerifier("secret", "rezrewards", false)

	token, err := minter.Sign(Identity{UserID: uuid.New(), Role: RoleUser})
	require.NoError(t, err)
	_, err = verifier.Identify(token)
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestIdentifyDevTokens(t *testing.T) {
	verifier := NewVerifier("secret", "rezrewards", true)
	userID := uuid.New()

	identity, err := verifier.Identify(userID.String() + "|admin")
	require.NoError(t, err)
	require.Equal(t, userID, identity.UserID)
	require.Equal(t, RoleAdmin, identity.Role)

	_, err = verifier.Identify(userID.String() + "|superuser")
	require.ErrorIs(t, err, ErrUnauthenticated)

	// Dev tokens are ignored outside dev mode.
	strict := NewVerifier("secret", "rezrewards", false)
	_, err = strict.Identify(userID.String() + "|admin")
	require.ErrorIs(t, err, ErrUnauthenticated)
}

func TestMiddlewareAndRequireRole(t *testing.T) {
	verifier := NewVerifier("secret", "rezrewards", true)
	userID := uuid.New()

	handler := verifier.Middleware(RequireRole(RoleAdmin)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, ok := FromContext(r.Context())
		require.True(t, ok)
		require.Equal(t, userID, identity.UserID)
		w.WriteHeader(http.StatusNoContent)
	})))

	request := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest(http.MethodGet, "/", nil)
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		rec := httptest.NewRecorder()
		handler.ServeHTTP(rec, req)
		return rec
	}

	require.Equal(t, http.StatusUnauthorized, request("").Code)
	require.Equal(t, http.StatusForbidden, request(userID.String()+"|user").Code)
	require.Equal(t, http.StatusNoContent, request(userID.String()+"|admin").Code)
}
