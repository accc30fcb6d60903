package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/generalapi/identity/internal/model"
	"github.com/generalapi/identity/internal/repository"
)

func runAPIKeyAuth(t *testing.T, lookup AccountLookup, key string) (*httptest.ResponseRecorder, model.Account) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if key != "" {
		req.Header.Set("X-API-Key", key)
	}
	rec := httptest.NewRecorder()
	c := e.NewContext(req, rec)

	var seen model.Account
	next := func(c echo.Context) error {
		seen, _ = c.Get("account").(model.Account)
		return c.NoContent(http.StatusOK)
	}
	require.NoError(t, APIKeyAuth(lookup)(next)(c))
	return rec, seen
}

func TestAPIKeyAuthAccepted(t *testing.T) {
	lookup := func(_ context.Context, key string) (model.Account, error) {
		if key == "good-key" {
			return model.Account{Username: "alice", Verified: true, Active: true}, nil
		}
		return model.Account{}, repository.ErrNotFound
	}

	rec, acct := runAPIKeyAuth(t, lookup, "good-key")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "alice", acct.Username)
}

func TestAPIKeyAuthUnknownKey(t *testing.T) {
	lookup := func(context.Context, string) (model.Account, error) {
		return model.Account{}, repository.ErrNotFound
	}
	rec, _ := runAPIKeyAuth(t, lookup, "bad-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestAPIKeyAuthMissingHeader(t *testing.T) {
	called := false
	lookup := func(context.Context, string) (model.Account, error) {
		called = true
		return model.Account{}, nil
	}
	rec, _ := runAPIKeyAuth(t, lookup, "")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.False(t, called, "lookup must not run without a key")
}

func TestAPIKeyAuthRejectsInactiveAccount(t *testing.T) {
	lookup := func(context.Context, string) (model.Account, error) {
		return model.Account{Username: "bob", Verified: false, Active: true}, nil
	}
	rec, _ := runAPIKeyAuth(t, lookup, "bobs-key")
	assert.Equal(t, http.StatusForbidden, rec.Code)
}
