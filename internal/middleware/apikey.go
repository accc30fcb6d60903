package middleware

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/generalapi/identity/internal/model"
)

// AccountLookup resolves an API key to its account record.
type AccountLookup func(ctx context.Context, key string) (model.Account, error)

// APIKeyAuth returns an Echo middleware that authenticates requests by the
// X-API-Key header. Unknown keys and keys on unverified or deactivated
// accounts are rejected with 403. The resolved account is stored in the
// context under "account".
func APIKeyAuth(lookup AccountLookup) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			key := c.Request().Header.Get("X-API-Key")
			if key == "" {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid API key"})
			}

			ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
			defer cancel()

			acct, err := lookup(ctx, key)
			if err != nil || !acct.CanUseAPIKeys() {
				return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid API key"})
			}

			c.Set("account", acct)
			return next(c)
		}
	}
}
