package middleware // declare the middleware package; contains reusable HTTP middleware functions

import (
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"

	"github.com/generalapi/identity/internal/auth"
)

// AccessTokenAuth returns an Echo middleware that validates an access token
// and injects the token's username into the request context. The token is
// read from the `access_token` cookie that login sets, with an
// Authorization Bearer header accepted as a fallback for non-browser
// clients. Handlers behind this middleware read the identity via
// c.Get("username").
func AccessTokenAuth(codec *auth.TokenCodec) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			raw := ""
			if cookie, err := c.Cookie("access_token"); err == nil && cookie.Value != "" {
				raw = cookie.Value
			} else if h := c.Request().Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
				raw = strings.TrimPrefix(h, "Bearer ")
			}
			if raw == "" {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "missing access token"})
			}

			username, err := codec.Verify(raw)
			if err != nil {
				return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid token"})
			}

			c.Set("username", username)
			return next(c)
		}
	}
}
