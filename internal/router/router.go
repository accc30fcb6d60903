package router // package router defines how HTTP routes are registered for the API

import (
	"github.com/labstack/echo/v4"
	"github.com/redis/go-redis/v9"

	"github.com/generalapi/identity/internal/auth"
	"github.com/generalapi/identity/internal/config"
	"github.com/generalapi/identity/internal/handler"
	"github.com/generalapi/identity/internal/middleware"
)

// RegisterRoutes registers routes that require no authentication beyond rate
// limiting. Currently it exposes only a health check.
func RegisterRoutes(e *echo.Echo) {
	e.GET("/healthz", handler.Health)
}

// RegisterAuth registers the identity endpoints and their middleware.
// Unauthenticated operations live under /v1/auth, access-token protected
// endpoints under /v1, and API-key protected endpoints under /v1/key.
func RegisterAuth(e *echo.Echo, a *handler.AuthHandler, codec *auth.TokenCodec, rlCfg config.RateLimitConfig, rdb *redis.Client) {
	// Credential endpoints are the ones worth brute forcing, so the token
	// bucket sits on this group only.
	g := e.Group("/v1/auth", middleware.NewTokenBucket(rlCfg, rdb))
	g.POST("/register", a.Register)
	g.POST("/login", a.Login)
	g.GET("/refresh", a.Refresh)
	g.GET("/verify-email", a.VerifyEmail)
	g.POST("/forgot-password", a.ForgotPassword)
	g.POST("/confirm-reset-password", a.ConfirmResetPassword)
	g.GET("/google/login", a.GoogleLogin)
	g.POST("/google/callback", a.GoogleCallback)

	// Endpoints that require a valid access token, supplied either as the
	// access_token cookie set by login or as an Authorization bearer.
	sess := e.Group("/v1")
	sess.Use(middleware.AccessTokenAuth(codec))
	sess.POST("/logout", a.Logout)
	sess.GET("/me", a.Me)
	sess.GET("/get-api-key", a.GetAPIKey)
	sess.GET("/reset-api-key", a.ResetAPIKey)

	// Endpoints authenticated by API key, the credential this service hands
	// out. The rest of the API hub guards its data endpoints the same way.
	key := e.Group("/v1/key")
	key.Use(middleware.APIKeyAuth(a.Identity.AccountByAPIKey))
	key.GET("/me", a.KeyMe)
}
