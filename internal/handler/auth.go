package handler

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/generalapi/identity/internal/auth"
	"github.com/generalapi/identity/internal/config"
	"github.com/generalapi/identity/internal/model"
	"github.com/generalapi/identity/internal/repository"
	"github.com/generalapi/identity/internal/service"
)

// AuthHandler bundles dependencies for the identity endpoints.
type AuthHandler struct {
	Cfg      config.Config
	Identity *service.Identity
	Google   *service.GoogleBridge
}

func NewAuthHandler(cfg config.Config, identity *service.Identity, google *service.GoogleBridge) *AuthHandler {
	return &AuthHandler{Cfg: cfg, Identity: identity, Google: google}
}

// ----- DTOs -----

type registerReq struct {
	Email    string `json:"email"`
	Username string `json:"username"`
	Password string `json:"password"`
}
type loginReq struct {
	Username string `json:"username"`
	Password string `json:"password"`
}
type emailReq struct {
	Email string `json:"email"`
}
type confirmResetReq struct {
	Token       string `json:"token"`
	AccountID   string `json:"account_id"`
	NewPassword string `json:"new_password"`
}

type tokenResp struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
}

type accountResp struct {
	Username string `json:"username"`
	Email    string `json:"email"`
	Verified bool   `json:"verified"`
	Active   bool   `json:"active"`
}

// forgotPasswordMessage is the single response body for forgot-password.
// It never varies with account state so the endpoint cannot be used to
// probe which addresses are registered.
const forgotPasswordMessage = "Password reset email sent"

// ----- cookie helpers -----

func (h *AuthHandler) setTokenCookie(c echo.Context, name string, tok auth.Token) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    tok.Value,
		Path:     "/",
		MaxAge:   int(time.Until(tok.Exp).Seconds()),
		HttpOnly: true,
		Secure:   h.Cfg.Env == "prod",
	})
}

func (h *AuthHandler) clearTokenCookie(c echo.Context, name string) {
	c.SetCookie(&http.Cookie{
		Name:     name,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.Cfg.Env == "prod",
	})
}

func (h *AuthHandler) setSessionCookies(c echo.Context, pair service.TokenPair) {
	h.setTokenCookie(c, "access_token", pair.Access)
	h.setTokenCookie(c, "refresh_token", pair.Refresh)
}

// contextUsername reads the identity injected by the access-token middleware.
func contextUsername(c echo.Context) (string, bool) {
	username, ok := c.Get("username").(string)
	return username, ok && username != ""
}

// Register: create an unverified account and send the verification email.
func (h *AuthHandler) Register(c echo.Context) error {
	var req registerReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	req.Email = strings.ToLower(strings.TrimSpace(req.Email))
	req.Username = strings.TrimSpace(req.Username)
	if req.Email == "" || req.Username == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "email/username/password required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	if err := h.Identity.Register(ctx, req.Email, req.Username, req.Password); err != nil {
		switch {
		case errors.Is(err, service.ErrInvalidEmail):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid email format"})
		case errors.Is(err, repository.ErrUsernameExists):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "username already registered"})
		case errors.Is(err, repository.ErrEmailExists):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "email already registered"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "registration failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "User created successfully, please verify your email to get your API key"})
}

// Login: verify credentials and return a token pair, also delivered as
// http-only cookies.
func (h *AuthHandler) Login(c echo.Context) error {
	var req loginReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Username == "" || req.Password == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "username/password required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	pair, err := h.Identity.Login(ctx, req.Username, req.Password)
	if err != nil {
		if errors.Is(err, service.ErrInvalidCredentials) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid username or password"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "login failed"})
	}

	h.setSessionCookies(c, pair)
	return c.JSON(http.StatusOK, tokenResp{AccessToken: pair.Access.Value, RefreshToken: pair.Refresh.Value})
}

// Logout: revoke the caller's session and clear the token cookies (protected).
func (h *AuthHandler) Logout(c echo.Context) error {
	username, ok := contextUsername(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Identity.Logout(ctx, username); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "logout failed"})
	}

	h.clearTokenCookie(c, "access_token")
	h.clearTokenCookie(c, "refresh_token")
	return c.NoContent(http.StatusNoContent)
}

// Refresh: mint a new access token from the refresh-token cookie. The
// refresh token itself is not rotated.
func (h *AuthHandler) Refresh(c echo.Context) error {
	cookie, err := c.Cookie("refresh_token")
	if err != nil || cookie.Value == "" {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	access, err := h.Identity.Refresh(ctx, cookie.Value)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidToken) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "invalid refresh token"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "refresh failed"})
	}

	h.setTokenCookie(c, "access_token", access)
	return c.JSON(http.StatusOK, echo.Map{"access_token": access.Value})
}

// VerifyEmail: consume a verification token and hand out the account's API key.
func (h *AuthHandler) VerifyEmail(c echo.Context) error {
	token := c.QueryParam("token")
	if token == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid or expired token"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	apiKey, err := h.Identity.VerifyEmail(ctx, token)
	if err != nil {
		if errors.Is(err, service.ErrInvalidOrExpiredToken) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid or expired token"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "verification failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "User verified successfully", "api_key": apiKey})
}

// GetAPIKey: return the caller's API key, issuing one lazily if absent
// (protected, requires verified+active).
func (h *AuthHandler) GetAPIKey(c echo.Context) error {
	return h.apiKey(c, h.Identity.GetAPIKey)
}

// ResetAPIKey: discard the caller's API key and return a fresh one
// (protected, requires verified+active).
func (h *AuthHandler) ResetAPIKey(c echo.Context) error {
	return h.apiKey(c, h.Identity.ResetAPIKey)
}

func (h *AuthHandler) apiKey(c echo.Context, op func(context.Context, string) (string, error)) error {
	username, ok := contextUsername(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	key, err := op(ctx, username)
	if err != nil {
		switch {
		case errors.Is(err, service.ErrInactive):
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "account is inactive or unverified"})
		case errors.Is(err, repository.ErrNotFound):
			// Token outlived the account (swept or deleted).
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "api key operation failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{"api_key": key})
}

// ForgotPassword: start the reset flow. Responds 200 with an identical body
// whether or not the email maps to a usable account.
func (h *AuthHandler) ForgotPassword(c echo.Context) error {
	var req emailReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 10*time.Second)
	defer cancel()

	if err := h.Identity.ForgotPassword(ctx, req.Email); err != nil {
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "password reset failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": forgotPasswordMessage})
}

// ConfirmResetPassword: consume a reset token and store the new password.
func (h *AuthHandler) ConfirmResetPassword(c echo.Context) error {
	var req confirmResetReq
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid body"})
	}
	if req.Token == "" || req.AccountID == "" || req.NewPassword == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "token/account_id/new_password required"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	if err := h.Identity.ConfirmResetPassword(ctx, req.Token, req.AccountID, req.NewPassword); err != nil {
		if errors.Is(err, service.ErrInvalidOrExpiredToken) {
			return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid or expired token"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "password reset failed"})
	}

	return c.JSON(http.StatusOK, echo.Map{"message": "Password reset successful"})
}

// oauthStateCookie carries the CSRF state between consent-screen redirect
// and callback. Ten minutes comfortably covers the consent flow.
const oauthStateCookie = "oauth_state"

// GoogleLogin: return the Google consent-screen URL and pin its state value
// in a short-lived cookie for the callback to check.
func (h *AuthHandler) GoogleLogin(c echo.Context) error {
	url, state, err := h.Google.LoginURL()
	if err != nil {
		return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "google login is not configured"})
	}
	c.SetCookie(&http.Cookie{
		Name:     oauthStateCookie,
		Value:    state,
		Path:     "/",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   h.Cfg.Env == "prod",
	})
	return c.JSON(http.StatusOK, echo.Map{"url": url})
}

// GoogleCallback: exchange the authorization code and sign the user in,
// creating a verified account on first contact. The state echoed back by
// Google must match the cookie set by GoogleLogin.
func (h *AuthHandler) GoogleCallback(c echo.Context) error {
	code := c.QueryParam("code")
	if code == "" {
		return c.JSON(http.StatusBadRequest, echo.Map{"error": "code required"})
	}
	stateCookie, err := c.Cookie(oauthStateCookie)
	if err != nil || stateCookie.Value == "" || c.QueryParam("state") != stateCookie.Value {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "state mismatch"})
	}
	h.clearTokenCookie(c, oauthStateCookie)

	ctx, cancel := context.WithTimeout(c.Request().Context(), 15*time.Second)
	defer cancel()

	pair, err := h.Google.Callback(ctx, code)
	if err != nil {
		if errors.Is(err, service.ErrProviderDisabled) {
			return c.JSON(http.StatusServiceUnavailable, echo.Map{"error": "google login is not configured"})
		}
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "google login failed"})
	}

	h.setSessionCookies(c, pair)
	return c.JSON(http.StatusOK, tokenResp{AccessToken: pair.Access.Value, RefreshToken: pair.Refresh.Value})
}

// Me: return the authenticated account's profile (protected).
func (h *AuthHandler) Me(c echo.Context) error {
	username, ok := contextUsername(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
	}

	ctx, cancel := context.WithTimeout(c.Request().Context(), 5*time.Second)
	defer cancel()

	acct, err := h.Identity.AccountByUsername(ctx, username)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized"})
		}
		return c.JSON(http.StatusInternalServerError, echo.Map{"error": "load account failed"})
	}

	return c.JSON(http.StatusOK, accountResp{
		Username: acct.Username,
		Email:    acct.Email,
		Verified: acct.Verified,
		Active:   acct.Active,
	})
}

// KeyMe: return the profile of the account owning the presented API key.
// Lives behind the X-API-Key middleware and doubles as a self-test endpoint
// for freshly issued keys.
func (h *AuthHandler) KeyMe(c echo.Context) error {
	acct, ok := c.Get("account").(model.Account)
	if !ok {
		return c.JSON(http.StatusForbidden, echo.Map{"error": "invalid API key"})
	}
	return c.JSON(http.StatusOK, accountResp{
		Username: acct.Username,
		Email:    acct.Email,
		Verified: acct.Verified,
		Active:   acct.Active,
	})
}
