package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/xid"
	"golang.org/x/oauth2"

	"github.com/sakif/identity-service/internal/apperror"
	"github.com/sakif/identity-service/internal/auth"
	"github.com/sakif/identity-service/internal/service"
)

const stateCookie = "oauth_state"

// AuthHandler is the HTTP face of the AuthService.
//
// HANDLER RESPONSIBILITIES:
//   - HandleRegister / HandleLogin / HandleRefresh → JSON in, token pair out
//   - HandleValidate      → is this bearer token good?
//   - HandleMe            → the caller's own profile (behind RequireAuth)
//   - HandleOAuthLogin    → redirect the browser to a provider
//   - HandleOAuthCallback → finish the provider handshake and sign in
//
// Handlers decode, call one service method and encode. Every business rule
// lives in the service.
type AuthHandler struct {
	svc       *service.AuthService
	providers *auth.Registry
	logger    *slog.Logger
}

func NewAuthHandler(svc *service.AuthService, providers *auth.Registry, logger *slog.Logger) *AuthHandler {
	return &AuthHandler{
		svc:       svc,
		providers: providers,
		logger:    logger,
	}
}

// HandleRegister creates a local account.
//
// HTTP: POST /auth/register
// Body: {"username","email","password","firstName","lastName","phone"}
func (h *AuthHandler) HandleRegister(w http.ResponseWriter, r *http.Request) {
	var in service.RegisterInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.svc.Register(r.Context(), in)
	if err != nil {
		h.fail(w, r, "register", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleLogin checks a username and password.
//
// HTTP: POST /auth/login
// Body: {"username","password"}
func (h *AuthHandler) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var in service.LoginInput
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}

	result, err := h.svc.Login(r.Context(), in)
	if err != nil {
		h.fail(w, r, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// HandleRefresh trades a refresh token for a new pair.
//
// HTTP: POST /auth/refresh
// Body: {"refreshToken"}
func (h *AuthHandler) HandleRefresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if err := decodeJSON(w, r, &in); err != nil {
		writeError(w, err)
		return
	}
	if in.RefreshToken == "" {
		writeError(w, apperror.ValidationFailed("refreshToken", "refreshToken is required"))
		return
	}

	result, err := h.svc.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		h.fail(w, r, "refresh", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

type validateResponse struct {
	Valid    bool   `json:"valid"`
	Username string `json:"username,omitempty"`
}

// HandleValidate reports whether the bearer token is a live access token.
//
// HTTP: GET /auth/validate
//
// Always 200: the answer is in the body, {"valid": false} for a missing or
// bad token.
func (h *AuthHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	raw, ok := auth.BearerToken(r)
	if !ok {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}

	claims, err := h.svc.ValidateToken(raw)
	if err != nil {
		writeJSON(w, http.StatusOK, validateResponse{Valid: false})
		return
	}
	writeJSON(w, http.StatusOK, validateResponse{Valid: true, Username: claims.Username})
}

// HandleMe returns the caller's profile.
//
// HTTP: GET /auth/me
// Auth: required (RequireAuth puts the claims in the context)
func (h *AuthHandler) HandleMe(w http.ResponseWriter, r *http.Request) {
	claims, ok := auth.ClaimsFromContext(r.Context())
	if !ok {
		writeError(w, apperror.InvalidToken())
		return
	}
	id, err := claims.AccountID()
	if err != nil {
		writeError(w, apperror.InvalidToken())
		return
	}

	profile, err := h.svc.GetProfile(r.Context(), id)
	if err != nil {
		h.fail(w, r, "me", err)
		return
	}
	writeJSON(w, http.StatusOK, profile)
}

// HandleOAuthLogin redirects the browser to the named provider.
//
// HTTP: GET /auth/oauth2/{provider}/login
//
// CSRF PROTECTION VIA STATE:
// A random state goes into a short-lived HttpOnly cookie and into the
// authorization URL. The callback accepts only a state matching the cookie,
// which proves this browser started the flow.
func (h *AuthHandler) HandleOAuthLogin(w http.ResponseWriter, r *http.Request) {
	provider, ok := h.providers.Get(chi.URLParam(r, "provider"))
	if !ok {
		writeError(w, apperror.NotFound("provider", chi.URLParam(r, "provider")))
		return
	}

	state := xid.New().String()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		Path:     "/auth/oauth2",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, provider.AuthURL(state), http.StatusTemporaryRedirect)
}

// HandleOAuthCallback completes the provider handshake.
//
// HTTP: GET /auth/oauth2/callback?provider=xxx&code=yyy&state=zzz
//
// FLOW:
//  1. Check the state against the cookie (single use)
//  2. Exchange the code for the provider's claims
//  3. Resolve the claims to an account and issue a token pair
func (h *AuthHandler) HandleOAuthCallback(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	provider, ok := h.providers.Get(q.Get("provider"))
	if !ok {
		writeError(w, apperror.NotFound("provider", q.Get("provider")))
		return
	}

	// --- Step 1: CSRF state ---
	cookie, err := r.Cookie(stateCookie)
	if err != nil || cookie.Value == "" || q.Get("state") != cookie.Value {
		h.logger.Warn("oauth callback: state mismatch", slog.String("provider", provider.Name()))
		writeError(w, apperror.ValidationFailed("state", "invalid OAuth state"))
		return
	}
	http.SetCookie(w, &http.Cookie{
		Name:   stateCookie,
		Value:  "",
		Path:   "/auth/oauth2",
		MaxAge: -1,
	})

	if errParam := q.Get("error"); errParam != "" {
		h.logger.Info("oauth callback: authorization denied",
			slog.String("provider", provider.Name()),
			slog.String("error", errParam),
		)
		writeError(w, apperror.Forbidden("authorization was denied at the identity provider"))
		return
	}

	code := q.Get("code")
	if code == "" {
		writeError(w, apperror.ValidationFailed("code", "missing OAuth code"))
		return
	}

	// --- Step 2: code exchange ---
	user, err := provider.Exchange(r.Context(), code)
	if err != nil {
		h.logger.Warn("oauth callback: exchange failed",
			slog.String("provider", provider.Name()),
			slog.String("error", err.Error()),
		)
		var retrieveErr *oauth2.RetrieveError
		if errors.As(err, &retrieveErr) {
			writeError(w, apperror.InvalidCredentials())
			return
		}
		writeError(w, apperror.Unavailable(err))
		return
	}

	// --- Step 3: resolve and sign in ---
	result, err := h.svc.LoginFederated(r.Context(), user)
	if err != nil {
		h.fail(w, r, "oauth callback", err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleHealth pings the store.
//
// HTTP: GET /healthz
func (h *AuthHandler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Ready(r.Context()); err != nil {
		h.fail(w, r, "health", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// fail logs server-side failures with their cause, then writes the error.
// Client errors are not logged here; the request logger already has them.
func (h *AuthHandler) fail(w http.ResponseWriter, r *http.Request, op string, err error) {
	if status := statusFor(err); status >= http.StatusInternalServerError {
		h.logger.Error(op+" failed",
			slog.String("path", r.URL.Path),
			slog.String("error", errorChain(err)),
		)
	}
	writeError(w, err)
}
