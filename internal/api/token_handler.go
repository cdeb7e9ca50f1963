package api

import (
	"log/slog"
	"net/http"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
)

// TokenHandler serves token requests to authenticated participants
type TokenHandler struct {
	tokens *auth.TokenService
	logger *slog.Logger
}

func NewTokenHandler(tokens *auth.TokenService, logger *slog.Logger) *TokenHandler {
	return &TokenHandler{
		tokens: tokens,
		logger: logger.With("component", "token_handler"),
	}
}

// IssueToken returns a signed token request for the caller. The capability
// is derived from the role in the caller's access token.
func (h *TokenHandler) IssueToken(w http.ResponseWriter, r *http.Request) {
	handle, err := auth.RequireAuth(r.Context())
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	role, ok := auth.GetRole(r.Context())
	if !ok {
		role = domain.RoleApplicant
	}

	req, err := h.tokens.IssueTokenRequest(handle, role, auth.CapabilityFor(role, handle).String())
	if err != nil {
		h.logger.Error("failed to issue token request", "handle", handle, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to issue token")
		return
	}

	var resp auth.TokenResponse
	resp.Data.TokenRequest = req
	writeJSON(w, http.StatusOK, resp)
}
