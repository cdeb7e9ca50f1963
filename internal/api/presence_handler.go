package api

import (
	"net/http"
	"sort"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
)

// OnlineDirectory knows which clients hold a gateway connection
type OnlineDirectory interface {
	OnlineClientIDs() []string
	IsClientOnline(clientID string) bool
}

// PresenceHandler answers who is connected to the gateway
type PresenceHandler struct {
	online OnlineDirectory
}

func NewPresenceHandler(online OnlineDirectory) *PresenceHandler {
	return &PresenceHandler{online: online}
}

// ListOnline returns every connected client id. Admin only.
func (h *PresenceHandler) ListOnline(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := auth.RequireAuth(ctx); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if role, _ := auth.GetRole(ctx); role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	ids := h.online.OnlineClientIDs()
	sort.Strings(ids)
	writeJSON(w, http.StatusOK, map[string]interface{}{"clients": ids})
}

// IsOnline reports whether the participant behind {handle} is connected
func (h *PresenceHandler) IsOnline(w http.ResponseWriter, r *http.Request) {
	if _, err := auth.RequireAuth(r.Context()); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	handle, ok := domain.ParseClientID(r.PathValue("handle"))
	if !ok {
		writeError(w, http.StatusBadRequest, "invalid handle")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"handle": handle,
		"online": h.online.IsClientOnline(domain.Identity{Handle: handle}.ClientID()),
	})
}
