package api

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/domain"
)

const (
	defaultReceiptLimit = 50
	maxReceiptLimit     = 200
)

// ReceiptStore reads persisted read receipts
type ReceiptStore interface {
	ListByChat(ctx context.Context, chatID int64, limit int) ([]domain.ReadReceipt, error)
	IsRead(ctx context.Context, chatID int64, messageID string) (bool, error)
}

// ReceiptHandler exposes stored read receipts
type ReceiptHandler struct {
	receipts ReceiptStore
	logger   *slog.Logger
}

func NewReceiptHandler(receipts ReceiptStore, logger *slog.Logger) *ReceiptHandler {
	return &ReceiptHandler{
		receipts: receipts,
		logger:   logger.With("component", "receipt_handler"),
	}
}

// ListReceipts returns the latest receipts of a chat. Applicants may not
// list receipts.
func (h *ReceiptHandler) ListReceipts(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := auth.RequireAuth(ctx); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if role, _ := auth.GetRole(ctx); role != domain.RoleAdmin && role != domain.RolePublisher {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	q := r.URL.Query()
	chatID, err := strconv.ParseInt(q.Get("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}

	limit := defaultReceiptLimit
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxReceiptLimit)
	}

	receipts, err := h.receipts.ListByChat(ctx, chatID, limit)
	if err != nil {
		h.logger.Error("failed to list receipts", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list receipts")
		return
	}
	if receipts == nil {
		receipts = []domain.ReadReceipt{}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"receipts": receipts})
}

// ReadStatus reports whether a message has been acknowledged by anyone
func (h *ReceiptHandler) ReadStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	if _, err := auth.RequireAuth(ctx); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	q := r.URL.Query()
	chatID, err := strconv.ParseInt(q.Get("chat_id"), 10, 64)
	messageID := q.Get("message_id")
	if err != nil || chatID <= 0 || messageID == "" {
		writeError(w, http.StatusBadRequest, "chat_id and message_id are required")
		return
	}

	read, err := h.receipts.IsRead(ctx, chatID, messageID)
	if err != nil {
		h.logger.Error("failed to check read status", "chat_id", chatID, "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to check read status")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"chat_id":    chatID,
		"message_id": messageID,
		"read":       read,
	})
}
