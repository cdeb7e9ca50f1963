package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/observer/hirechat/internal/auth"
	"github.com/observer/hirechat/internal/database"
	"github.com/observer/hirechat/internal/domain"
	"github.com/observer/hirechat/internal/storage"
)

const (
	uploadURLExpiry   = 15 * time.Minute
	downloadURLExpiry = 7 * 24 * time.Hour
)

// Presigner issues upload and download URLs for objects
type Presigner interface {
	Bucket() string
	GeneratePresignedPutURL(ctx context.Context, objectKey, contentType string, expiry time.Duration) (string, error)
	DownloadURL(ctx context.Context, objectKey string, expiry time.Duration) (string, error)
}

// AttachmentStore records uploads
type AttachmentStore interface {
	CreateAttachment(ctx context.Context, att *domain.Attachment) error
	GetAttachmentByID(ctx context.Context, id string) (*domain.Attachment, error)
	ListByChat(ctx context.Context, chatID int64) ([]*domain.Attachment, error)
}

type UploadHandler struct {
	attachments      AttachmentStore
	storage          Presigner
	maxUploadBytes   int64
	allowedMimeTypes []string
	logger           *slog.Logger
	now              func() time.Time
}

func NewUploadHandler(attachments AttachmentStore, presigner Presigner, maxUploadBytes int64, logger *slog.Logger) *UploadHandler {
	return &UploadHandler{
		attachments:    attachments,
		storage:        presigner,
		maxUploadBytes: maxUploadBytes,
		allowedMimeTypes: []string{
			"image/",
			"application/pdf",
			"application/msword",
			"application/vnd.openxmlformats-officedocument",
			"text/plain",
		},
		logger: logger.With("component", "upload_handler"),
		now:    time.Now,
	}
}

// InitUpload hands out a presigned PUT URL for an image or file message.
// The returned URL is what the sender places in the message content.
func (h *UploadHandler) InitUpload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, err := auth.RequireAuth(ctx)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req domain.UploadInitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.ChatID <= 0 || req.Filename == "" || req.MimeType == "" || req.SizeBytes <= 0 {
		writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}
	if req.SizeBytes > h.maxUploadBytes {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("file too large (max %d bytes)", h.maxUploadBytes))
		return
	}
	if !h.isMimeTypeAllowed(req.MimeType) {
		writeError(w, http.StatusBadRequest, "file type not allowed")
		return
	}

	fileID := uuid.NewString()
	objectKey := storage.ObjectKey(req.ChatID, fileID, req.Filename)
	kind := uploadKind(req.MimeType)

	presignedURL, err := h.storage.GeneratePresignedPutURL(ctx, objectKey, req.MimeType, uploadURLExpiry)
	if err != nil {
		h.logger.Error("failed to presign upload", "object_key", objectKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate upload URL")
		return
	}
	downloadURL, err := h.storage.DownloadURL(ctx, objectKey, downloadURLExpiry)
	if err != nil {
		h.logger.Error("failed to build download URL", "object_key", objectKey, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to generate download URL")
		return
	}

	if h.attachments != nil {
		att := &domain.Attachment{
			ID:        fileID,
			ChatID:    req.ChatID,
			Uploader:  handle,
			Kind:      kind,
			Bucket:    h.storage.Bucket(),
			ObjectKey: objectKey,
			Filename:  req.Filename,
			MimeType:  req.MimeType,
			SizeBytes: req.SizeBytes,
			CreatedAt: h.now(),
		}
		if err := h.attachments.CreateAttachment(ctx, att); err != nil {
			h.logger.Error("failed to record attachment", "file_id", fileID, "error", err)
			writeError(w, http.StatusInternalServerError, "failed to create attachment record")
			return
		}
	}

	writeJSON(w, http.StatusOK, domain.UploadInitResponse{
		FileID:       fileID,
		ObjectKey:    objectKey,
		PresignedURL: presignedURL,
		URL:          downloadURL,
		Kind:         kind,
		RequiredHeaders: map[string]string{
			"Content-Type": req.MimeType,
		},
	})
}

// AttachmentURL returns a fresh download URL for a recorded upload. Only
// the uploader and administrators may ask.
func (h *UploadHandler) AttachmentURL(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, err := auth.RequireAuth(ctx)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	if h.attachments == nil {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}

	att, err := h.attachments.GetAttachmentByID(ctx, r.PathValue("id"))
	if errors.Is(err, database.ErrNotFound) {
		writeError(w, http.StatusNotFound, "attachment not found")
		return
	}
	if err != nil {
		h.logger.Error("failed to load attachment", "file_id", r.PathValue("id"), "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load attachment")
		return
	}

	role, _ := auth.GetRole(ctx)
	if att.Uploader != handle && role != domain.RoleAdmin {
		writeError(w, http.StatusForbidden, "not authorized")
		return
	}

	url, err := h.storage.DownloadURL(ctx, att.ObjectKey, downloadURLExpiry)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to generate download URL")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"fileId":     att.ID,
		"url":        url,
		"filename":   att.Filename,
		"mime_type":  att.MimeType,
		"size_bytes": att.SizeBytes,
		"expires_at": h.now().Add(downloadURLExpiry),
	})
}

// ListAttachments lists the uploads recorded for a chat. Administrators
// see every upload, everyone else only their own.
func (h *UploadHandler) ListAttachments(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	handle, err := auth.RequireAuth(ctx)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	chatID, err := strconv.ParseInt(r.URL.Query().Get("chat_id"), 10, 64)
	if err != nil || chatID <= 0 {
		writeError(w, http.StatusBadRequest, "invalid chat_id")
		return
	}

	out := []*domain.Attachment{}
	if h.attachments == nil {
		writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": out})
		return
	}

	all, err := h.attachments.ListByChat(ctx, chatID)
	if err != nil {
		h.logger.Error("failed to list attachments", "chat_id", chatID, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to list attachments")
		return
	}

	role, _ := auth.GetRole(ctx)
	for _, att := range all {
		if role == domain.RoleAdmin || att.Uploader == handle {
			out = append(out, att)
		}
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"attachments": out})
}

func (h *UploadHandler) isMimeTypeAllowed(mimeType string) bool {
	for _, allowed := range h.allowedMimeTypes {
		if strings.HasPrefix(mimeType, allowed) {
			return true
		}
	}
	return false
}

// uploadKind maps a mime type to the message type the upload is sent as
func uploadKind(mimeType string) domain.UploadKind {
	if strings.HasPrefix(mimeType, "image/") {
		return domain.UploadKindImage
	}
	return domain.UploadKindFile
}
