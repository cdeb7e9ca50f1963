package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/observer/hirechat/internal/domain"
)

type AttachmentRepository struct {
	pool *pgxpool.Pool
}

func NewAttachmentRepository(pool *pgxpool.Pool) *AttachmentRepository {
	return &AttachmentRepository{pool: pool}
}

// CreateAttachment records an upload handed out by the upload endpoint
func (r *AttachmentRepository) CreateAttachment(ctx context.Context, att *domain.Attachment) error {
	defer observe(time.Now())

	query := `
		INSERT INTO attachments (id, chat_id, uploader, kind, bucket, object_key, filename, mime_type, size_bytes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	`
	_, err := r.pool.Exec(ctx, query,
		att.ID, att.ChatID, att.Uploader, att.Kind, att.Bucket, att.ObjectKey,
		att.Filename, att.MimeType, att.SizeBytes, att.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create attachment: %w", err)
	}
	return nil
}

// GetAttachmentByID retrieves an attachment by ID
func (r *AttachmentRepository) GetAttachmentByID(ctx context.Context, id string) (*domain.Attachment, error) {
	defer observe(time.Now())

	query := `
		SELECT id::text, chat_id, uploader, kind, bucket, object_key, filename, mime_type, size_bytes, created_at
		FROM attachments
		WHERE id = $1
	`
	var att domain.Attachment
	err := r.pool.QueryRow(ctx, query, id).Scan(
		&att.ID, &att.ChatID, &att.Uploader, &att.Kind, &att.Bucket, &att.ObjectKey,
		&att.Filename, &att.MimeType, &att.SizeBytes, &att.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attachment: %w", err)
	}
	return &att, nil
}

// ListByChat retrieves the attachments uploaded into a chat session
func (r *AttachmentRepository) ListByChat(ctx context.Context, chatID int64) ([]*domain.Attachment, error) {
	defer observe(time.Now())

	query := `
		SELECT id::text, chat_id, uploader, kind, bucket, object_key, filename, mime_type, size_bytes, created_at
		FROM attachments
		WHERE chat_id = $1
		ORDER BY created_at DESC
	`
	rows, err := r.pool.Query(ctx, query, chatID)
	if err != nil {
		return nil, fmt.Errorf("failed to get attachments: %w", err)
	}
	defer rows.Close()

	var attachments []*domain.Attachment
	for rows.Next() {
		var att domain.Attachment
		err := rows.Scan(
			&att.ID, &att.ChatID, &att.Uploader, &att.Kind, &att.Bucket, &att.ObjectKey,
			&att.Filename, &att.MimeType, &att.SizeBytes, &att.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attachment: %w", err)
		}
		attachments = append(attachments, &att)
	}

	return attachments, rows.Err()
}
