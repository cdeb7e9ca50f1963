package database

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/observer/hirechat/internal/domain"
)

type ReceiptRepository struct {
	pool *pgxpool.Pool
}

func NewReceiptRepository(pool *pgxpool.Pool) *ReceiptRepository {
	return &ReceiptRepository{pool: pool}
}

// SaveReceipts inserts receipts in one batch. Receipts already stored for
// the same (chat, message, reader) are skipped. Returns the number inserted.
func (r *ReceiptRepository) SaveReceipts(ctx context.Context, receipts []domain.ReadReceipt) (int, error) {
	if len(receipts) == 0 {
		return 0, nil
	}
	defer observe(time.Now())

	query := `
		INSERT INTO read_receipts (chat_id, message_id, reader, read_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (chat_id, message_id, reader) DO NOTHING
	`
	batch := &pgx.Batch{}
	for _, rc := range receipts {
		batch.Queue(query, rc.ChatID, rc.MessageID, rc.Reader, rc.ReadAt)
	}

	results := r.pool.SendBatch(ctx, batch)
	defer results.Close()

	inserted := 0
	for range receipts {
		tag, err := results.Exec()
		if err != nil {
			return inserted, fmt.Errorf("failed to save read receipt: %w", err)
		}
		inserted += int(tag.RowsAffected())
	}
	return inserted, nil
}

// ListByChat returns the receipts of a chat, most recent first
func (r *ReceiptRepository) ListByChat(ctx context.Context, chatID int64, limit int) ([]domain.ReadReceipt, error) {
	defer observe(time.Now())

	query := `
		SELECT chat_id, message_id, reader, read_at
		FROM read_receipts
		WHERE chat_id = $1
		ORDER BY read_at DESC
		LIMIT $2
	`
	rows, err := r.pool.Query(ctx, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list read receipts: %w", err)
	}

	receipts, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.ReadReceipt, error) {
		var rc domain.ReadReceipt
		err := row.Scan(&rc.ChatID, &rc.MessageID, &rc.Reader, &rc.ReadAt)
		return rc, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan read receipt: %w", err)
	}
	return receipts, nil
}

// IsRead reports whether any reader acknowledged messageID in chatID
func (r *ReceiptRepository) IsRead(ctx context.Context, chatID int64, messageID string) (bool, error) {
	defer observe(time.Now())

	var read bool
	err := r.pool.QueryRow(ctx,
		`SELECT EXISTS(SELECT 1 FROM read_receipts WHERE chat_id = $1 AND message_id = $2)`,
		chatID, messageID,
	).Scan(&read)
	if err != nil {
		return false, fmt.Errorf("failed to check read receipt: %w", err)
	}
	return read, nil
}
