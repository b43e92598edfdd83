package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"leadsheet/internal/errs"
	"leadsheet/internal/model"
)

type MessageRepository struct {
	db *pgxpool.Pool
}

func NewMessageRepository(db *pgxpool.Pool) *MessageRepository {
	return &MessageRepository{db: db}
}

// FindByID loads one inbound message.
func (r *MessageRepository) FindByID(ctx context.Context, id int64) (*model.Message, error) {
	query := `
        SELECT id, address, body, sender_role, contact_name, is_test, processed, created_at
        FROM messages
        WHERE id = $1
    `
	var m model.Message
	err := r.db.QueryRow(ctx, query, id).Scan(
		&m.ID,
		&m.Address,
		&m.Text,
		&m.SenderRole,
		&m.ContactName,
		&m.IsTest,
		&m.Processed,
		&m.CreatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, &errs.NotFoundError{Resource: fmt.Sprintf("message %d", id)}
	}
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// MarkProcessed sets the processed flag and overwrites the status payload.
// Re-invocation overwrites rather than appends, so the mark is idempotent.
func (r *MessageRepository) MarkProcessed(ctx context.Context, id int64, status model.StatusPayload) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return fmt.Errorf("encode status payload: %w", err)
	}
	query := `
        UPDATE messages
        SET processed = TRUE, status = $2, processed_at = $3
        WHERE id = $1
    `
	tag, err := r.db.Exec(ctx, query, id, payload, status.ProcessedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &errs.NotFoundError{Resource: fmt.Sprintf("message %d", id)}
	}
	return nil
}

// CountUnprocessed backs the ops status endpoint; the pipeline never calls it.
func (r *MessageRepository) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM messages WHERE processed = FALSE`).Scan(&n)
	return n, err
}
