package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"go.uber.org/zap"
)

const messageColumns = `
	id, channel, recipient, template, status, priority,
	provider_message_id, sent_at, delivered_at, last_error,
	created_at, updated_at`

// Repository stores message records in Postgres.
type Repository struct {
	db     *DB
	logger *zap.Logger
}

// NewRepository creates a new message repository
func NewRepository(db *DB, logger *zap.Logger) *Repository {
	return &Repository{db: db, logger: logger}
}

// CreateMessage inserts a new message record.
func (r *Repository) CreateMessage(ctx context.Context, rec *MessageRecord) error {
	query := `
		INSERT INTO message_records (
			id, channel, recipient, template, status, priority,
			provider_message_id, sent_at, delivered_at, last_error
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING created_at, updated_at
	`

	err := r.db.Pool().QueryRow(ctx, query,
		rec.ID,
		string(rec.Channel),
		rec.Recipient,
		rec.Template,
		string(rec.Status),
		rec.Priority,
		rec.ProviderMessageID,
		rec.SentAt,
		rec.DeliveredAt,
		rec.LastError,
	).Scan(&rec.CreatedAt, &rec.UpdatedAt)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return ErrDuplicateMessage
		}
		r.logger.Error("failed to create message record",
			zap.Error(err),
			zap.String("message_id", rec.ID),
		)
		return fmt.Errorf("insert message record: %w", err)
	}

	return nil
}

// GetMessage retrieves a message record by id.
func (r *Repository) GetMessage(ctx context.Context, id string) (*MessageRecord, error) {
	row := r.db.Pool().QueryRow(ctx, `SELECT `+messageColumns+` FROM message_records WHERE id = $1`, id)
	rec, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query message record: %w", err)
	}
	return rec, nil
}

// UpdateMessage locks the row, applies fn and writes the result back in one transaction.
// Concurrent updates to the same id serialize on the row lock; other ids are unaffected.
func (r *Repository) UpdateMessage(ctx context.Context, id string, fn func(*MessageRecord) error) (*MessageRecord, error) {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	row := tx.QueryRow(ctx, `SELECT `+messageColumns+` FROM message_records WHERE id = $1 FOR UPDATE`, id)
	rec, err := scanMessage(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrMessageNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("lock message record: %w", err)
	}

	if err := fn(rec); err != nil {
		return nil, err
	}

	err = tx.QueryRow(ctx, `
		UPDATE message_records
		SET status = $1, priority = $2, provider_message_id = $3,
		    sent_at = $4, delivered_at = $5, last_error = $6, updated_at = NOW()
		WHERE id = $7
		RETURNING updated_at
	`,
		string(rec.Status),
		rec.Priority,
		rec.ProviderMessageID,
		rec.SentAt,
		rec.DeliveredAt,
		rec.LastError,
		id,
	).Scan(&rec.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("update message record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit transaction: %w", err)
	}

	r.logger.Debug("message record updated",
		zap.String("message_id", id),
		zap.String("status", string(rec.Status)),
	)

	return rec, nil
}

// ListByRecipient returns the most recent records for a recipient, newest
// first. An empty channel matches every channel.
func (r *Repository) ListByRecipient(ctx context.Context, recipient string, channel Channel, limit, offset int) ([]*MessageRecord, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT `+messageColumns+`
		FROM message_records
		WHERE recipient = $1 AND ($2 = '' OR channel = $2)
		ORDER BY created_at DESC, id
		LIMIT $3 OFFSET $4
	`, recipient, string(channel), limit, offset)
	if err != nil {
		return nil, fmt.Errorf("query message records: %w", err)
	}
	defer rows.Close()

	var out []*MessageRecord
	for rows.Next() {
		rec, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan message record: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func scanMessage(row pgx.Row) (*MessageRecord, error) {
	var (
		rec     MessageRecord
		channel string
		status  string
	)
	err := row.Scan(
		&rec.ID,
		&channel,
		&rec.Recipient,
		&rec.Template,
		&status,
		&rec.Priority,
		&rec.ProviderMessageID,
		&rec.SentAt,
		&rec.DeliveredAt,
		&rec.LastError,
		&rec.CreatedAt,
		&rec.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	rec.Channel = Channel(channel)
	rec.Status = Status(status)
	return &rec, nil
}
