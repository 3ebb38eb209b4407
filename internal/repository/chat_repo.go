package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"hackhub-backend/internal/models"
)

type ChatRepo struct {
	pool *pgxpool.Pool
}

func NewChatRepo(pool *pgxpool.Pool) *ChatRepo {
	return &ChatRepo{pool: pool}
}

func (r *ChatRepo) Create(ctx context.Context, rec *models.ChatRecord) error {
	rec.ID = uuid.New()

	query := `INSERT INTO chat_records (id, session_id, author_user_id, author_name, prompt, response, model_tag)
		VALUES ($1, $2, $3, $4, $5, $6, $7) RETURNING created_at`

	return r.pool.QueryRow(ctx, query,
		rec.ID, rec.SessionID, rec.AuthorUserID, rec.AuthorName, rec.Prompt, rec.Response, rec.ModelTag,
	).Scan(&rec.CreatedAt)
}

func (r *ChatRepo) GetByID(ctx context.Context, id uuid.UUID) (*models.ChatRecord, error) {
	query := `SELECT id, session_id, author_user_id, author_name, prompt, response, model_tag, created_at
		FROM chat_records WHERE id = $1`

	return scanChatRecord(r.pool.QueryRow(ctx, query, id))
}

// ListBySession returns the records of a session created after since, oldest first.
func (r *ChatRepo) ListBySession(ctx context.Context, sessionID uuid.UUID, since time.Time) ([]*models.ChatRecord, error) {
	query := `SELECT id, session_id, author_user_id, author_name, prompt, response, model_tag, created_at
		FROM chat_records WHERE session_id = $1 AND created_at > $2
		ORDER BY created_at ASC, id ASC`

	rows, err := r.pool.Query(ctx, query, sessionID, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*models.ChatRecord
	for rows.Next() {
		rec, err := scanChatRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func scanChatRecord(row pgx.Row) (*models.ChatRecord, error) {
	rec := &models.ChatRecord{}
	err := row.Scan(
		&rec.ID, &rec.SessionID, &rec.AuthorUserID, &rec.AuthorName,
		&rec.Prompt, &rec.Response, &rec.ModelTag, &rec.CreatedAt,
	)
	if err != nil {
		return nil, err
	}
	return rec, nil
}
