package repository

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// PgxAuditRepository implements domain.AuditRepository using pgxpool.
type PgxAuditRepository struct {
	pool *pgxpool.Pool
}

// NewAuditRepository creates a new PgxAuditRepository.
func NewAuditRepository(pool *pgxpool.Pool) *PgxAuditRepository {
	return &PgxAuditRepository{pool: pool}
}

// Append inserts one audit record.
func (r *PgxAuditRepository) Append(ctx context.Context, rec domain.AuditRecord) error {
	outcomes, err := json.Marshal(rec.Outcomes)
	if err != nil {
		return fmt.Errorf("encode outcomes: %w", err)
	}

	query := `
		INSERT INTO generation_audit
			(session_id, prompt, final_prompt, negative_prompt, model, image_count, outcomes, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err = r.pool.Exec(ctx, query,
		rec.SessionID, rec.Prompt, rec.FinalPrompt, rec.NegativePrompt,
		rec.Model, rec.Count, string(outcomes), rec.CreatedAt,
	)
	return err
}
