package repository

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/duynhne/imagegen-service/internal/core/domain"
)

// PgxProvenanceRepository implements domain.ProvenanceRepository using pgxpool.
type PgxProvenanceRepository struct {
	pool *pgxpool.Pool
}

// NewProvenanceRepository creates a new PgxProvenanceRepository.
func NewProvenanceRepository(pool *pgxpool.Pool) *PgxProvenanceRepository {
	return &PgxProvenanceRepository{pool: pool}
}

// MarkGenerated records generated image hashes in one batch.
func (r *PgxProvenanceRepository) MarkGenerated(ctx context.Context, hashes []string) error {
	if len(hashes) == 0 {
		return nil
	}

	batch := &pgx.Batch{}
	for _, h := range hashes {
		batch.Queue(`INSERT INTO generated_images (hash) VALUES ($1) ON CONFLICT (hash) DO NOTHING`, h)
	}

	br := r.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range hashes {
		if _, err := br.Exec(); err != nil {
			return err
		}
	}
	return nil
}

// IsGenerated reports whether hash was produced by the generator.
func (r *PgxProvenanceRepository) IsGenerated(ctx context.Context, hash string) (bool, error) {
	var exists bool
	err := r.pool.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM generated_images WHERE hash = $1)`, hash).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

// RecordReward stores the reward unless hash was already rewarded.
func (r *PgxProvenanceRepository) RecordReward(ctx context.Context, hash, sessionID string, reward domain.UploadReward) (bool, error) {
	query := `
		INSERT INTO upload_rewards (hash, session_id, token, message, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (hash) DO NOTHING
	`
	tag, err := r.pool.Exec(ctx, query, hash, sessionID, reward.Token, reward.Message, reward.Timestamp)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// Rewards returns the rewards recorded for hash keyed by session id.
func (r *PgxProvenanceRepository) Rewards(ctx context.Context, hash string) (map[string]domain.UploadReward, error) {
	rows, err := r.pool.Query(ctx,
		`SELECT session_id, token, message, created_at FROM upload_rewards WHERE hash = $1`, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]domain.UploadReward)
	for rows.Next() {
		var sessionID string
		var reward domain.UploadReward
		if err := rows.Scan(&sessionID, &reward.Token, &reward.Message, &reward.Timestamp); err != nil {
			return nil, err
		}
		out[sessionID] = reward
	}
	return out, rows.Err()
}

// Counts returns the number of generated and rewarded hashes.
func (r *PgxProvenanceRepository) Counts(ctx context.Context) (int, int, error) {
	var generated, rewarded int
	err := r.pool.QueryRow(ctx,
		`SELECT (SELECT COUNT(*) FROM generated_images), (SELECT COUNT(*) FROM upload_rewards)`,
	).Scan(&generated, &rewarded)
	if err != nil {
		return 0, 0, err
	}
	return generated, rewarded, nil
}
