package db

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"

	"github.com/bobarin/composer/internal/models"
)

func (db *DB) CreateAsset(ctx context.Context, asset *models.Asset) error {
	query := `
		INSERT INTO assets (
			id, job_id, type, storage_bucket, storage_path,
			content_type, byte_size, duration_seconds
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`

	err := db.QueryRowContext(
		ctx, query,
		asset.ID, asset.JobID, asset.Type, asset.StorageBucket, asset.StoragePath,
		asset.ContentType, asset.ByteSize, asset.DurationSeconds,
	).Scan(&asset.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create asset: %w", err)
	}
	return nil
}

func (db *DB) GetAsset(ctx context.Context, id uuid.UUID) (*models.Asset, error) {
	query := `
		SELECT
			id, job_id, type, storage_bucket, storage_path,
			content_type, byte_size, duration_seconds, created_at
		FROM assets
		WHERE id = $1
	`

	asset := &models.Asset{}
	err := db.QueryRowContext(ctx, query, id).Scan(
		&asset.ID, &asset.JobID, &asset.Type, &asset.StorageBucket,
		&asset.StoragePath, &asset.ContentType, &asset.ByteSize,
		&asset.DurationSeconds, &asset.CreatedAt,
	)

	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("asset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get asset: %w", err)
	}

	return asset, nil
}
