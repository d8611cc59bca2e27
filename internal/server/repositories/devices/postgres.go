package devices

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/dmitrijs2005/budgetsync/internal/common"
	"github.com/dmitrijs2005/budgetsync/internal/dbx"
	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

type PostgresRepository struct {
	db dbx.DBTX
}

func NewPostgresRepository(db dbx.DBTX) *PostgresRepository {
	return &PostgresRepository{db: db}
}

func (r *PostgresRepository) Get(ctx context.Context, userID, deviceID string) (*models.DeviceState, error) {
	query := `SELECT last_sequence, last_sync_at FROM device_states WHERE user_id = $1 AND device_id = $2`

	s := &models.DeviceState{UserID: userID, DeviceID: deviceID}
	err := r.db.QueryRowContext(ctx, query, userID, deviceID).Scan(&s.LastSequence, &s.LastSyncAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, common.ErrNotFound
		}
		return nil, fmt.Errorf("db error: %w", err)
	}
	return s, nil
}

func (r *PostgresRepository) Upsert(ctx context.Context, s *models.DeviceState) error {
	query := `INSERT INTO device_states (user_id, device_id, last_sequence, last_sync_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (user_id, device_id) DO UPDATE
		SET last_sequence = GREATEST(device_states.last_sequence, EXCLUDED.last_sequence),
			last_sync_at = EXCLUDED.last_sync_at`
	if _, err := r.db.ExecContext(ctx, query, s.UserID, s.DeviceID, s.LastSequence, s.LastSyncAt); err != nil {
		return fmt.Errorf("db error: %w", err)
	}
	return nil
}
