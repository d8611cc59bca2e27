// Package devices tracks per-device sync progress.
package devices

import (
	"context"

	"github.com/dmitrijs2005/budgetsync/internal/server/models"
)

type Repository interface {
	// Get returns the state or common.ErrNotFound for a device that never pulled.
	Get(ctx context.Context, userID, deviceID string) (*models.DeviceState, error)
	// Upsert records progress. LastSequence never moves backwards.
	Upsert(ctx context.Context, s *models.DeviceState) error
}
