package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
)

// insertCarbonRecord writes at most one record per task.
func insertCarbonRecord(ctx context.Context, db execer, c *models.CarbonRecord) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO carbon_records (
			id, task_id, peer_id, grid_intensity_g_per_kwh, renewable_percent,
			energy_used_wh, carbon_emitted_kg, carbon_avoided_kg, executed_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (task_id) DO NOTHING
	`,
		c.ID,
		c.TaskID,
		c.PeerID,
		c.GridIntensityGPerKWh,
		c.RenewablePercent,
		c.EnergyUsedWh,
		c.CarbonEmittedKg,
		c.CarbonAvoidedKg,
		c.ExecutedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save carbon record: %w", err)
	}
	return nil
}

func (s *Store) GetCarbonRecord(ctx context.Context, taskID string) (*models.CarbonRecord, error) {
	var c models.CarbonRecord

	err := s.db.QueryRowContext(ctx, `
		SELECT id, task_id, peer_id, grid_intensity_g_per_kwh, renewable_percent,
		       energy_used_wh, carbon_emitted_kg, carbon_avoided_kg, executed_at
		FROM carbon_records
		WHERE task_id = $1
	`, taskID).Scan(
		&c.ID,
		&c.TaskID,
		&c.PeerID,
		&c.GridIntensityGPerKWh,
		&c.RenewablePercent,
		&c.EnergyUsedWh,
		&c.CarbonEmittedKg,
		&c.CarbonAvoidedKg,
		&c.ExecutedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

func (s *Store) EnergySummary(ctx context.Context, since time.Time) (models.EnergySummary, error) {
	var sum models.EnergySummary

	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
		       COALESCE(SUM(energy_used_wh), 0),
		       COALESCE(SUM(carbon_emitted_kg), 0),
		       COALESCE(SUM(carbon_avoided_kg), 0),
		       COALESCE(AVG(renewable_percent), 0)
		FROM carbon_records
		WHERE executed_at >= $1
	`, since).Scan(
		&sum.TasksExecuted,
		&sum.TotalEnergyWh,
		&sum.TotalEmittedKg,
		&sum.TotalAvoidedKg,
		&sum.AvgRenewablePercent,
	)
	if err != nil {
		return sum, fmt.Errorf("failed to summarize energy: %w", err)
	}
	return sum, nil
}
