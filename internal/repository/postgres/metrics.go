package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/nadmax/deferd/internal/repository/models"
)

func (s *Store) SaveSystemMetric(ctx context.Context, m *models.SystemMetric) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO system_metrics (id, cpu_percent, memory_percent, off_peak, sampled_at)
		VALUES ($1, $2, $3, $4, $5)
	`, m.ID, m.CPUPercent, m.MemoryPercent, m.OffPeak, m.SampledAt)
	if err != nil {
		return fmt.Errorf("failed to save system metric: %w", err)
	}
	return nil
}

func (s *Store) PruneSystemMetrics(ctx context.Context, before time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM system_metrics WHERE sampled_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to prune system metrics: %w", err)
	}
	return res.RowsAffected()
}

func (s *Store) SaveWhitelistOverride(ctx context.Context, o models.WhitelistOverride) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO whitelist_overrides (task_name, action, created_at)
		VALUES ($1, $2, $3)
	`, o.TaskName, string(o.Action), o.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save whitelist override: %w", err)
	}
	return nil
}

// ListWhitelistOverrides returns overrides in the order they were applied.
func (s *Store) ListWhitelistOverrides(ctx context.Context) ([]models.WhitelistOverride, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT task_name, action, created_at
		FROM whitelist_overrides
		ORDER BY id ASC
	`)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var out []models.WhitelistOverride
	for rows.Next() {
		var o models.WhitelistOverride
		if err := rows.Scan(&o.TaskName, &o.Action, &o.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}
