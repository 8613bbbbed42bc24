package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/nadmax/deferd/internal/repository/models"
)

func insertDecision(ctx context.Context, db execer, rec *models.DecisionRecord) error {
	reasoning, err := json.Marshal(rec.Reasoning)
	if err != nil {
		return fmt.Errorf("failed to marshal reasoning: %w", err)
	}
	snapshot, err := json.Marshal(rec.Snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO decision_records (
			id, task_id, task_name, verdict, rule, reasoning, snapshot,
			scheduled_for, estimated_watts, previous_decision_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`,
		rec.ID,
		rec.TaskID,
		rec.TaskName,
		string(rec.Verdict),
		rec.Rule,
		reasoning,
		snapshot,
		nullTime(rec.ScheduledFor),
		rec.EstimatedWatts,
		nullString(rec.PreviousDecisionID),
		rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save decision record: %w", err)
	}
	return nil
}

func (s *Store) SaveDecision(ctx context.Context, rec *models.DecisionRecord) error {
	return insertDecision(ctx, s.db, rec)
}

func (s *Store) ListDecisions(ctx context.Context, taskID string) ([]models.DecisionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, task_name, verdict, rule, reasoning, snapshot,
		       scheduled_for, estimated_watts, previous_decision_id, created_at
		FROM decision_records
		WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var records []models.DecisionRecord
	for rows.Next() {
		var rec models.DecisionRecord
		var reasoning, snapshot []byte
		var scheduledFor sql.NullTime
		var previous sql.NullString

		if err := rows.Scan(
			&rec.ID,
			&rec.TaskID,
			&rec.TaskName,
			&rec.Verdict,
			&rec.Rule,
			&reasoning,
			&snapshot,
			&scheduledFor,
			&rec.EstimatedWatts,
			&previous,
			&rec.CreatedAt,
		); err != nil {
			return nil, err
		}

		if err := json.Unmarshal(reasoning, &rec.Reasoning); err != nil {
			return nil, fmt.Errorf("failed to unmarshal reasoning: %w", err)
		}
		if err := json.Unmarshal(snapshot, &rec.Snapshot); err != nil {
			return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
		}
		rec.ScheduledFor = timePtr(scheduledFor)
		rec.PreviousDecisionID = previous.String

		records = append(records, rec)
	}

	return records, rows.Err()
}
