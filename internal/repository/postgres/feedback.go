package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
)

func (s *Store) SaveFeedback(ctx context.Context, f *models.Feedback) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO feedback (id, task_id, kind, note, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, f.ID, f.TaskID, string(f.Kind), f.Note, f.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save feedback: %w", err)
	}
	return nil
}

func (s *Store) ListFeedback(ctx context.Context, taskID string) ([]models.Feedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, kind, note, created_at
		FROM feedback
		WHERE task_id = $1
		ORDER BY created_at ASC
	`, taskID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var out []models.Feedback
	for rows.Next() {
		var f models.Feedback
		if err := rows.Scan(&f.ID, &f.TaskID, &f.Kind, &f.Note, &f.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

const feedbackCounts = `
	COUNT(*) FILTER (WHERE f.kind = 'necessary'),
	COUNT(*) FILTER (WHERE f.kind = 'avoidable'),
	COUNT(*) FILTER (WHERE f.kind = 'optimizable')`

func (s *Store) CountFeedback(ctx context.Context, taskName string) (models.LearnedPattern, error) {
	p := models.LearnedPattern{TaskName: taskName}

	err := s.db.QueryRowContext(ctx, `
		SELECT`+feedbackCounts+`, NOW()
		FROM feedback f
		JOIN tasks t ON t.id = f.task_id
		WHERE t.name = $1
	`, taskName).Scan(&p.Necessary, &p.Avoidable, &p.Optimizable, &p.UpdatedAt)
	if err != nil {
		return p, fmt.Errorf("failed to count feedback: %w", err)
	}
	return p, nil
}

func (s *Store) RecomputePatterns(ctx context.Context) ([]models.LearnedPattern, error) {
	var patterns []models.LearnedPattern

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM learned_patterns`); err != nil {
			return fmt.Errorf("failed to clear learned patterns: %w", err)
		}

		rows, err := tx.QueryContext(ctx, `
			INSERT INTO learned_patterns (task_name, necessary, avoidable, optimizable, updated_at)
			SELECT t.name,`+feedbackCounts+`, NOW()
			FROM feedback f
			JOIN tasks t ON t.id = f.task_id
			GROUP BY t.name
			RETURNING task_name, necessary, avoidable, optimizable, updated_at
		`)
		if err != nil {
			return fmt.Errorf("failed to rebuild learned patterns: %w", err)
		}
		defer s.closeRows(rows)

		for rows.Next() {
			var p models.LearnedPattern
			if err := rows.Scan(&p.TaskName, &p.Necessary, &p.Avoidable, &p.Optimizable, &p.UpdatedAt); err != nil {
				return err
			}
			patterns = append(patterns, p)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}

	return patterns, nil
}

func (s *Store) UpsertPattern(ctx context.Context, p models.LearnedPattern) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO learned_patterns (task_name, necessary, avoidable, optimizable, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (task_name) DO UPDATE SET
			necessary = EXCLUDED.necessary,
			avoidable = EXCLUDED.avoidable,
			optimizable = EXCLUDED.optimizable,
			updated_at = EXCLUDED.updated_at
	`, p.TaskName, p.Necessary, p.Avoidable, p.Optimizable, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("failed to upsert learned pattern: %w", err)
	}
	return nil
}

func (s *Store) GetPattern(ctx context.Context, taskName string) (*models.LearnedPattern, error) {
	var p models.LearnedPattern

	err := s.db.QueryRowContext(ctx, `
		SELECT task_name, necessary, avoidable, optimizable, updated_at
		FROM learned_patterns
		WHERE task_name = $1
	`, taskName).Scan(&p.TaskName, &p.Necessary, &p.Avoidable, &p.Optimizable, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}
