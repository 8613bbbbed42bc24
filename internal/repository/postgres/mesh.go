package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"github.com/nadmax/deferd/internal/task"
)

const peerColumns = `
	id, name, location, energy_type, energy_percent_clean, energy_source,
	capacity_cpu_cores, capacity_memory_mb, capacity_disk_mb,
	available_cpu_cores, available_memory_mb, available_disk_mb,
	allowed_tasks, max_task_duration_ms, timezone,
	grid_intensity_g_per_kwh, renewable_percent, last_seen, status`

func scanPeer(row rowScanner) (models.Peer, error) {
	var p models.Peer
	var maxDurationMs int64

	err := row.Scan(
		&p.ID,
		&p.Name,
		&p.Location,
		&p.Energy.Type,
		&p.Energy.PercentClean,
		&p.Energy.Source,
		&p.Capacity.CPUCores,
		&p.Capacity.MemoryMB,
		&p.Capacity.DiskMB,
		&p.Available.CPUCores,
		&p.Available.MemoryMB,
		&p.Available.DiskMB,
		pq.Array(&p.AllowedTasks),
		&maxDurationMs,
		&p.TimeZone,
		&p.GridIntensityGPerKWh,
		&p.RenewablePercent,
		&p.LastSeen,
		&p.Status,
	)
	p.MaxTaskDuration = time.Duration(maxDurationMs) * time.Millisecond
	return p, err
}

func (s *Store) UpsertPeer(ctx context.Context, p *models.Peer) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO peers (`+peerColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			location = EXCLUDED.location,
			energy_type = EXCLUDED.energy_type,
			energy_percent_clean = EXCLUDED.energy_percent_clean,
			energy_source = EXCLUDED.energy_source,
			capacity_cpu_cores = EXCLUDED.capacity_cpu_cores,
			capacity_memory_mb = EXCLUDED.capacity_memory_mb,
			capacity_disk_mb = EXCLUDED.capacity_disk_mb,
			available_cpu_cores = EXCLUDED.available_cpu_cores,
			available_memory_mb = EXCLUDED.available_memory_mb,
			available_disk_mb = EXCLUDED.available_disk_mb,
			allowed_tasks = EXCLUDED.allowed_tasks,
			max_task_duration_ms = EXCLUDED.max_task_duration_ms,
			timezone = EXCLUDED.timezone,
			grid_intensity_g_per_kwh = EXCLUDED.grid_intensity_g_per_kwh,
			renewable_percent = EXCLUDED.renewable_percent,
			last_seen = EXCLUDED.last_seen,
			status = EXCLUDED.status
	`,
		p.ID,
		p.Name,
		p.Location,
		p.Energy.Type,
		p.Energy.PercentClean,
		p.Energy.Source,
		p.Capacity.CPUCores,
		p.Capacity.MemoryMB,
		p.Capacity.DiskMB,
		p.Available.CPUCores,
		p.Available.MemoryMB,
		p.Available.DiskMB,
		textArray(p.AllowedTasks),
		p.MaxTaskDuration.Milliseconds(),
		p.TimeZone,
		p.GridIntensityGPerKWh,
		p.RenewablePercent,
		p.LastSeen,
		string(p.Status),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert peer: %w", err)
	}
	return nil
}

func (s *Store) GetPeer(ctx context.Context, peerID string) (*models.Peer, error) {
	p, err := scanPeer(s.db.QueryRowContext(ctx, `SELECT`+peerColumns+` FROM peers WHERE id = $1`, peerID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) ListPeers(ctx context.Context) ([]models.Peer, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT`+peerColumns+` FROM peers ORDER BY id ASC`)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var peers []models.Peer
	for rows.Next() {
		p, err := scanPeer(rows)
		if err != nil {
			return nil, err
		}
		peers = append(peers, p)
	}
	return peers, rows.Err()
}

// TouchPeer records a heartbeat and brings an offline peer back online.
// Peers in maintenance keep their status.
func (s *Store) TouchPeer(ctx context.Context, peerID string, available models.Resources, seenAt time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers
		SET available_cpu_cores = $1,
		    available_memory_mb = $2,
		    available_disk_mb = $3,
		    last_seen = $4,
		    status = CASE WHEN status = 'maintenance' THEN status ELSE 'online' END
		WHERE id = $5
	`, available.CPUCores, available.MemoryMB, available.DiskMB, seenAt, peerID)
	if err != nil {
		return fmt.Errorf("failed to touch peer: %w", err)
	}
	return notFoundUnlessOne(res)
}

func (s *Store) SetPeerStatus(ctx context.Context, peerID string, status models.PeerStatus) error {
	res, err := s.db.ExecContext(ctx, `UPDATE peers SET status = $1 WHERE id = $2`, string(status), peerID)
	if err != nil {
		return fmt.Errorf("failed to set peer status: %w", err)
	}
	return notFoundUnlessOne(res)
}

func (s *Store) MarkStalePeersOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE peers SET status = 'offline'
		WHERE status = 'online' AND last_seen < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to mark stale peers offline: %w", err)
	}
	return res.RowsAffected()
}

func notFoundUnlessOne(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

func (s *Store) CreateVote(ctx context.Context, v *models.Vote) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO importance_votes (id, task_ref, status, expected_voters, created_at, expires_at, confidence)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, v.ID, v.TaskRef, string(v.Status), textArray(v.ExpectedVoters), v.CreatedAt, v.ExpiresAt, v.Confidence)
	if err != nil {
		return fmt.Errorf("failed to create vote: %w", err)
	}
	return nil
}

const voteColumns = `id, task_ref, status, expected_voters, created_at, expires_at, final_consensus, confidence`

func scanVote(row rowScanner) (models.Vote, error) {
	var v models.Vote
	var consensus sql.NullString

	err := row.Scan(
		&v.ID,
		&v.TaskRef,
		&v.Status,
		pq.Array(&v.ExpectedVoters),
		&v.CreatedAt,
		&v.ExpiresAt,
		&consensus,
		&v.Confidence,
	)
	v.FinalConsensus = models.Importance(consensus.String)
	return v, err
}

func (s *Store) GetVote(ctx context.Context, voteID string) (*models.Vote, error) {
	v, err := scanVote(s.db.QueryRowContext(ctx, `SELECT `+voteColumns+` FROM importance_votes WHERE id = $1`, voteID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, vote_id, voter_id, importance, cast_at
		FROM ballots
		WHERE vote_id = $1
		ORDER BY cast_at ASC
	`, voteID)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	for rows.Next() {
		var b models.Ballot
		if err := rows.Scan(&b.ID, &b.VoteID, &b.VoterID, &b.Importance, &b.CastAt); err != nil {
			return nil, err
		}
		v.Ballots = append(v.Ballots, b)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &v, nil
}

func (s *Store) InsertBallot(ctx context.Context, b models.Ballot) (models.Ballot, bool, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO ballots (id, vote_id, voter_id, importance, cast_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (vote_id, voter_id) DO NOTHING
	`, b.ID, b.VoteID, b.VoterID, string(b.Importance), b.CastAt)
	if err != nil {
		return models.Ballot{}, false, fmt.Errorf("failed to insert ballot: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return models.Ballot{}, false, err
	}
	if affected == 1 {
		return b, true, nil
	}

	var existing models.Ballot
	err = s.db.QueryRowContext(ctx, `
		SELECT id, vote_id, voter_id, importance, cast_at
		FROM ballots
		WHERE vote_id = $1 AND voter_id = $2
	`, b.VoteID, b.VoterID).Scan(&existing.ID, &existing.VoteID, &existing.VoterID, &existing.Importance, &existing.CastAt)
	if err != nil {
		return models.Ballot{}, false, fmt.Errorf("failed to load existing ballot: %w", err)
	}
	return existing, false, nil
}

// ResolveVote closes a vote that is still open. It returns false when another
// caller resolved it first.
func (s *Store) ResolveVote(ctx context.Context, voteID string, status models.VoteStatus, consensus models.Importance, confidence float64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE importance_votes
		SET status = $1, final_consensus = $2, confidence = $3
		WHERE id = $4 AND status = 'voting'
	`, string(status), nullString(string(consensus)), confidence, voteID)
	if err != nil {
		return false, fmt.Errorf("failed to resolve vote: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func (s *Store) ListExpiredVotes(ctx context.Context, now time.Time) ([]models.Vote, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+voteColumns+`
		FROM importance_votes
		WHERE status = 'voting' AND expires_at <= $1
		ORDER BY expires_at ASC
	`, now)
	if err != nil {
		return nil, err
	}
	defer s.closeRows(rows)

	var votes []models.Vote
	for rows.Next() {
		v, err := scanVote(rows)
		if err != nil {
			return nil, err
		}
		votes = append(votes, v)
	}
	return votes, rows.Err()
}

const delegationColumns = `
	id, task_id, from_peer, to_peer, from_user, status, urgency,
	energy_used_wh, carbon_saved_kg, created_at, updated_at, accepted_at, completed_at`

func scanDelegation(row rowScanner) (*models.Delegation, error) {
	var d models.Delegation
	var acceptedAt, completedAt sql.NullTime

	if err := row.Scan(
		&d.ID,
		&d.TaskID,
		&d.FromPeer,
		&d.ToPeer,
		&d.FromUser,
		&d.Status,
		&d.Urgency,
		&d.EnergyUsedWh,
		&d.CarbonSavedKg,
		&d.CreatedAt,
		&d.UpdatedAt,
		&acceptedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	d.AcceptedAt = timePtr(acceptedAt)
	d.CompletedAt = timePtr(completedAt)
	return &d, nil
}

func (s *Store) CreateDelegation(ctx context.Context, d *models.Delegation) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO delegations (`+delegationColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
	`,
		d.ID,
		d.TaskID,
		d.FromPeer,
		d.ToPeer,
		d.FromUser,
		string(d.Status),
		d.Urgency,
		d.EnergyUsedWh,
		d.CarbonSavedKg,
		d.CreatedAt,
		d.UpdatedAt,
		nullTime(d.AcceptedAt),
		nullTime(d.CompletedAt),
	)
	if isUniqueViolation(err) {
		return repository.ErrActiveDelegation
	}
	if err != nil {
		return fmt.Errorf("failed to create delegation: %w", err)
	}
	return nil
}

func (s *Store) GetDelegation(ctx context.Context, delegationID string) (*models.Delegation, error) {
	d, err := scanDelegation(s.db.QueryRowContext(ctx, `SELECT`+delegationColumns+` FROM delegations WHERE id = $1`, delegationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return d, err
}

func (s *Store) GetActiveDelegation(ctx context.Context, taskID string) (*models.Delegation, error) {
	d, err := scanDelegation(s.db.QueryRowContext(ctx, `
		SELECT`+delegationColumns+`
		FROM delegations
		WHERE task_id = $1 AND status IN ('pending', 'accepted', 'executing')
	`, taskID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return d, err
}

func (s *Store) TransitionDelegation(ctx context.Context, delegationID string, allowedFrom []models.DelegationStatus, to models.DelegationStatus) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE delegations
		SET status = $1, updated_at = NOW()
		WHERE id = $2 AND status = ANY($3)
	`, string(to), delegationID, statusArray(allowedFrom))
	if err != nil {
		return false, fmt.Errorf("failed to transition delegation: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected == 1, nil
}

func lockDelegation(ctx context.Context, tx *sql.Tx, delegationID string) (taskID, toPeer string, status models.DelegationStatus, err error) {
	err = tx.QueryRowContext(ctx, `
		SELECT task_id, to_peer, status FROM delegations WHERE id = $1 FOR UPDATE
	`, delegationID).Scan(&taskID, &toPeer, &status)
	if errors.Is(err, sql.ErrNoRows) {
		err = repository.ErrNotFound
	}
	return taskID, toPeer, status, err
}

func (s *Store) AcceptDelegation(ctx context.Context, delegationID, taskID string) (bool, error) {
	var accepted bool

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		owner, _, status, err := lockDelegation(ctx, tx, delegationID)
		if err != nil {
			return err
		}
		if owner != taskID {
			return fmt.Errorf("delegation %s does not hold task %s", delegationID, taskID)
		}
		if status != models.DelegationPending {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE delegations
			SET status = 'accepted', accepted_at = NOW(), updated_at = NOW()
			WHERE id = $1
		`, delegationID); err != nil {
			return fmt.Errorf("failed to accept delegation: %w", err)
		}

		moved, err := transitionTaskTx(ctx, tx, taskID,
			[]task.TaskStatus{task.StatusQueued, task.StatusDeferred}, task.StatusExecuting, nil, nil)
		if err != nil {
			return err
		}
		if !moved {
			return repository.ErrStaleTransition
		}

		accepted = true
		return nil
	})

	return accepted, err
}

func (s *Store) CompleteDelegation(ctx context.Context, delegationID string, carbon *models.CarbonRecord) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		taskID, toPeer, status, err := lockDelegation(ctx, tx, delegationID)
		if err != nil {
			return err
		}
		if status != models.DelegationExecuting {
			return repository.ErrStaleTransition
		}

		var energyWh, savedKg float64
		if carbon != nil {
			energyWh, savedKg = carbon.EnergyUsedWh, carbon.CarbonAvoidedKg
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE delegations
			SET status = 'completed',
			    energy_used_wh = $1,
			    carbon_saved_kg = $2,
			    completed_at = NOW(),
			    updated_at = NOW()
			WHERE id = $3
		`, energyWh, savedKg, delegationID); err != nil {
			return fmt.Errorf("failed to complete delegation: %w", err)
		}

		var watts int
		if err := tx.QueryRowContext(ctx, `SELECT estimated_power_watts FROM tasks WHERE id = $1`, taskID).Scan(&watts); err != nil {
			return fmt.Errorf("failed to load delegated task: %w", err)
		}

		result := map[string]any{"delegated_to": toPeer, "delegation_id": delegationID}
		if err := completeTaskTx(ctx, tx, taskID, result, watts); err != nil {
			return err
		}
		if carbon == nil {
			return nil
		}
		return insertCarbonRecord(ctx, tx, carbon)
	})
}

func (s *Store) FailDelegation(ctx context.Context, delegationID string, reason string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		taskID, _, status, err := lockDelegation(ctx, tx, delegationID)
		if err != nil {
			return err
		}
		if status != models.DelegationExecuting {
			return repository.ErrStaleTransition
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE delegations SET status = 'failed', updated_at = NOW() WHERE id = $1
		`, delegationID); err != nil {
			return fmt.Errorf("failed to fail delegation: %w", err)
		}
		return failTaskTx(ctx, tx, taskID, reason)
	})
}
