package mesh

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/nadmax/deferd/internal/apperrors"
	"github.com/nadmax/deferd/internal/metrics"
	"github.com/nadmax/deferd/internal/repository"
	"github.com/nadmax/deferd/internal/repository/models"
	"go.uber.org/zap"
)

const DefaultVoteDuration = 10 * time.Minute

// Voting collects importance ballots from peers and resolves them to a
// consensus level.
type Voting struct {
	store      repository.VoteRepository
	defaultTTL time.Duration
	now        func() time.Time
	logger     *zap.Logger
}

type VotingOption func(*Voting)

func WithVotingClock(now func() time.Time) VotingOption {
	return func(v *Voting) { v.now = now }
}

func NewVoting(store repository.VoteRepository, defaultTTL time.Duration, logger *zap.Logger, opts ...VotingOption) *Voting {
	if logger == nil {
		logger = zap.NewNop()
	}
	if defaultTTL <= 0 {
		defaultTTL = DefaultVoteDuration
	}

	v := &Voting{
		store:      store,
		defaultTTL: defaultTTL,
		now:        time.Now,
		logger:     logger.Named("voting"),
	}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Open starts a vote on taskRef. An empty voter list lets any peer vote, and
// the vote then only resolves at expiry.
func (v *Voting) Open(ctx context.Context, taskRef string, voters []string, ttl time.Duration) (*models.Vote, error) {
	if taskRef == "" {
		return nil, apperrors.Validation(component, "", "task_ref is required")
	}
	if ttl <= 0 {
		ttl = v.defaultTTL
	}

	now := v.now().UTC()
	vote := &models.Vote{
		ID:             uuid.New().String(),
		TaskRef:        taskRef,
		Status:         models.VoteVoting,
		ExpectedVoters: slices.Compact(slices.Sorted(slices.Values(voters))),
		CreatedAt:      now,
		ExpiresAt:      now.Add(ttl),
	}
	if err := v.store.CreateVote(ctx, vote); err != nil {
		metrics.RecordPersistenceError(component)
		return nil, apperrors.Persistence(component, taskRef, err)
	}

	v.logger.Info("vote opened",
		zap.String("vote_id", vote.ID),
		zap.String("task_ref", taskRef),
		zap.Int("expected_voters", len(vote.ExpectedVoters)),
		zap.Time("expires_at", vote.ExpiresAt),
	)
	return vote, nil
}

func (v *Voting) Get(ctx context.Context, voteID string) (*models.Vote, error) {
	vote, err := v.store.GetVote(ctx, voteID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, apperrors.NotFound(component, "", fmt.Sprintf("vote %s not found", voteID))
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load vote: %w", err)
	}
	return vote, nil
}

// Cast records a ballot. The first ballot of a voter counts; a repeated cast
// returns that original ballot unchanged.
func (v *Voting) Cast(ctx context.Context, voteID, voterID string, importance models.Importance) (models.Ballot, error) {
	if voterID == "" {
		return models.Ballot{}, apperrors.Validation(component, "", "voter_id is required")
	}
	if !importance.Valid() {
		return models.Ballot{}, apperrors.Validation(component, "", fmt.Sprintf("unknown importance %q", importance))
	}

	vote, err := v.Get(ctx, voteID)
	if err != nil {
		return models.Ballot{}, err
	}

	now := v.now().UTC()
	if vote.Status != models.VoteVoting {
		return models.Ballot{}, apperrors.VoteClosed(component, voteID)
	}
	if !now.Before(vote.ExpiresAt) {
		if _, err := v.resolve(ctx, vote); err != nil {
			v.logger.Warn("failed to resolve expired vote", zap.String("vote_id", voteID), zap.Error(err))
		}
		return models.Ballot{}, apperrors.VoteClosed(component, voteID)
	}
	if len(vote.ExpectedVoters) > 0 && !slices.Contains(vote.ExpectedVoters, voterID) {
		return models.Ballot{}, apperrors.Validation(component, "", fmt.Sprintf("%s is not an eligible voter", voterID))
	}

	counted, inserted, err := v.store.InsertBallot(ctx, models.Ballot{
		ID:         uuid.New().String(),
		VoteID:     voteID,
		VoterID:    voterID,
		Importance: importance,
		CastAt:     now,
	})
	if err != nil {
		metrics.RecordPersistenceError(component)
		return models.Ballot{}, apperrors.Persistence(component, "", err)
	}
	if !inserted {
		return counted, nil
	}

	if len(vote.ExpectedVoters) > 0 {
		vote, err = v.Get(ctx, voteID)
		if err != nil {
			return counted, err
		}
		if allVoted(vote) {
			if _, err := v.resolve(ctx, vote); err != nil {
				return counted, err
			}
		}
	}
	return counted, nil
}

func allVoted(vote *models.Vote) bool {
	voted := make(map[string]struct{}, len(vote.Ballots))
	for _, b := range vote.Ballots {
		voted[b.VoterID] = struct{}{}
	}
	for _, id := range vote.ExpectedVoters {
		if _, ok := voted[id]; !ok {
			return false
		}
	}
	return true
}

// Sweep resolves every vote past its expiry.
func (v *Voting) Sweep(ctx context.Context) (int, error) {
	expired, err := v.store.ListExpiredVotes(ctx, v.now().UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to list expired votes: %w", err)
	}

	resolved := 0
	for _, e := range expired {
		vote, err := v.Get(ctx, e.ID)
		if err != nil {
			return resolved, err
		}
		ok, err := v.resolve(ctx, vote)
		if err != nil {
			return resolved, err
		}
		if ok {
			resolved++
		}
	}
	return resolved, nil
}

func (v *Voting) resolve(ctx context.Context, vote *models.Vote) (bool, error) {
	consensus, confidence := Tally(vote.Ballots)
	status := models.VoteConsensus
	if len(vote.Ballots) == 0 {
		status = models.VoteClosed
	}

	ok, err := v.store.ResolveVote(ctx, vote.ID, status, consensus, confidence)
	if err != nil {
		metrics.RecordPersistenceError(component)
		return false, apperrors.Persistence(component, "", err)
	}
	if !ok {
		return false, nil
	}
	metrics.RecordVoteResolved(status)

	v.logger.Info("vote resolved",
		zap.String("vote_id", vote.ID),
		zap.String("status", string(status)),
		zap.String("consensus", string(consensus)),
		zap.Float64("confidence", confidence),
		zap.Int("ballots", len(vote.Ballots)),
	)
	return true, nil
}

// Tally returns the modal importance of ballots, ties going to the higher
// level, and the modal share of all ballots.
func Tally(ballots []models.Ballot) (models.Importance, float64) {
	if len(ballots) == 0 {
		return "", 0
	}

	counts := make(map[models.Importance]int)
	for _, b := range ballots {
		counts[b.Importance]++
	}

	var mode models.Importance
	best := 0
	for imp, n := range counts {
		if n > best || (n == best && imp.Rank() > mode.Rank()) {
			mode, best = imp, n
		}
	}
	return mode, float64(best) / float64(len(ballots))
}
