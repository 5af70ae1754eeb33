// Package voting is the query and command surface over the poll store: access checks,
// vote submission and cached results.
package voting

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/access"
	"github.com/verified-polls/backend/internal/ledger"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/internal/polls"
	"github.com/verified-polls/backend/pkg/metrics"
	"github.com/verified-polls/backend/pkg/queue"
)

// ResultsCache is the sync cache as seen by the service.
type ResultsCache interface {
	Results(ctx context.Context, pollID string) ([]models.OptionResult, error)
	HasVoted(ctx context.Context, pollID, userID, voterID string) (bool, error)
	MarkVoted(pollID, userID, voterID string)
}

// AwardQueue receives vote-succeeded events for collectibles.
type AwardQueue interface {
	EnqueueAward(ctx context.Context, payload queue.AwardPayload) error
}

// Service implements the poll operations exposed to clients.
type Service struct {
	store   *polls.Store
	cache   ResultsCache
	awards  AwardQueue
	metrics *metrics.Metrics
	logger  *zap.Logger
}

// NewService creates a vote service. awards may be nil when collectibles are disabled.
func NewService(store *polls.Store, cache ResultsCache, awards AwardQueue, m *metrics.Metrics, logger *zap.Logger) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: store, cache: cache, awards: awards, metrics: m, logger: logger}
}

// ListPublicPolls returns the public polls the viewer's tier admits, newest first.
func (s *Service) ListPublicPolls(ctx context.Context, viewer models.Identity, activeOnly bool) ([]models.PollView, error) {
	list, err := s.store.ListPolls(ctx, polls.ListOptions{
		Visibility:     models.VisibilityPublic,
		Viewer:         viewer.VerificationLevel,
		ExcludeExpired: activeOnly,
	})
	if err != nil {
		return nil, err
	}
	out := make([]models.PollView, len(list))
	for i := range list {
		out[i] = s.view(&list[i], viewer)
	}
	return out, nil
}

// GetPoll returns a poll by id if the viewer's tier admits it.
func (s *Service) GetPoll(ctx context.Context, id string, viewer models.Identity) (*models.PollView, error) {
	p, err := s.accessiblePoll(ctx, id, viewer)
	if err != nil {
		return nil, err
	}
	v := s.view(p, viewer)
	return &v, nil
}

// GetPollByPasscode returns the private poll with this passcode if the viewer's tier admits it.
func (s *Service) GetPollByPasscode(ctx context.Context, code string, viewer models.Identity) (*models.PollView, error) {
	p, err := s.store.GetPollByPasscode(ctx, code)
	if err != nil {
		return nil, err
	}
	if !access.CanAccess(p.VerificationLevel, viewer.VerificationLevel) {
		return nil, fmt.Errorf("poll %s requires %s: %w", p.ID, p.VerificationLevel, models.ErrForbidden)
	}
	v := s.view(p, viewer)
	return &v, nil
}

// CreatePoll creates a poll owned by the creator.
func (s *Service) CreatePoll(ctx context.Context, creator models.Identity, in models.PollInput) (*models.Poll, error) {
	in.CreatorID = creator.WalletAddress
	return s.store.CreatePoll(ctx, in)
}

// SubmitVote records the viewer's vote. Checks run in order: poll exists, tier admits the
// viewer, choices are valid, poll has not ended; the store then de-duplicates atomically.
func (s *Service) SubmitVote(ctx context.Context, pollID string, viewer models.Identity, choices []int) (*models.Vote, error) {
	v, err := s.submitVote(ctx, pollID, viewer, choices)
	s.metrics.IncVote(outcome(err))
	return v, err
}

func (s *Service) submitVote(ctx context.Context, pollID string, viewer models.Identity, choices []int) (*models.Vote, error) {
	p, err := s.accessiblePoll(ctx, pollID, viewer)
	if err != nil {
		return nil, err
	}
	if _, err := ledger.ValidateChoices(p, choices); err != nil {
		return nil, err
	}
	if access.Expired(p, s.store.Now()) {
		return nil, fmt.Errorf("poll %s: %w", p.ID, models.ErrPollExpired)
	}

	vote, err := s.store.CreateVote(ctx, models.VoteInput{
		PollID:  p.ID,
		UserID:  viewer.WalletAddress,
		VoterID: viewer.HumanID,
		Choices: choices,
	})
	if err != nil {
		return nil, err
	}

	s.cache.MarkVoted(p.ID, viewer.WalletAddress, viewer.HumanID)
	if s.awards != nil {
		err := s.awards.EnqueueAward(context.WithoutCancel(ctx), queue.AwardPayload{
			PollID:            p.ID,
			PollTitle:         p.Title,
			WalletAddress:     viewer.WalletAddress,
			VerificationLevel: string(viewer.VerificationLevel),
			VotedAt:           vote.Timestamp,
		})
		if err != nil {
			s.logger.Warn("enqueue award", zap.String("poll_id", p.ID), zap.Error(err))
		}
	}
	return vote, nil
}

// GetResults returns per-option results with percentages. Ended polls still report results.
func (s *Service) GetResults(ctx context.Context, pollID string, viewer models.Identity) ([]models.OptionResultView, error) {
	if _, err := s.accessiblePoll(ctx, pollID, viewer); err != nil {
		return nil, err
	}
	results, err := s.cache.Results(ctx, pollID)
	if err != nil {
		return nil, err
	}
	return ledger.Percentages(results), nil
}

// HasVoted reports whether the viewer already has a counted vote on the poll.
func (s *Service) HasVoted(ctx context.Context, pollID string, viewer models.Identity) (bool, error) {
	if viewer.WalletAddress == "" {
		return false, nil
	}
	if _, err := s.store.GetPollByID(ctx, pollID); err != nil {
		return false, err
	}
	return s.cache.HasVoted(ctx, pollID, viewer.WalletAddress, viewer.HumanID)
}

// VoteRecord pairs one of the caller's votes with the poll it was cast on.
type VoteRecord struct {
	Vote models.Vote     `json:"vote"`
	Poll models.PollView `json:"poll"`
}

// MyVotes returns the viewer's votes, matched by wallet or human id, most recent first.
// Votes on anonymous polls are left out.
func (s *Service) MyVotes(ctx context.Context, viewer models.Identity) ([]VoteRecord, error) {
	votes, err := s.store.GetVotesByIdentity(ctx, viewer.WalletAddress, viewer.HumanID)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*models.Poll)
	out := make([]VoteRecord, 0, len(votes))
	for _, v := range votes {
		p, ok := byID[v.PollID]
		if !ok {
			p, err = s.store.GetPollByID(ctx, v.PollID)
			if err != nil && !errors.Is(err, models.ErrNotFound) {
				return nil, err
			}
			byID[v.PollID] = p
		}
		if p == nil || p.Anonymous {
			continue
		}
		out = append(out, VoteRecord{Vote: v, Poll: s.view(p, viewer)})
	}
	return out, nil
}

func (s *Service) accessiblePoll(ctx context.Context, id string, viewer models.Identity) (*models.Poll, error) {
	p, err := s.store.GetPollByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if !access.CanAccess(p.VerificationLevel, viewer.VerificationLevel) {
		return nil, fmt.Errorf("poll %s requires %s: %w", p.ID, p.VerificationLevel, models.ErrForbidden)
	}
	return p, nil
}

// view hides the passcode from everyone but the creator and reports expiry.
func (s *Service) view(p *models.Poll, viewer models.Identity) models.PollView {
	v := models.PollView{Poll: *p, Expired: access.Expired(p, s.store.Now())}
	if viewer.WalletAddress == "" || viewer.WalletAddress != p.CreatorID {
		v.Passcode = models.NoPasscode()
	}
	return v
}

func outcome(err error) string {
	switch {
	case err == nil:
		return "accepted"
	case errors.Is(err, models.ErrDuplicateVote):
		return "duplicate"
	case errors.Is(err, models.ErrPollExpired):
		return "expired"
	case errors.Is(err, models.ErrValidation), errors.Is(err, models.ErrForbidden), errors.Is(err, models.ErrNotFound):
		return "rejected"
	}
	return "error"
}
