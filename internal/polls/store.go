// Package polls owns the poll and vote collections. Store is the only writer and the
// serialization point for vote de-duplication.
package polls

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/access"
	"github.com/verified-polls/backend/internal/ledger"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/metrics"
)

const (
	passcodeLength   = 8
	passcodeAlphabet = "ABCDEFGHJKLMNPQRSTUVWXYZ23456789"
)

// ChangeKind names the collection a change notification refers to.
type ChangeKind string

const (
	ChangePolls ChangeKind = "polls"
	ChangeVotes ChangeKind = "votes"
)

// Change is a hint that a collection changed. PollID is set for vote changes.
type Change struct {
	Kind   ChangeKind `json:"kind"`
	PollID string     `json:"poll_id,omitempty"`
	At     time.Time  `json:"at"`
}

// Publisher forwards local changes to other instances.
type Publisher interface {
	PublishChange(ctx context.Context, c Change) error
}

// ListOptions selects polls for ListPolls.
type ListOptions struct {
	Visibility     models.Visibility
	Viewer         models.VerificationLevel
	ExcludeExpired bool
}

// Options configures a Store. Zero values get defaults.
type Options struct {
	RetryAttempts  int
	RetryBaseDelay time.Duration
	Publisher      Publisher
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	Now            func() time.Time
}

type subscriber struct {
	onPolls func()
	onVotes func(pollID string)
}

// Store validates input, assigns ids, retries transient backend failures and notifies subscribers.
type Store struct {
	backend   Backend
	publisher Publisher
	metrics   *metrics.Metrics
	logger    *zap.Logger
	attempts  int
	baseDelay time.Duration
	now       func() time.Time

	mu      sync.RWMutex
	subs    map[uint64]subscriber
	nextSub uint64
}

// NewStore creates a Store over backend.
func NewStore(backend Backend, opts Options) *Store {
	s := &Store{
		backend:   backend,
		publisher: opts.Publisher,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		attempts:  opts.RetryAttempts,
		baseDelay: opts.RetryBaseDelay,
		now:       opts.Now,
		subs:      make(map[uint64]subscriber),
	}
	if s.logger == nil {
		s.logger = zap.NewNop()
	}
	if s.attempts < 1 {
		s.attempts = 3
	}
	if s.baseDelay <= 0 {
		s.baseDelay = 100 * time.Millisecond
	}
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// SetPublisher sets the cross-instance publisher after construction.
func (s *Store) SetPublisher(p Publisher) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publisher = p
}

// Now returns the store clock.
func (s *Store) Now() time.Time {
	return s.now()
}

// CreatePoll validates and persists a new poll.
func (s *Store) CreatePoll(ctx context.Context, in models.PollInput) (*models.Poll, error) {
	p, err := normalizePoll(in)
	if err != nil {
		return nil, err
	}
	if p.Visibility == models.VisibilityPrivate && !p.Passcode.IsSet() {
		code, err := generatePasscode()
		if err != nil {
			return nil, fmt.Errorf("generate passcode: %w", err)
		}
		p.Passcode = models.SomePasscode(code)
	}
	p.ID = uuid.NewString()
	p.CreatedAt = s.now().UTC()

	if err := s.retry(ctx, "create_poll", func() error {
		return s.backend.InsertPoll(ctx, p)
	}); err != nil {
		return nil, err
	}
	s.metrics.IncPollsCreated()
	s.logger.Info("poll created",
		zap.String("poll_id", p.ID),
		zap.String("visibility", string(p.Visibility)),
		zap.String("verification_level", string(p.VerificationLevel)),
	)
	s.notifyLocal(ctx, Change{Kind: ChangePolls, PollID: p.ID, At: s.now()})
	return p, nil
}

// GetPollByID returns the poll or an error matching models.ErrNotFound.
func (s *Store) GetPollByID(ctx context.Context, id string) (*models.Poll, error) {
	if id == "" {
		return nil, fmt.Errorf("poll %q: %w", id, models.ErrNotFound)
	}
	var p *models.Poll
	err := s.retry(ctx, "get_poll", func() error {
		var err error
		p, err = s.backend.PollByID(ctx, id)
		return err
	})
	return p, err
}

// GetPollByPasscode returns the private poll with exactly this passcode. An empty code never matches.
func (s *Store) GetPollByPasscode(ctx context.Context, code string) (*models.Poll, error) {
	code = strings.TrimSpace(code)
	if code == "" {
		return nil, fmt.Errorf("passcode: %w", models.ErrNotFound)
	}
	var p *models.Poll
	err := s.retry(ctx, "get_poll_by_passcode", func() error {
		var err error
		p, err = s.backend.PollByPasscode(ctx, code)
		return err
	})
	if err != nil {
		return nil, err
	}
	if p.Visibility != models.VisibilityPrivate || !p.Passcode.Matches(code) {
		return nil, fmt.Errorf("passcode: %w", models.ErrNotFound)
	}
	return p, nil
}

// ListPolls returns polls of the requested visibility the viewer may access, newest first.
func (s *Store) ListPolls(ctx context.Context, opts ListOptions) ([]models.Poll, error) {
	if opts.Visibility == "" {
		opts.Visibility = models.VisibilityPublic
	}
	var all []models.Poll
	if err := s.retry(ctx, "list_polls", func() error {
		var err error
		all, err = s.backend.Polls(ctx)
		return err
	}); err != nil {
		return nil, err
	}
	return access.Filter(all, opts.Visibility, opts.Viewer, s.now(), opts.ExcludeExpired), nil
}

// CreateVote persists a vote unless the identity already voted on the poll.
// Choices are validated against the poll and stored sorted.
func (s *Store) CreateVote(ctx context.Context, in models.VoteInput) (*models.Vote, error) {
	if strings.TrimSpace(in.UserID) == "" {
		return nil, models.NewValidationError("user_id", "required")
	}
	v := &models.Vote{
		ID:        uuid.NewString(),
		PollID:    in.PollID,
		UserID:    in.UserID,
		VoterID:   in.VoterID,
		Timestamp: s.now().UTC(),
	}
	check := func(p *models.Poll, existing []models.Vote) error {
		choices, err := ledger.ValidateChoices(p, in.Choices)
		if err != nil {
			return err
		}
		if d := ledger.FindDuplicate(existing, in.UserID, in.VoterID); d != nil {
			return fmt.Errorf("poll %s: %w", in.PollID, models.ErrDuplicateVote)
		}
		v.Choices = choices
		return nil
	}
	if err := s.retry(ctx, "create_vote", func() error {
		return s.backend.InsertVote(ctx, v, check)
	}); err != nil {
		return nil, err
	}
	s.logger.Info("vote recorded", zap.String("poll_id", v.PollID), zap.String("vote_id", v.ID))
	s.notifyLocal(ctx, Change{Kind: ChangeVotes, PollID: v.PollID, At: s.now()})
	return v, nil
}

// GetVotesForPoll returns the poll's votes in creation order.
func (s *Store) GetVotesForPoll(ctx context.Context, pollID string) ([]models.Vote, error) {
	var votes []models.Vote
	err := s.retry(ctx, "get_votes", func() error {
		var err error
		votes, err = s.backend.VotesForPoll(ctx, pollID)
		return err
	})
	return votes, err
}

// GetVotesByIdentity returns the votes cast by the wallet or, when voterID is set, by the same
// human on any wallet, most recent first.
func (s *Store) GetVotesByIdentity(ctx context.Context, userID, voterID string) ([]models.Vote, error) {
	if strings.TrimSpace(userID) == "" {
		return nil, models.NewValidationError("user_id", "required")
	}
	var votes []models.Vote
	err := s.retry(ctx, "get_votes_by_identity", func() error {
		var err error
		votes, err = s.backend.VotesByIdentity(ctx, userID, voterID)
		return err
	})
	return votes, err
}

// Subscribe registers change callbacks; either may be nil. Callbacks run synchronously on the
// notifying goroutine and must not block. The returned func unsubscribes.
func (s *Store) Subscribe(onPollsChanged func(), onVotesChanged func(pollID string)) (unsubscribe func()) {
	s.mu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = subscriber{onPolls: onPollsChanged, onVotes: onVotesChanged}
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// HandleRemoteChange delivers a change received from another instance to local subscribers.
func (s *Store) HandleRemoteChange(c Change) {
	s.dispatch(c)
}

// HandleReconnect is called after the change feed lost and regained its connection.
// Notifications may have been missed, so every subscriber is told to re-fetch everything.
func (s *Store) HandleReconnect() {
	s.logger.Info("change feed reconnected, forcing full resync")
	s.dispatch(Change{Kind: ChangePolls, At: s.now()})
}

func (s *Store) notifyLocal(ctx context.Context, c Change) {
	s.dispatch(c)
	s.mu.RLock()
	pub := s.publisher
	s.mu.RUnlock()
	if pub == nil {
		return
	}
	if err := pub.PublishChange(context.WithoutCancel(ctx), c); err != nil {
		s.logger.Warn("publish change", zap.String("kind", string(c.Kind)), zap.Error(err))
	}
}

func (s *Store) dispatch(c Change) {
	s.mu.RLock()
	subs := make([]subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	s.mu.RUnlock()

	for _, sub := range subs {
		switch c.Kind {
		case ChangePolls:
			if sub.onPolls != nil {
				sub.onPolls()
			}
		case ChangeVotes:
			if sub.onVotes != nil {
				sub.onVotes(c.PollID)
			}
		}
	}
}

// retry runs fn up to s.attempts times with exponential backoff. Domain errors are returned
// unchanged on the first occurrence; exhausted retries surface models.ErrUnavailable.
func (s *Store) retry(ctx context.Context, op string, fn func() error) error {
	defer s.metrics.ObserveStoreOp(op, time.Now())

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = s.baseDelay
	eb.MaxElapsedTime = 0
	b := backoff.WithContext(backoff.WithMaxRetries(eb, uint64(s.attempts-1)), ctx)

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := fn()
		if err == nil {
			return nil
		}
		if permanent(err) {
			return backoff.Permanent(err)
		}
		if attempt < s.attempts {
			s.metrics.IncStoreRetry(op)
			s.logger.Warn("store operation failed, retrying",
				zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, b)
	if err == nil || permanent(err) {
		return err
	}
	s.logger.Error("store operation failed", zap.String("op", op), zap.Int("attempts", attempt), zap.Error(err))
	return fmt.Errorf("%s: %w: %w", op, models.ErrUnavailable, err)
}

func permanent(err error) bool {
	return errors.Is(err, models.ErrValidation) ||
		errors.Is(err, models.ErrNotFound) ||
		errors.Is(err, models.ErrDuplicateVote) ||
		errors.Is(err, models.ErrForbidden) ||
		errors.Is(err, models.ErrPollExpired) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

func normalizePoll(in models.PollInput) (*models.Poll, error) {
	if strings.TrimSpace(in.CreatorID) == "" {
		return nil, models.NewValidationError("creator_id", "required")
	}
	title := strings.TrimSpace(in.Title)
	if title == "" {
		return nil, models.NewValidationError("title", "required")
	}
	if n := utf8.RuneCountInString(title); n > models.MaxTitleLength {
		return nil, models.NewValidationError("title", "must be at most %d characters, got %d", models.MaxTitleLength, n)
	}
	if len(in.Options) < models.MinOptions || len(in.Options) > models.MaxOptions {
		return nil, models.NewValidationError("options", "need between %d and %d options, got %d",
			models.MinOptions, models.MaxOptions, len(in.Options))
	}
	options := make([]string, len(in.Options))
	for i, o := range in.Options {
		options[i] = strings.TrimSpace(o)
		if options[i] == "" {
			return nil, models.NewValidationError("options", "option %d is empty", i)
		}
	}

	level := in.VerificationLevel
	if level == "" {
		level = models.LevelNone
	}
	if !level.Valid() {
		return nil, models.NewValidationError("verification_level", "unknown tier %q", level)
	}
	visibility := in.Visibility
	if visibility == "" {
		visibility = models.VisibilityPublic
	}
	if !visibility.Valid() {
		return nil, models.NewValidationError("visibility", "unknown visibility %q", visibility)
	}
	choiceType := in.ChoiceType
	if choiceType == "" {
		choiceType = models.ChoiceSingle
	}
	if !choiceType.Valid() {
		return nil, models.NewValidationError("choice_type", "unknown choice type %q", choiceType)
	}
	if in.EndTime.IsZero() {
		return nil, models.NewValidationError("end_time", "required")
	}

	passcode := models.NoPasscode()
	if visibility == models.VisibilityPrivate {
		if code, ok := in.Passcode.Get(); ok {
			if code = strings.TrimSpace(code); code != "" {
				passcode = models.SomePasscode(code)
			}
		}
	}

	return &models.Poll{
		CreatorID:         strings.TrimSpace(in.CreatorID),
		Title:             title,
		Options:           options,
		VerificationLevel: level,
		Visibility:        visibility,
		Passcode:          passcode,
		Anonymous:         in.Anonymous,
		ChoiceType:        choiceType,
		EndTime:           in.EndTime.UTC(),
	}, nil
}

func generatePasscode() (string, error) {
	buf := make([]byte, passcodeLength)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	for i, b := range buf {
		buf[i] = passcodeAlphabet[int(b)%len(passcodeAlphabet)]
	}
	return string(buf), nil
}
