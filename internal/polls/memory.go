package polls

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/verified-polls/backend/internal/ledger"
	"github.com/verified-polls/backend/internal/models"
)

// MemoryBackend keeps polls and votes in process memory.
type MemoryBackend struct {
	mu       sync.RWMutex
	polls    map[string]models.Poll
	order    []string
	votes    map[string][]models.Vote
	pollLock map[string]*sync.Mutex
	seedMu   sync.Mutex
}

// NewMemoryBackend creates an empty in-memory backend.
func NewMemoryBackend() *MemoryBackend {
	return &MemoryBackend{
		polls:    make(map[string]models.Poll),
		votes:    make(map[string][]models.Vote),
		pollLock: make(map[string]*sync.Mutex),
	}
}

func (m *MemoryBackend) InsertPoll(_ context.Context, p *models.Poll) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.polls[p.ID]; ok {
		return fmt.Errorf("poll %s already exists", p.ID)
	}
	if code, ok := p.Passcode.Get(); ok {
		for _, existing := range m.polls {
			if existing.Passcode.Matches(code) {
				return models.NewValidationError("passcode", "already in use")
			}
		}
	}
	m.polls[p.ID] = clonePoll(*p)
	m.order = append(m.order, p.ID)
	m.pollLock[p.ID] = &sync.Mutex{}
	return nil
}

func (m *MemoryBackend) PollByID(_ context.Context, id string) (*models.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.polls[id]
	if !ok {
		return nil, fmt.Errorf("poll %s: %w", id, models.ErrNotFound)
	}
	out := clonePoll(p)
	return &out, nil
}

func (m *MemoryBackend) PollByPasscode(_ context.Context, code string) (*models.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, id := range m.order {
		p := m.polls[id]
		if p.Visibility == models.VisibilityPrivate && p.Passcode.Matches(code) {
			out := clonePoll(p)
			return &out, nil
		}
	}
	return nil, fmt.Errorf("passcode: %w", models.ErrNotFound)
}

func (m *MemoryBackend) Polls(_ context.Context) ([]models.Poll, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.Poll, 0, len(m.order))
	for _, id := range m.order {
		out = append(out, clonePoll(m.polls[id]))
	}
	return out, nil
}

// InsertVote holds the poll's lock across check and append, so concurrent votes on one
// poll are serialized while other polls proceed.
func (m *MemoryBackend) InsertVote(_ context.Context, v *models.Vote, check VoteCheck) error {
	m.mu.RLock()
	p, ok := m.polls[v.PollID]
	lock := m.pollLock[v.PollID]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("poll %s: %w", v.PollID, models.ErrNotFound)
	}

	lock.Lock()
	defer lock.Unlock()

	m.mu.RLock()
	existing := cloneVotes(m.votes[v.PollID])
	m.mu.RUnlock()

	if check != nil {
		if err := check(&p, existing); err != nil {
			return err
		}
	}

	m.mu.Lock()
	m.votes[v.PollID] = append(m.votes[v.PollID], cloneVote(*v))
	m.mu.Unlock()
	return nil
}

// WithSeedLock runs fn while holding the backend's seed mutex.
func (m *MemoryBackend) WithSeedLock(ctx context.Context, fn func(ctx context.Context) error) error {
	m.seedMu.Lock()
	defer m.seedMu.Unlock()
	return fn(ctx)
}

func (m *MemoryBackend) VotesForPoll(_ context.Context, pollID string) ([]models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return cloneVotes(m.votes[pollID]), nil
}

func (m *MemoryBackend) VotesByIdentity(_ context.Context, userID, voterID string) ([]models.Vote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Vote
	for _, votes := range m.votes {
		for i := range votes {
			if ledger.CastBy(&votes[i], userID, voterID) {
				out = append(out, cloneVote(votes[i]))
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Timestamp.After(out[j].Timestamp)
	})
	return out, nil
}

func clonePoll(p models.Poll) models.Poll {
	p.Options = append([]string(nil), p.Options...)
	return p
}

func cloneVote(v models.Vote) models.Vote {
	v.Choices = append([]int(nil), v.Choices...)
	return v
}

func cloneVotes(votes []models.Vote) []models.Vote {
	out := make([]models.Vote, len(votes))
	for i, v := range votes {
		out[i] = cloneVote(v)
	}
	return out
}
