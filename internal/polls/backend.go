package polls

import (
	"context"

	"github.com/verified-polls/backend/internal/models"
)

// VoteCheck inspects the poll and its existing votes inside the backend's atomic section
// and returns an error to abort the insert.
type VoteCheck func(p *models.Poll, existing []models.Vote) error

// Backend persists polls and votes. Implementations return models.ErrNotFound for missing
// rows and models.ErrDuplicateVote when a uniqueness constraint rejects a vote; any other
// error is treated as transient by the Store.
type Backend interface {
	InsertPoll(ctx context.Context, p *models.Poll) error
	PollByID(ctx context.Context, id string) (*models.Poll, error)
	PollByPasscode(ctx context.Context, code string) (*models.Poll, error)
	Polls(ctx context.Context) ([]models.Poll, error)
	// InsertVote runs check and, if it passes, persists v. Check and insert are atomic
	// with respect to other InsertVote calls on the same poll.
	InsertVote(ctx context.Context, v *models.Vote, check VoteCheck) error
	// VotesForPoll returns the poll's votes in creation order.
	VotesForPoll(ctx context.Context, pollID string) ([]models.Vote, error)
	// VotesByIdentity returns votes cast by the wallet or, when voterID is set, by the same
	// human, most recent first.
	VotesByIdentity(ctx context.Context, userID, voterID string) ([]models.Vote, error)
}

// SeedLocker is implemented by backends that serialize sample-data seeding. Seed runs its
// empty check and inserts inside fn, so concurrent seeders see each other's data.
type SeedLocker interface {
	WithSeedLock(ctx context.Context, fn func(ctx context.Context) error) error
}
