package polls

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/models"
)

const demoCreator = "0x7890123456789012345678901234567890123456"

// Seed inserts demo polls and votes when the store holds no polls yet. On backends that
// implement SeedLocker the check and inserts run under the seed lock, and an instance that
// finds data already present skips quietly.
func Seed(ctx context.Context, s *Store) error {
	locker, ok := s.backend.(SeedLocker)
	if !ok {
		return seed(ctx, s)
	}
	return locker.WithSeedLock(ctx, func(ctx context.Context) error {
		return seed(ctx, s)
	})
}

func seed(ctx context.Context, s *Store) error {
	var existing []models.Poll
	if err := s.retry(ctx, "seed_check", func() error {
		var err error
		existing, err = s.backend.Polls(ctx)
		return err
	}); err != nil {
		return err
	}
	if len(existing) > 0 {
		s.logger.Debug("sample data skipped, store not empty", zap.Int("polls", len(existing)))
		return nil
	}

	now := s.now()
	day := 24 * time.Hour
	inputs := []models.PollInput{
		{
			Title:             "What feature should we build next?",
			Options:           []string{"Delegation voting", "Multi-signature polls", "Integration with DAOs", "Anonymous voting"},
			VerificationLevel: models.LevelDevice,
			Visibility:        models.VisibilityPublic,
			ChoiceType:        models.ChoiceSingle,
			EndTime:           now.Add(7 * day),
		},
		{
			Title:             "When should we schedule the next community call?",
			Options:           []string{"Monday 3pm UTC", "Wednesday 6pm UTC", "Friday 9am UTC", "Saturday 2pm UTC"},
			VerificationLevel: models.LevelNone,
			Visibility:        models.VisibilityPublic,
			Anonymous:         true,
			ChoiceType:        models.ChoiceSingle,
			EndTime:           now.Add(3 * day),
		},
		{
			Title:             "Should we add more verification levels?",
			Options:           []string{"Yes", "No", "Only for specific use cases"},
			VerificationLevel: models.LevelOrb,
			Visibility:        models.VisibilityPublic,
			ChoiceType:        models.ChoiceSingle,
			EndTime:           now.Add(14 * day),
		},
		{
			Title:             "Which blockchain should we add support for next?",
			Options:           []string{"Ethereum", "Polygon", "Solana", "Avalanche", "Optimism"},
			VerificationLevel: models.LevelDevice,
			Visibility:        models.VisibilityPrivate,
			Passcode:          models.SomePasscode("abc123"),
			ChoiceType:        models.ChoiceMulti,
			EndTime:           now.Add(10 * day),
		},
	}

	created := make([]*models.Poll, 0, len(inputs))
	for _, in := range inputs {
		in.CreatorID = demoCreator
		p, err := s.CreatePoll(ctx, in)
		if err != nil {
			return fmt.Errorf("seed poll %q: %w", in.Title, err)
		}
		created = append(created, p)
	}

	// Votes on the first poll.
	first := created[0].ID
	for _, v := range []models.VoteInput{
		{PollID: first, UserID: "0x1234567890123456789012345678901234567890", Choices: []int{0}},
		{PollID: first, UserID: "0x2345678901234567890123456789012345678901", Choices: []int{2}},
	} {
		if _, err := s.CreateVote(ctx, v); err != nil {
			s.logger.Debug("sample vote skipped", zap.Error(err))
		}
	}
	s.logger.Info("sample data seeded", zap.Int("polls", len(created)))
	return nil
}
