// Package collectibles keeps the badges voters earn, keyed by wallet address. It is side
// state with its own lifecycle; nothing in the vote path reads it.
package collectibles

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/queue"
)

const (
	keyPrefix    = "collectibles:"
	goldenImage  = "/collectibles/golden-duck.png"
	regularImage = "/collectibles/simple-duck.png"
)

var idNamespace = uuid.MustParse("6f1d4b8e-3c52-4f7a-9a4e-2b8d1c0e5a17")

// Store persists collectibles as one Redis hash per wallet, one field per poll.
type Store struct {
	client *redis.Client
}

// NewStore creates a Redis-backed collectibles store.
func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

// Award stores c for the wallet unless one already exists for the poll.
// It reports whether a new collectible was stored.
func (s *Store) Award(ctx context.Context, wallet string, c models.Collectible) (bool, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("marshal collectible: %w", err)
	}
	added, err := s.client.HSetNX(ctx, key(wallet), c.PollID, raw).Result()
	if err != nil {
		return false, fmt.Errorf("hsetnx: %w", err)
	}
	return added, nil
}

// List returns the wallet's collectibles, most recently earned first.
func (s *Store) List(ctx context.Context, wallet string) ([]models.Collectible, error) {
	fields, err := s.client.HGetAll(ctx, key(wallet)).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall: %w", err)
	}
	list := make([]models.Collectible, 0, len(fields))
	for _, raw := range fields {
		var c models.Collectible
		if err := json.Unmarshal([]byte(raw), &c); err != nil {
			continue
		}
		list = append(list, c)
	}
	sort.Slice(list, func(i, j int) bool {
		if !list[i].EarnedAt.Equal(list[j].EarnedAt) {
			return list[i].EarnedAt.After(list[j].EarnedAt)
		}
		return list[i].PollID < list[j].PollID
	})
	return list, nil
}

// FromAward builds the collectible earned by an award event. The id is derived from wallet
// and poll so reprocessing a job yields the same collectible.
func FromAward(p queue.AwardPayload) models.Collectible {
	golden := models.VerificationLevel(p.VerificationLevel) == models.LevelOrb
	c := models.Collectible{
		ID:       uuid.NewSHA1(idNamespace, []byte(strings.ToLower(p.WalletAddress)+"|"+p.PollID)).String(),
		PollID:   p.PollID,
		Name:     "Voter: " + p.PollTitle,
		Image:    regularImage,
		Golden:   golden,
		EarnedAt: p.VotedAt,
	}
	if golden {
		c.Name = "Golden voter: " + p.PollTitle
		c.Image = goldenImage
	}
	return c
}

func key(wallet string) string {
	return keyPrefix + wallet
}
