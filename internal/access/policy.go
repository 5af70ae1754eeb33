// Package access decides which polls a viewer may see and vote on.
package access

import (
	"sort"
	"time"

	"github.com/verified-polls/backend/internal/models"
)

// rank orders tiers: orb > device > none. Unknown poll tiers rank above orb so nobody passes them.
func rank(l models.VerificationLevel) int {
	switch l {
	case models.LevelNone:
		return 0
	case models.LevelDevice:
		return 1
	case models.LevelOrb:
		return 2
	}
	return 3
}

// CanAccess reports whether a viewer at viewerLevel may access a poll requiring pollLevel.
// An absent or unknown viewer tier is treated as none.
func CanAccess(pollLevel, viewerLevel models.VerificationLevel) bool {
	if !viewerLevel.Valid() {
		viewerLevel = models.LevelNone
	}
	return rank(viewerLevel) >= rank(pollLevel)
}

// Expired reports whether the poll has ended. It is independent of CanAccess.
func Expired(p *models.Poll, now time.Time) bool {
	return p.Expired(now)
}

// Filter returns the polls of the given visibility the viewer may access, most recent first.
// Expired polls are kept unless excludeExpired is set.
func Filter(polls []models.Poll, visibility models.Visibility, viewer models.VerificationLevel, now time.Time, excludeExpired bool) []models.Poll {
	out := make([]models.Poll, 0, len(polls))
	for _, p := range polls {
		if p.Visibility != visibility {
			continue
		}
		if !CanAccess(p.VerificationLevel, viewer) {
			continue
		}
		if excludeExpired && p.Expired(now) {
			continue
		}
		out = append(out, p)
	}
	SortNewestFirst(out)
	return out
}

// SortNewestFirst orders polls by CreatedAt descending, ties by id.
func SortNewestFirst(polls []models.Poll) {
	sort.SliceStable(polls, func(i, j int) bool {
		if !polls[i].CreatedAt.Equal(polls[j].CreatedAt) {
			return polls[i].CreatedAt.After(polls[j].CreatedAt)
		}
		return polls[i].ID < polls[j].ID
	})
}
