// Package ledger holds the vote rules: choice validation, one-vote-per-identity resolution
// and result aggregation. Everything here is pure; persistence lives in the polls store.
package ledger

import (
	"math"
	"sort"

	"github.com/verified-polls/backend/internal/models"
)

// ValidateChoices checks choices against the poll and returns them sorted.
func ValidateChoices(p *models.Poll, choices []int) ([]int, error) {
	if len(choices) == 0 {
		return nil, models.NewValidationError("choices", "at least one option must be selected")
	}
	if p.ChoiceType == models.ChoiceSingle && len(choices) != 1 {
		return nil, models.NewValidationError("choices", "poll allows a single choice, got %d", len(choices))
	}
	seen := make(map[int]struct{}, len(choices))
	out := make([]int, 0, len(choices))
	for _, c := range choices {
		if c < 0 || c >= len(p.Options) {
			return nil, models.NewValidationError("choices", "option index %d out of range [0,%d)", c, len(p.Options))
		}
		if _, dup := seen[c]; dup {
			return nil, models.NewValidationError("choices", "option index %d selected twice", c)
		}
		seen[c] = struct{}{}
		out = append(out, c)
	}
	sort.Ints(out)
	return out, nil
}

// FindDuplicate returns the prior vote by the same identity, or nil.
// A voterID match is looked for first; failing that, a userID match.
func FindDuplicate(existing []models.Vote, userID, voterID string) *models.Vote {
	if voterID != "" {
		for i := range existing {
			if existing[i].VoterID == voterID {
				return &existing[i]
			}
		}
	}
	for i := range existing {
		if existing[i].UserID == userID {
			return &existing[i]
		}
	}
	return nil
}

// CastBy reports whether v belongs to the identity: same wallet, or same human id when both
// carry one.
func CastBy(v *models.Vote, userID, voterID string) bool {
	if v.UserID == userID {
		return true
	}
	return voterID != "" && v.VoterID == voterID
}

// ComputeResults aggregates votes into one entry per option, in option order.
// Voters are listed in vote-creation order unless the poll is anonymous.
func ComputeResults(p *models.Poll, votes []models.Vote) []models.OptionResult {
	ordered := make([]models.Vote, len(votes))
	copy(ordered, votes)
	sort.SliceStable(ordered, func(i, j int) bool {
		return ordered[i].Timestamp.Before(ordered[j].Timestamp)
	})

	results := make([]models.OptionResult, len(p.Options))
	for i, opt := range p.Options {
		results[i].Option = opt
		if !p.Anonymous {
			results[i].Voters = []string{}
		}
	}
	for i := range ordered {
		v := &ordered[i]
		if v.PollID != "" && v.PollID != p.ID {
			continue
		}
		for _, c := range v.Choices {
			if c < 0 || c >= len(results) {
				continue
			}
			results[c].Count++
			if !p.Anonymous {
				results[c].Voters = append(results[c].Voters, v.UserID)
			}
		}
	}
	return results
}

// Percentages derives round(100*count/total) per option, total being the sum of counts.
func Percentages(results []models.OptionResult) []models.OptionResultView {
	total := 0
	for _, r := range results {
		total += r.Count
	}
	out := make([]models.OptionResultView, len(results))
	for i, r := range results {
		out[i].OptionResult = r
		if total > 0 {
			out[i].Percentage = int(math.Round(100 * float64(r.Count) / float64(total)))
		}
	}
	return out
}
