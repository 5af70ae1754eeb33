package models

import "time"

// Vote is an immutable ballot. VoterID is the human-uniqueness id when the session carried one.
type Vote struct {
	ID        string    `json:"id"`
	PollID    string    `json:"poll_id"`
	UserID    string    `json:"user_id"`
	VoterID   string    `json:"voter_id,omitempty"`
	Choices   []int     `json:"choices"`
	Timestamp time.Time `json:"timestamp"`
}

// HasChoice reports whether the vote selected option index i.
func (v *Vote) HasChoice(i int) bool {
	for _, c := range v.Choices {
		if c == i {
			return true
		}
	}
	return false
}

// VoteInput is what a caller submits; the store assigns ID and Timestamp.
type VoteInput struct {
	PollID  string
	UserID  string
	VoterID string
	Choices []int
}

// OptionResult is the aggregate for one poll option. Voters is nil for anonymous polls.
type OptionResult struct {
	Option string   `json:"option"`
	Count  int      `json:"count"`
	Voters []string `json:"voters,omitzero"`
}

// OptionResultView adds the presentation percentage to an OptionResult.
type OptionResultView struct {
	OptionResult
	Percentage int `json:"percentage"`
}
