package models

import (
	"encoding/json"
	"time"
)

// VerificationLevel is the coarse proof-of-humanness tier of a session or the minimum tier a poll requires.
type VerificationLevel string

const (
	LevelNone   VerificationLevel = "none"
	LevelDevice VerificationLevel = "device"
	LevelOrb    VerificationLevel = "orb"
)

// Valid reports whether l is one of the known tiers.
func (l VerificationLevel) Valid() bool {
	switch l {
	case LevelNone, LevelDevice, LevelOrb:
		return true
	}
	return false
}

// ParseVerificationLevel parses a tier; unknown or empty input yields ok == false.
func ParseVerificationLevel(s string) (VerificationLevel, bool) {
	l := VerificationLevel(s)
	return l, l.Valid()
}

// Visibility controls whether a poll is listed publicly or reached by passcode.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
)

// Valid reports whether v is a known visibility.
func (v Visibility) Valid() bool {
	return v == VisibilityPublic || v == VisibilityPrivate
}

// ChoiceType is single or multi selection.
type ChoiceType string

const (
	ChoiceSingle ChoiceType = "single"
	ChoiceMulti  ChoiceType = "multi"
)

// Valid reports whether c is a known choice type.
func (c ChoiceType) Valid() bool {
	return c == ChoiceSingle || c == ChoiceMulti
}

const (
	// MaxTitleLength is the maximum poll title length in characters.
	MaxTitleLength = 100
	// MinOptions and MaxOptions bound the number of poll options.
	MinOptions = 2
	MaxOptions = 10
)

// Passcode is an optional private-poll passcode. The zero value is "no passcode".
type Passcode struct {
	code  string
	valid bool
}

// SomePasscode returns a present passcode.
func SomePasscode(code string) Passcode {
	return Passcode{code: code, valid: true}
}

// NoPasscode returns an absent passcode.
func NoPasscode() Passcode {
	return Passcode{}
}

// Get returns the code and whether it is present.
func (p Passcode) Get() (string, bool) {
	return p.code, p.valid
}

// IsSet reports whether a passcode is present.
func (p Passcode) IsSet() bool {
	return p.valid
}

// Matches reports whether the passcode is present and equal to code.
func (p Passcode) Matches(code string) bool {
	return p.valid && code != "" && p.code == code
}

// MarshalJSON renders the code as a string, or null when absent.
func (p Passcode) MarshalJSON() ([]byte, error) {
	if !p.valid {
		return []byte("null"), nil
	}
	return json.Marshal(p.code)
}

// UnmarshalJSON accepts a string, null or an empty string (absent).
func (p *Passcode) UnmarshalJSON(data []byte) error {
	var s *string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	if s == nil || *s == "" {
		*p = NoPasscode()
		return nil
	}
	*p = SomePasscode(*s)
	return nil
}

// Poll is an immutable poll. ID and CreatedAt are assigned once by the store.
type Poll struct {
	ID                string            `json:"id"`
	CreatorID         string            `json:"creator_id"`
	Title             string            `json:"title"`
	Options           []string          `json:"options"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	Visibility        Visibility        `json:"visibility"`
	Passcode          Passcode          `json:"passcode,omitzero"`
	Anonymous         bool              `json:"anonymous"`
	ChoiceType        ChoiceType        `json:"choice_type"`
	EndTime           time.Time         `json:"end_time"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Expired reports whether the poll has passed its end time at now.
func (p *Poll) Expired(now time.Time) bool {
	return !p.EndTime.After(now)
}

// PollInput is the caller-supplied part of a poll; the store fills the rest.
type PollInput struct {
	CreatorID         string            `json:"creator_id"`
	Title             string            `json:"title"`
	Options           []string          `json:"options"`
	VerificationLevel VerificationLevel `json:"verification_level"`
	Visibility        Visibility        `json:"visibility"`
	Passcode          Passcode          `json:"passcode"`
	Anonymous         bool              `json:"anonymous"`
	ChoiceType        ChoiceType        `json:"choice_type"`
	EndTime           time.Time         `json:"end_time"`
}

// PollView is a poll as returned to a viewer, with the separately reported expiry flag.
type PollView struct {
	Poll
	Expired bool `json:"expired"`
}
