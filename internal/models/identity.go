package models

import "time"

// Identity is the caller as produced by the identity adapter on login.
// VerificationLevel is empty when the provider did not report a tier.
type Identity struct {
	WalletAddress     string            `json:"wallet_address"`
	HumanID           string            `json:"human_id,omitempty"`
	VerificationLevel VerificationLevel `json:"verification_level,omitempty"`
}

// Tier returns the verification tier, or ok == false when absent or unknown.
func (i Identity) Tier() (VerificationLevel, bool) {
	return i.VerificationLevel, i.VerificationLevel.Valid()
}

// Collectible is awarded to a wallet for voting on a poll.
type Collectible struct {
	ID       string    `json:"id"`
	PollID   string    `json:"poll_id"`
	Name     string    `json:"name"`
	Image    string    `json:"image"`
	Golden   bool      `json:"golden"`
	EarnedAt time.Time `json:"earned_at"`
}
