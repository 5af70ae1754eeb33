// Package identity turns identity-provider login events into sessions.
package identity

import (
	"context"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/models"
)

// LoginEvent is what the client forwards from the identity provider after wallet sign-in.
// The provider proof itself is checked by the provider SDK, not here.
type LoginEvent struct {
	WalletAddress     string `json:"wallet_address" binding:"required"`
	HumanID           string `json:"human_id"`
	VerificationLevel string `json:"verification_level"`
}

// Adapter maps login events to identities.
type Adapter struct {
	logger *zap.Logger
}

// NewAdapter creates an identity adapter.
func NewAdapter(logger *zap.Logger) *Adapter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Adapter{logger: logger}
}

// Resolve validates the event and returns the identity. An unknown tier is dropped so the
// identity has no tier at all.
func (a *Adapter) Resolve(_ context.Context, ev LoginEvent) (models.Identity, error) {
	addr, err := NormalizeAddress(ev.WalletAddress)
	if err != nil {
		return models.Identity{}, err
	}
	ident := models.Identity{
		WalletAddress: addr,
		HumanID:       strings.TrimSpace(ev.HumanID),
	}
	if level, ok := models.ParseVerificationLevel(strings.ToLower(strings.TrimSpace(ev.VerificationLevel))); ok {
		ident.VerificationLevel = level
	} else if ev.VerificationLevel != "" {
		a.logger.Warn("unknown verification level ignored",
			zap.String("wallet", addr), zap.String("verification_level", ev.VerificationLevel))
	}
	return ident, nil
}

// NormalizeAddress returns the EIP-55 checksummed form of a 20-byte hex address.
// Mixed-case input must already carry a valid checksum.
func NormalizeAddress(addr string) (string, error) {
	a := strings.TrimSpace(addr)
	if !common.IsHexAddress(a) {
		return "", models.NewValidationError("wallet_address", "must be 20 hex-encoded bytes")
	}
	checksummed := common.HexToAddress(a).Hex()

	digits := a
	if len(digits) == 42 {
		digits = digits[2:]
	}
	mixed := digits != strings.ToLower(digits) && digits != strings.ToUpper(digits)
	if mixed && digits != checksummed[2:] {
		return "", models.NewValidationError("wallet_address", "bad EIP-55 checksum")
	}
	return checksummed, nil
}
