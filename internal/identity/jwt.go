package identity

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/verified-polls/backend/internal/models"
)

var (
	ErrInvalidToken = errors.New("invalid token")
)

// Claims holds JWT claims carrying the identity triple.
type Claims struct {
	WalletAddress     string                   `json:"wallet_address"`
	HumanID           string                   `json:"human_id,omitempty"`
	VerificationLevel models.VerificationLevel `json:"verification_level,omitempty"`
	jwt.RegisteredClaims
}

// Identity returns the identity carried by the claims.
func (c *Claims) Identity() models.Identity {
	return models.Identity{
		WalletAddress:     c.WalletAddress,
		HumanID:           c.HumanID,
		VerificationLevel: c.VerificationLevel,
	}
}

// JWTService handles token generation and validation.
type JWTService struct {
	secret      []byte
	expireHours int
	now         func() time.Time
}

// NewJWTService creates a JWT service.
func NewJWTService(secret string, expireHours int) *JWTService {
	return &JWTService{
		secret:      []byte(secret),
		expireHours: expireHours,
		now:         time.Now,
	}
}

// Generate creates a new session JWT for the identity.
func (s *JWTService) Generate(ident models.Identity) (string, error) {
	now := s.now()
	claims := Claims{
		WalletAddress:     ident.WalletAddress,
		HumanID:           ident.HumanID,
		VerificationLevel: ident.VerificationLevel,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   ident.WalletAddress,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(s.expireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			ID:        uuid.New().String(),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(s.secret)
}

// Validate parses and validates a JWT, returning claims or error.
func (s *JWTService) Validate(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return s.secret, nil
	}, jwt.WithTimeFunc(s.now))
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.WalletAddress == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// ValidateIdentity validates the token and returns its identity.
func (s *JWTService) ValidateIdentity(tokenString string) (models.Identity, error) {
	claims, err := s.Validate(tokenString)
	if err != nil {
		return models.Identity{}, err
	}
	return claims.Identity(), nil
}
