package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/middleware"
	"github.com/verified-polls/backend/internal/models"
)

func TestNormalizeAddress(t *testing.T) {
	// EIP-55 reference vectors
	vectors := []string{
		"0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
		"0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359",
		"0xdbF03B407c01E7cD3CBea99509d93f8DDDC8C6FB",
		"0xD1220A0cf47c7B9Be7A2E6BA89F429762e7b9aDb",
	}
	for _, want := range vectors {
		t.Run(want, func(t *testing.T) {
			for _, in := range []string{want, "0x" + lowerHex(want), "  " + want + " "} {
				got, err := NormalizeAddress(in)
				require.NoError(t, err)
				assert.Equal(t, want, got)
			}
		})
	}

	t.Run("rejects", func(t *testing.T) {
		for _, in := range []string{
			"",
			"0x1234",
			"0xZZaeb6053F3E94C9b9A09f33669435E7Ef1BeAed",
			"0x5AAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", // bad checksum
		} {
			_, err := NormalizeAddress(in)
			assert.ErrorIs(t, err, models.ErrValidation, in)
		}
	})
}

func lowerHex(addr string) string {
	b := []byte(addr[2:])
	for i, c := range b {
		if c >= 'A' && c <= 'F' {
			b[i] = c - 'A' + 'a'
		}
	}
	return string(b)
}

func TestResolve(t *testing.T) {
	a := NewAdapter(zap.NewNop())
	ctx := context.Background()

	ident, err := a.Resolve(ctx, LoginEvent{
		WalletAddress:     "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		HumanID:           "nullifier-1",
		VerificationLevel: "Orb",
	})
	require.NoError(t, err)
	assert.Equal(t, "0x5aAeb6053F3E94C9b9A09f33669435E7Ef1BeAed", ident.WalletAddress)
	assert.Equal(t, "nullifier-1", ident.HumanID)
	assert.Equal(t, models.LevelOrb, ident.VerificationLevel)

	ident, err = a.Resolve(ctx, LoginEvent{
		WalletAddress:     "0x5aaeb6053f3e94c9b9a09f33669435e7ef1beaed",
		VerificationLevel: "retina",
	})
	require.NoError(t, err)
	_, ok := ident.Tier()
	assert.False(t, ok, "unknown tier is absent")
}

func TestJWTService(t *testing.T) {
	s := NewJWTService("secret", 1)
	ident := models.Identity{WalletAddress: "0xabc", HumanID: "h", VerificationLevel: models.LevelDevice}

	token, err := s.Generate(ident)
	require.NoError(t, err)
	got, err := s.ValidateIdentity(token)
	require.NoError(t, err)
	assert.Equal(t, ident, got)

	_, err = NewJWTService("other", 1).Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)

	s.now = func() time.Time { return time.Now().Add(2 * time.Hour) }
	_, err = s.Validate(token)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

type recordingCleaner struct{ cleared []string }

func (r *recordingCleaner) ClearUser(userID string) { r.cleared = append(r.cleared, userID) }

func TestHandler(t *testing.T) {
	gin.SetMode(gin.TestMode)
	jwtSvc := NewJWTService("secret", 1)
	cleaner := &recordingCleaner{}
	h := NewHandler(NewAdapter(zap.NewNop()), jwtSvc, cleaner, zap.NewNop())

	r := gin.New()
	r.POST("/auth/login", h.Login)
	authed := r.Group("", middleware.JWT(jwtSvc))
	authed.GET("/auth/me", h.Me)
	authed.POST("/auth/logout", h.Logout)

	body, _ := json.Marshal(LoginEvent{
		WalletAddress:     "0xfb6916095ca1df60bb79ce92ce3ea74c37c5d359",
		HumanID:           "h1",
		VerificationLevel: "device",
	})
	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login", bytes.NewReader(body)))
	require.Equal(t, http.StatusOK, rec.Code)

	var login struct {
		Success bool          `json:"success"`
		Data    TokenResponse `json:"data"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &login))
	assert.True(t, login.Success)
	assert.Equal(t, "0xfB6916095ca1df60bB79Ce92cE3Ea74c37c5d359", login.Data.Identity.WalletAddress)

	req := httptest.NewRequest(http.MethodGet, "/auth/me", nil)
	req.Header.Set("Authorization", "Bearer "+login.Data.Token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"human_id":"h1"`)

	req = httptest.NewRequest(http.MethodPost, "/auth/logout", nil)
	req.Header.Set("Authorization", "Bearer "+login.Data.Token)
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, []string{login.Data.Identity.WalletAddress}, cleaner.cleared)

	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/auth/login",
		bytes.NewReader([]byte(`{"wallet_address":"nope"}`))))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
