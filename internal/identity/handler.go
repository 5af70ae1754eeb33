package identity

import (
	"errors"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/middleware"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/response"
)

// TokenResponse is the login response with the session JWT.
type TokenResponse struct {
	Token    string          `json:"token"`
	Identity models.Identity `json:"identity"`
}

// SessionCleaner drops per-user cached state on sign-out.
type SessionCleaner interface {
	ClearUser(userID string)
}

// Handler handles auth HTTP endpoints.
type Handler struct {
	adapter  *Adapter
	jwt      *JWTService
	sessions SessionCleaner
	logger   *zap.Logger
}

// NewHandler creates an auth handler. sessions may be nil.
func NewHandler(adapter *Adapter, jwt *JWTService, sessions SessionCleaner, logger *zap.Logger) *Handler {
	return &Handler{adapter: adapter, jwt: jwt, sessions: sessions, logger: logger}
}

// Login handles POST /auth/login.
func (h *Handler) Login(c *gin.Context) {
	var req LoginEvent
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	ident, err := h.adapter.Resolve(c.Request.Context(), req)
	if err != nil {
		if errors.Is(err, models.ErrValidation) {
			response.BadRequest(c, err.Error())
			return
		}
		response.Internal(c, "failed to resolve identity")
		return
	}
	token, err := h.jwt.Generate(ident)
	if err != nil {
		h.logger.Error("sign session token", zap.Error(err))
		response.Internal(c, "failed to generate token")
		return
	}
	h.logger.Info("login",
		zap.String("wallet", ident.WalletAddress),
		zap.String("verification_level", string(ident.VerificationLevel)),
	)
	response.OK(c, TokenResponse{Token: token, Identity: ident})
}

// Me handles GET /auth/me.
func (h *Handler) Me(c *gin.Context) {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	response.OK(c, ident)
}

// Logout handles POST /auth/logout. Tokens are stateless; only cached state is dropped.
func (h *Handler) Logout(c *gin.Context) {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	if h.sessions != nil {
		h.sessions.ClearUser(ident.WalletAddress)
	}
	response.NoContent(c)
}
