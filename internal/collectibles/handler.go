package collectibles

import (
	"context"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/middleware"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/response"
)

// Lister reads a wallet's collectibles.
type Lister interface {
	List(ctx context.Context, wallet string) ([]models.Collectible, error)
}

// Handler handles collectibles HTTP endpoints.
type Handler struct {
	store  Lister
	logger *zap.Logger
}

// NewHandler creates a collectibles handler.
func NewHandler(store Lister, logger *zap.Logger) *Handler {
	return &Handler{store: store, logger: logger}
}

// ListMine handles GET /me/collectibles.
func (h *Handler) ListMine(c *gin.Context) {
	ident, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	list, err := h.store.List(c.Request.Context(), ident.WalletAddress)
	if err != nil {
		h.logger.Error("list collectibles", zap.String("wallet", ident.WalletAddress), zap.Error(err))
		response.ServiceUnavailable(c, "collectibles unavailable")
		return
	}
	response.OK(c, list)
}
