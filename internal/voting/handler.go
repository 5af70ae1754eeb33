package voting

import (
	"errors"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/verified-polls/backend/internal/middleware"
	"github.com/verified-polls/backend/internal/models"
	"github.com/verified-polls/backend/pkg/response"
)

// CreatePollRequest is the body of POST /polls.
type CreatePollRequest struct {
	Title             string                   `json:"title" binding:"required"`
	Options           []string                 `json:"options" binding:"required"`
	VerificationLevel models.VerificationLevel `json:"verification_level"`
	Visibility        models.Visibility        `json:"visibility"`
	Passcode          models.Passcode          `json:"passcode"`
	Anonymous         bool                     `json:"anonymous"`
	ChoiceType        models.ChoiceType        `json:"choice_type"`
	EndTime           time.Time                `json:"end_time"`
}

// SubmitVoteRequest is the body of POST /polls/:id/votes.
type SubmitVoteRequest struct {
	Choices []int `json:"choices" binding:"required"`
}

// VotedResponse is the body of GET /polls/:id/voted.
type VotedResponse struct {
	Voted bool `json:"voted"`
}

// Handler handles poll and vote HTTP endpoints.
type Handler struct {
	service *Service
	logger  *zap.Logger
}

// NewHandler creates a voting handler.
func NewHandler(service *Service, logger *zap.Logger) *Handler {
	return &Handler{service: service, logger: logger}
}

// List handles GET /polls. ?active=true hides ended polls.
func (h *Handler) List(c *gin.Context) {
	viewer, _ := middleware.IdentityFrom(c)
	activeOnly, _ := strconv.ParseBool(c.Query("active"))
	list, err := h.service.ListPublicPolls(c.Request.Context(), viewer, activeOnly)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.OK(c, list)
}

// Create handles POST /polls.
func (h *Handler) Create(c *gin.Context) {
	creator, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var req CreatePollRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	p, err := h.service.CreatePoll(c.Request.Context(), creator, models.PollInput{
		Title:             req.Title,
		Options:           req.Options,
		VerificationLevel: req.VerificationLevel,
		Visibility:        req.Visibility,
		Passcode:          req.Passcode,
		Anonymous:         req.Anonymous,
		ChoiceType:        req.ChoiceType,
		EndTime:           req.EndTime,
	})
	if err != nil {
		h.respondError(c, err)
		return
	}
	h.logger.Info("poll created", zap.String("poll_id", p.ID), zap.String("creator", p.CreatorID))
	response.Created(c, p)
}

// Get handles GET /polls/:id.
func (h *Handler) Get(c *gin.Context) {
	viewer, _ := middleware.IdentityFrom(c)
	p, err := h.service.GetPoll(c.Request.Context(), c.Param("id"), viewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.OK(c, p)
}

// GetByPasscode handles GET /polls/passcode/:code.
func (h *Handler) GetByPasscode(c *gin.Context) {
	viewer, _ := middleware.IdentityFrom(c)
	p, err := h.service.GetPollByPasscode(c.Request.Context(), c.Param("code"), viewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.OK(c, p)
}

// Vote handles POST /polls/:id/votes.
func (h *Handler) Vote(c *gin.Context) {
	viewer, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	var req SubmitVoteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.BadRequest(c, "invalid request: "+err.Error())
		return
	}
	v, err := h.service.SubmitVote(c.Request.Context(), c.Param("id"), viewer, req.Choices)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.Created(c, v)
}

// Results handles GET /polls/:id/results.
func (h *Handler) Results(c *gin.Context) {
	viewer, _ := middleware.IdentityFrom(c)
	results, err := h.service.GetResults(c.Request.Context(), c.Param("id"), viewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.OK(c, results)
}

// Voted handles GET /polls/:id/voted.
func (h *Handler) Voted(c *gin.Context) {
	viewer, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	voted, err := h.service.HasVoted(c.Request.Context(), c.Param("id"), viewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.OK(c, VotedResponse{Voted: voted})
}

// MyVotes handles GET /me/votes.
func (h *Handler) MyVotes(c *gin.Context) {
	viewer, ok := middleware.IdentityFrom(c)
	if !ok {
		response.Unauthorized(c, "missing user context")
		return
	}
	records, err := h.service.MyVotes(c.Request.Context(), viewer)
	if err != nil {
		h.respondError(c, err)
		return
	}
	response.OK(c, records)
}

func (h *Handler) respondError(c *gin.Context, err error) {
	_ = c.Error(err)
	switch {
	case errors.Is(err, models.ErrValidation):
		response.BadRequest(c, err.Error())
	case errors.Is(err, models.ErrForbidden):
		response.Forbidden(c, err.Error())
	case errors.Is(err, models.ErrNotFound):
		response.NotFound(c, err.Error())
	case errors.Is(err, models.ErrDuplicateVote):
		response.Conflict(c, err.Error())
	case errors.Is(err, models.ErrPollExpired):
		response.Gone(c, err.Error())
	case errors.Is(err, models.ErrUnavailable):
		response.ServiceUnavailable(c, "store unavailable, try again")
	default:
		h.logger.Error("unhandled error", zap.Error(err))
		response.Internal(c, "internal error")
	}
}
