package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"regexp"

	"github.com/gin-gonic/gin"

	"github.com/mossy-p/studyroom/internal/middleware"
	"github.com/mossy-p/studyroom/internal/models"
	"github.com/mossy-p/studyroom/internal/signaling"
)

// Call ids end up inside store keys, so they are kept to a safe alphabet
var callIDPattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)

// Calls serves the call session documents of a signaling channel over HTTP
type Calls struct {
	channel signaling.Channel
	logger  *slog.Logger
}

// NewCalls creates the call handlers. A nil logger uses slog.Default().
func NewCalls(channel signaling.Channel, logger *slog.Logger) *Calls {
	if logger == nil {
		logger = slog.Default()
	}
	return &Calls{channel: channel, logger: logger}
}

// CreateCall writes a new session holding the caller's offer (optional authentication)
func (h *Calls) CreateCall(c *gin.Context) {
	var req models.CreateCallRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if !callIDPattern.MatchString(req.CallID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid call id"})
		return
	}

	// Anonymous callers create unowned sessions
	ownerID := c.GetString(middleware.UserIDKey)

	if err := h.channel.CreateSession(c.Request.Context(), req.CallID, req.Offer, ownerID); err != nil {
		h.respondError(c, "create call", req.CallID, err)
		return
	}

	h.logger.Info("call created", "callID", req.CallID, "ownerID", ownerID)

	c.JSON(http.StatusCreated, models.CreateCallResponse{
		CallID:  req.CallID,
		OwnerID: ownerID,
	})
}

// GetCall returns the session document (public)
func (h *Calls) GetCall(c *gin.Context) {
	callID, ok := h.callID(c)
	if !ok {
		return
	}

	sess, err := h.channel.GetSession(c.Request.Context(), callID)
	if err != nil {
		h.respondError(c, "get call", callID, err)
		return
	}

	c.JSON(http.StatusOK, sess)
}

// SetAnswer merges the callee's answer into the session (public)
func (h *Calls) SetAnswer(c *gin.Context) {
	callID, ok := h.callID(c)
	if !ok {
		return
	}

	var req models.SetAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.channel.SetAnswer(c.Request.Context(), callID, req.Answer); err != nil {
		h.respondError(c, "set answer", callID, err)
		return
	}

	h.logger.Info("call answered", "callID", callID)

	c.JSON(http.StatusOK, gin.H{"message": "Answer set"})
}

// AppendCandidate appends one candidate to the role's list (public)
func (h *Calls) AppendCandidate(c *gin.Context) {
	callID, ok := h.callID(c)
	if !ok {
		return
	}
	role, err := models.ParseRole(c.Param("role"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var candidate models.Candidate
	if err := c.ShouldBindJSON(&candidate); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := candidate.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if err := h.channel.AppendCandidate(c.Request.Context(), callID, role, candidate); err != nil {
		h.respondError(c, "append candidate", callID, err)
		return
	}

	c.JSON(http.StatusCreated, gin.H{"message": "Candidate added"})
}

// DeleteCall removes a session and its candidates (requires authentication and owner)
func (h *Calls) DeleteCall(c *gin.Context) {
	userID := c.GetString(middleware.UserIDKey)
	if userID == "" {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	callID, ok := h.callID(c)
	if !ok {
		return
	}

	ctx := c.Request.Context()
	sess, err := h.channel.GetSession(ctx, callID)
	if err != nil {
		h.respondError(c, "delete call", callID, err)
		return
	}

	// Verify user is the owner
	if sess.OwnerID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "Only the call owner can delete the call"})
		return
	}

	if err := h.channel.DeleteSession(ctx, callID); err != nil {
		h.respondError(c, "delete call", callID, err)
		return
	}

	h.logger.Info("call deleted", "callID", callID, "userID", userID)

	c.JSON(http.StatusOK, gin.H{"message": "Call deleted"})
}

func (h *Calls) callID(c *gin.Context) (string, bool) {
	callID := c.Param("callId")
	if !callIDPattern.MatchString(callID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid call id"})
		return "", false
	}
	return callID, true
}

// respondError maps channel errors onto HTTP statuses
func (h *Calls) respondError(c *gin.Context, op, callID string, err error) {
	status, msg := errorStatus(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error("signaling store failure", "op", op, "callID", callID, "err", err)
	}
	c.JSON(status, gin.H{"error": msg})
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, signaling.ErrSessionNotFound):
		return http.StatusNotFound, "Call not found"
	case errors.Is(err, signaling.ErrSessionAlreadyExists):
		return http.StatusConflict, "Call already exists"
	case errors.Is(err, signaling.ErrAnswerAlreadySet):
		return http.StatusConflict, "Call already answered"
	case errors.Is(err, signaling.ErrMalformed):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, signaling.ErrChannelUnavailable):
		return http.StatusServiceUnavailable, "Signaling store unavailable"
	}
	return http.StatusInternalServerError, "Internal error"
}
