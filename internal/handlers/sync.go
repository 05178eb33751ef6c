package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"party-service/internal/party"
	"party-service/internal/repositories"
	"party-service/internal/telemetry"
)

// SyncHandler manages the party log and playback state endpoints.
type SyncHandler struct {
	partyRepo repositories.PartyRepository
	svc       *party.Service
	audit     *telemetry.AuditEmitter
}

// NewSyncHandler constructs a SyncHandler.
func NewSyncHandler(partyRepo repositories.PartyRepository, svc *party.Service, audit *telemetry.AuditEmitter) *SyncHandler {
	return &SyncHandler{partyRepo: partyRepo, svc: svc, audit: audit}
}

// GetLog returns log entries after the caller's cursor, optionally
// folded into render groups.
func (h *SyncHandler) GetLog(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	if !h.requireMember(c, partyID) {
		return
	}

	var cursor int64
	if raw := c.Query("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
			return
		}
		cursor = parsed
	}

	entries, err := h.svc.ReadSince(c.Request.Context(), partyID, cursor)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load log"})
		return
	}

	nextCursor := cursor
	if len(entries) > 0 {
		nextCursor = entries[len(entries)-1].Seq
	}

	if c.Query("grouped") == "1" {
		c.JSON(http.StatusOK, gin.H{"groups": party.Group(entries), "next_cursor": nextCursor})
		return
	}
	c.JSON(http.StatusOK, gin.H{"entries": entries, "next_cursor": nextCursor})
}

// PostMessage accepts a chat message. A replayed idempotency key echoes
// the previously accepted entry with 200 instead of 201.
func (h *SyncHandler) PostMessage(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")
	if !h.requireMember(c, partyID) {
		return
	}

	var req struct {
		ID   string `json:"id"`
		Text string `json:"text" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", &partyID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	entry, duplicate, err := h.svc.AppendMessage(c.Request.Context(), partyID, userID, req.ID, req.Text)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrPartyNotFound) {
			status = http.StatusNotFound
		}
		h.emitAudit(c, "ERROR", "could not store message", &partyID)
		c.JSON(status, gin.H{"error": "failed to store message"})
		return
	}

	if duplicate {
		c.JSON(http.StatusOK, entry)
		return
	}
	h.emitAudit(c, "INFO", "message accepted", &partyID)
	c.JSON(http.StatusCreated, entry)
}

// GetState returns the current playback state.
func (h *SyncHandler) GetState(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	if !h.requireMember(c, partyID) {
		return
	}

	state, err := h.svc.State(c.Request.Context(), partyID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrPartyNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "failed to load state"})
		return
	}
	c.JSON(http.StatusOK, state)
}

// PatchState applies a playback update gated on expected_version. A
// stale version answers 409 with the authoritative state so the caller
// can re-read and retry.
func (h *SyncHandler) PatchState(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	if !h.requireMember(c, partyID) {
		return
	}

	var req struct {
		IsPlaying       *bool    `json:"is_playing" binding:"required"`
		CurrentTime     *float64 `json:"current_time" binding:"required"`
		ExpectedVersion *int64   `json:"expected_version" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", &partyID)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	state, err := h.svc.UpdateState(c.Request.Context(), partyID, *req.IsPlaying, *req.CurrentTime, *req.ExpectedVersion)
	if err != nil {
		var conflict *repositories.StateConflictError
		if errors.As(err, &conflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "version conflict", "state": conflict.Current})
			return
		}
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrPartyNotFound) {
			status = http.StatusNotFound
		}
		h.emitAudit(c, "ERROR", "could not update state", &partyID)
		c.JSON(status, gin.H{"error": "failed to update state"})
		return
	}

	c.JSON(http.StatusOK, state)
}

func (h *SyncHandler) requireMember(c *gin.Context, partyID int) bool {
	userID := c.GetInt("userID")
	member, err := h.partyRepo.IsMember(c.Request.Context(), partyID, userID)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", &partyID)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return false
	}
	if !member {
		h.emitAudit(c, "ERROR", "not allowed", &partyID)
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party member"})
		return false
	}
	return true
}

func (h *SyncHandler) emitAudit(c *gin.Context, level, text string, partyID *int) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), partyID)
}
