package handlers

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"party-service/internal/party"
	"party-service/internal/repositories"
	"party-service/internal/telemetry"
	"party-service/internal/ws"
)

// PartyHandler manages party lifecycle and membership endpoints.
type PartyHandler struct {
	partyRepo repositories.PartyRepository
	svc       *party.Service
	hub       *ws.Hub
	audit     *telemetry.AuditEmitter
}

// NewPartyHandler constructs a PartyHandler.
func NewPartyHandler(partyRepo repositories.PartyRepository, svc *party.Service, hub *ws.Hub, audit *telemetry.AuditEmitter) *PartyHandler {
	return &PartyHandler{partyRepo: partyRepo, svc: svc, hub: hub, audit: audit}
}

// CreateParty handles POST /parties. The creator becomes the owner and
// first member; the log opens with a started activity.
func (h *PartyHandler) CreateParty(c *gin.Context) {
	userID := c.GetInt("userID")

	var req struct {
		Name string `json:"name" binding:"required"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		h.emitAudit(c, "ERROR", "invalid request payload", nil)
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.partyRepo.CreateParty(c.Request.Context(), userID, req.Name)
	if err != nil {
		h.emitAudit(c, "ERROR", "internal error", nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not create party"})
		return
	}

	if _, err := h.svc.AppendActivity(c.Request.Context(), p.ID, userID, fmt.Sprintf("user %d started the party", userID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record activity"})
		return
	}

	h.emitAudit(c, "INFO", "party created", &p.ID)
	c.JSON(http.StatusCreated, p)
}

// ListParties returns parties the caller belongs to.
func (h *PartyHandler) ListParties(c *gin.Context) {
	userID := c.GetInt("userID")
	parties, err := h.partyRepo.ListPartiesForUser(c.Request.Context(), userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load parties"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"parties": parties})
}

// JoinParty adds the caller as a member and logs a join activity.
// Joining twice is a no-op.
func (h *PartyHandler) JoinParty(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	added, err := h.partyRepo.AddMember(c.Request.Context(), partyID, userID)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrPartyNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "could not join party"})
		return
	}

	if added {
		if _, err := h.svc.AppendActivity(c.Request.Context(), partyID, userID, fmt.Sprintf("user %d joined the party", userID)); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record activity"})
			return
		}
		h.emitAudit(c, "INFO", "member joined", &partyID)
	}

	c.JSON(http.StatusOK, gin.H{"joined": added})
}

// LeaveParty removes the caller from the party and logs a leave
// activity.
func (h *PartyHandler) LeaveParty(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	removed, err := h.partyRepo.RemoveMember(c.Request.Context(), partyID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not leave party"})
		return
	}
	if !removed {
		c.JSON(http.StatusNotFound, gin.H{"error": "not a party member"})
		return
	}

	if _, err := h.svc.AppendActivity(c.Request.Context(), partyID, userID, fmt.Sprintf("user %d left the party", userID)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "could not record activity"})
		return
	}

	h.emitAudit(c, "INFO", "member left", &partyID)
	c.Status(http.StatusNoContent)
}

// ArchiveParty tears the party down (owner only). Log rows are kept.
func (h *PartyHandler) ArchiveParty(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	if err := h.partyRepo.ArchiveParty(c.Request.Context(), partyID, userID); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, repositories.ErrPartyNotFound) {
			status = http.StatusNotFound
		}
		c.JSON(status, gin.H{"error": "could not archive party"})
		return
	}

	h.svc.ForgetParty(partyID)
	h.emitAudit(c, "INFO", "party archived", &partyID)
	c.Status(http.StatusNoContent)
}

// GetPresence reports whether anyone besides the caller currently reads
// as visible, which drives unread semantics client-side.
func (h *PartyHandler) GetPresence(c *gin.Context) {
	partyID, ok := parsePartyID(c)
	if !ok {
		return
	}
	userID := c.GetInt("userID")

	member, err := h.partyRepo.IsMember(c.Request.Context(), partyID, userID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "membership check failed"})
		return
	}
	if !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party member"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"anyone_else_visible": h.hub.IsAnyoneElseVisible(c.Request.Context(), partyID, userID),
	})
}

func (h *PartyHandler) emitAudit(c *gin.Context, level, text string, partyID *int) {
	if h.audit == nil {
		return
	}
	h.audit.Emit(c.Request.Context(), level, text, requestIDFromContext(c), userIDFromContext(c), partyID)
}

func parsePartyID(c *gin.Context) (int, bool) {
	partyID, err := strconv.Atoi(c.Param("party_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid party id"})
		return 0, false
	}
	return partyID, true
}
