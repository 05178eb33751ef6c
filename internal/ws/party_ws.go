package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel"

	"party-service/internal/models"
	"party-service/internal/observability"
	"party-service/internal/party"
	"party-service/internal/presence"
	"party-service/internal/repositories"
)

// PartyWebSocketHandler handles party websocket subscriptions.
type PartyWebSocketHandler struct {
	hub     *Hub
	svc     *party.Service
	parties repositories.PartyRepository
	tracker presence.Tracker
}

// NewPartyWebSocketHandler constructs a PartyWebSocketHandler.
func NewPartyWebSocketHandler(hub *Hub, svc *party.Service, parties repositories.PartyRepository, tracker presence.Tracker) *PartyWebSocketHandler {
	return &PartyWebSocketHandler{hub: hub, svc: svc, parties: parties, tracker: tracker}
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// clientFrame is the only inbound frame shape: presence heartbeats.
type clientFrame struct {
	Type    string `json:"type"`
	Visible bool   `json:"visible"`
}

// Handle upgrades the connection, replays the log suffix after the
// client's cursor and registers the subscription for live push.
func (h *PartyWebSocketHandler) Handle(c *gin.Context) {
	partyID, err := strconv.Atoi(c.Param("party_id"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid party id"})
		return
	}

	ctx, span := otel.Tracer("party-service/ws").Start(c.Request.Context(), "ws.handshake")
	defer span.End()
	c.Request = c.Request.WithContext(ctx)

	userID, err := identityFromRequest(c)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "missing user identity"})
		return
	}

	member, err := h.parties.IsMember(c.Request.Context(), partyID, userID)
	if err != nil || !member {
		c.JSON(http.StatusForbidden, gin.H{"error": "not a party member"})
		return
	}

	var cursor int64
	if raw := c.Query("since"); raw != "" {
		cursor, err = strconv.ParseInt(raw, 10, 64)
		if err != nil || cursor < 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid since cursor"})
			return
		}
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		return
	}
	traceID := span.SpanContext().TraceID().String()
	requestID := observability.RequestIDFromRequest(c.Request)
	info := ConnInfo{
		ConnID:      newConnID(),
		UserID:      userID,
		DeviceID:    observability.DeviceIDFromRequest(c.Request),
		IP:          observability.IPFromRequest(c.Request),
		RequestID:   requestID,
		TraceID:     traceID,
		ConnectedAt: time.Now(),
	}
	sub := NewSubscription(partyID, conn, info)

	// Snapshot and register under the accept lock, so no accepted event
	// falls in the gap. The replay itself is written after the lock is
	// released; live events queue up behind it until Run starts.
	var replay []models.LogEntry
	err = h.svc.Attach(ctx, partyID, cursor, func(entries []models.LogEntry) error {
		replay = entries
		h.hub.Add(sub)
		return nil
	})
	if err != nil {
		conn.Close()
		return
	}

	if err := h.hub.WriteReplay(sub, replay); err != nil {
		h.hub.Disconnect(sub)
		return
	}

	observability.IncWSActive("party")
	observability.IncWSEvent("party", "ws_connect")
	_ = observability.PublishEvent(ctx, "ws_events.parties", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_connect",
		PartyID:   sub.PartyID,
		Payload:   wsEventPayload(sub, "ws_connect", ""),
	}, observability.BuildHeaders(requestID, traceID))

	go h.hub.Run(sub)
	go h.readLoop(ctx, sub, requestID, traceID)
}

func (h *PartyWebSocketHandler) readLoop(ctx context.Context, sub *Subscription, requestID, traceID string) {
	var closeReason string
	defer func() {
		h.hub.Disconnect(sub)
		h.tracker.Forget(context.Background(), sub.Info.ConnID)
		observability.DecWSActive("party")
		observability.IncWSEvent("party", "ws_disconnect")
		_ = observability.PublishEvent(ctx, "ws_events.parties", observability.EventEnvelope{
			EventType: "ws_events",
			EventName: "ws_disconnect",
			PartyID:   sub.PartyID,
			Payload:   wsEventPayload(sub, "ws_disconnect", closeReason),
		}, observability.BuildHeaders(requestID, traceID))
	}()

	for {
		_, raw, err := sub.conn.ReadMessage()
		if err != nil {
			closeReason = err.Error()
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				observability.IncWSEvent("party", "ws_error")
				_ = observability.PublishEvent(ctx, "ws_events.parties", observability.EventEnvelope{
					EventType: "ws_events",
					EventName: "ws_error",
					PartyID:   sub.PartyID,
					Payload:   wsEventPayload(sub, "ws_error", closeReason),
				}, observability.BuildHeaders(requestID, traceID))
			}
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		if frame.Type == "presence" {
			h.tracker.MarkVisible(ctx, sub.Info.ConnID, frame.Visible)
		}
	}
}

func wsEventPayload(sub *Subscription, event, reason string) map[string]interface{} {
	info := sub.Info
	durationMS := int64(0)
	if event != "ws_connect" {
		durationMS = time.Since(info.ConnectedAt).Milliseconds()
	}
	return map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        "party",
			"resource_id": sub.PartyID,
			"event":       event,
			"conn_id":     info.ConnID,
			"duration_ms": durationMS,
			"reason":      reason,
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}
}

// identityFromRequest reads the caller's user id from the X-User-ID
// header set by the gateway, falling back to the user_id query value
// for browser websocket clients that cannot set headers.
func identityFromRequest(c *gin.Context) (int, error) {
	raw := c.GetHeader("X-User-ID")
	if raw == "" {
		raw = c.Query("user_id")
	}
	return strconv.Atoi(raw)
}
