package ws

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"party-service/internal/models"
	"party-service/internal/observability"
	"party-service/internal/presence"
)

const (
	sendBufferSize  = 64
	writeWait       = 10 * time.Second
	writeRetryDelay = 50 * time.Millisecond
)

var errSlowSubscriber = errors.New("subscriber send buffer full")

// wireConn is the writable side of a websocket connection.
type wireConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Close() error
}

// Subscription binds one websocket connection to a party room. It is
// ephemeral: created on join, discarded on disconnect, never persisted.
type Subscription struct {
	PartyID int
	Info    ConnInfo

	conn wireConn
	send chan []byte
	done chan struct{}
	once sync.Once
}

// NewSubscription builds a Subscription for a party connection.
func NewSubscription(partyID int, conn wireConn, info ConnInfo) *Subscription {
	return &Subscription{
		PartyID: partyID,
		Info:    info,
		conn:    conn,
		send:    make(chan []byte, sendBufferSize),
		done:    make(chan struct{}),
	}
}

func (s *Subscription) write(payload []byte) error {
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// Hub maintains active party rooms and fans accepted events out to every
// subscription in a room. Callers serialize per-party accepts, so each
// subscription's queue receives events in acceptance order.
type Hub struct {
	rooms   map[int]map[*Subscription]bool
	mu      sync.RWMutex
	tracker presence.Tracker
}

// NewHub creates an empty hub.
func NewHub(tracker presence.Tracker) *Hub {
	return &Hub{
		rooms:   make(map[int]map[*Subscription]bool),
		tracker: tracker,
	}
}

// Add registers a subscription with its party room.
func (h *Hub) Add(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.rooms[sub.PartyID]; !ok {
		h.rooms[sub.PartyID] = make(map[*Subscription]bool)
	}
	h.rooms[sub.PartyID][sub] = true
}

// WriteReplay delivers the replay suffix directly to the connection.
// Called after Add but before Run starts draining, so live events
// accepted since registration wait in the send queue behind the replay.
// Runs outside the party's accept lock: a stalled replay write never
// holds up appends or state updates.
func (h *Hub) WriteReplay(sub *Subscription, replay []models.LogEntry) error {
	for _, entry := range replay {
		payload, err := json.Marshal(models.PartyEvent{Channel: channelName(sub.PartyID), Name: models.EventLog, Payload: entry})
		if err != nil {
			return err
		}
		if err := sub.write(payload); err != nil {
			return fmt.Errorf("replay write: %w", err)
		}
	}
	return nil
}

// Remove unregisters a subscription from its party room.
func (h *Hub) Remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if subs, ok := h.rooms[sub.PartyID]; ok {
		delete(subs, sub)
		if len(subs) == 0 {
			delete(h.rooms, sub.PartyID)
		}
	}
}

// Run drains the subscription's queue onto the wire. A failed write is
// retried once after a short delay; a second failure drops the
// subscriber, who reconciles through the cursor replay on reconnect.
func (h *Hub) Run(sub *Subscription) {
	for {
		select {
		case <-sub.done:
			return
		case payload := <-sub.send:
			if err := sub.write(payload); err != nil {
				observability.IncBroadcastRetry("party")
				time.Sleep(writeRetryDelay)
				if err = sub.write(payload); err != nil {
					h.drop(sub, err)
					return
				}
			}
		}
	}
}

// Disconnect tears a subscription down without treating it as a
// delivery failure. Undelivered queued events are discarded.
func (h *Hub) Disconnect(sub *Subscription) {
	h.drop(sub, nil)
}

// BroadcastLogEntry fans an accepted log entry out to the party room.
// Message entries additionally produce an attention event for
// subscribers currently hidden, never for the author's own connections.
func (h *Hub) BroadcastLogEntry(partyID int, entry models.LogEntry) {
	subs := h.snapshot(partyID)

	payload, _ := json.Marshal(models.PartyEvent{Channel: channelName(partyID), Name: models.EventLog, Payload: entry})
	for _, sub := range subs {
		h.enqueue(sub, payload)
	}

	if entry.Type != models.EntryTypeMessage {
		return
	}

	attention, _ := json.Marshal(models.PartyEvent{
		Channel: channelName(partyID),
		Name:    models.EventAttention,
		Payload: map[string]any{"id": entry.ClientID, "author_user_id": entry.AuthorID},
	})
	ctx := context.Background()
	for _, sub := range subs {
		if sub.Info.UserID == entry.AuthorID {
			continue
		}
		if h.tracker.IsVisible(ctx, sub.Info.ConnID) {
			continue
		}
		h.enqueue(sub, attention)
		observability.IncWSEvent("party", "attention")
	}
}

// BroadcastState fans an accepted playback state out to the party room.
func (h *Hub) BroadcastState(partyID int, state models.PlaybackState) {
	payload, _ := json.Marshal(models.PartyEvent{Channel: channelName(partyID), Name: models.EventState, Payload: state})
	for _, sub := range h.snapshot(partyID) {
		h.enqueue(sub, payload)
	}
}

// IsAnyoneElseVisible reports whether any subscriber in the party other
// than userID currently reads as visible.
func (h *Hub) IsAnyoneElseVisible(ctx context.Context, partyID int, userID int) bool {
	for _, sub := range h.snapshot(partyID) {
		if sub.Info.UserID == userID {
			continue
		}
		if h.tracker.IsVisible(ctx, sub.Info.ConnID) {
			return true
		}
	}
	return false
}

func (h *Hub) snapshot(partyID int) []*Subscription {
	h.mu.RLock()
	defer h.mu.RUnlock()
	subs := make([]*Subscription, 0, len(h.rooms[partyID]))
	for sub := range h.rooms[partyID] {
		subs = append(subs, sub)
	}
	return subs
}

func (h *Hub) enqueue(sub *Subscription, payload []byte) {
	select {
	case <-sub.done:
	case sub.send <- payload:
	default:
		go h.drop(sub, errSlowSubscriber)
	}
}

func (h *Hub) drop(sub *Subscription, reason error) {
	sub.once.Do(func() {
		close(sub.done)
		h.Remove(sub)
		sub.conn.Close()
		if reason != nil {
			log.Printf("websocket subscriber dropped: %v", reason)
			h.publishWSError(sub, reason)
		}
	})
}

func (h *Hub) publishWSError(sub *Subscription, err error) {
	info := sub.Info
	payload := map[string]interface{}{
		"ws": map[string]interface{}{
			"kind":        "party",
			"resource_id": sub.PartyID,
			"event":       "ws_error",
			"conn_id":     info.ConnID,
			"duration_ms": time.Since(info.ConnectedAt).Milliseconds(),
			"reason":      err.Error(),
		},
		"identity": map[string]interface{}{
			"user_id":   info.UserID,
			"device_id": info.DeviceID,
			"ip":        info.IP,
		},
	}

	headers := observability.BuildHeaders(info.RequestID, info.TraceID)
	_ = observability.PublishEvent(context.Background(), "ws_events.parties", observability.EventEnvelope{
		EventType: "ws_events",
		EventName: "ws_error",
		PartyID:   sub.PartyID,
		Payload:   payload,
	}, headers)
	observability.IncWSEvent("party", "ws_error")
}

func channelName(partyID int) string {
	return fmt.Sprintf("party.%d", partyID)
}
