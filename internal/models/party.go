package models

import "time"

// Party is a group session sharing synchronized playback and a chat log.
type Party struct {
	ID        int       `db:"id" json:"id"`
	Name      string    `db:"name" json:"name"`
	OwnerID   int       `db:"owner_id" json:"owner_id"`
	Archived  bool      `db:"archived" json:"archived"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// PartyMember links a user to a party.
type PartyMember struct {
	PartyID  int       `db:"party_id" json:"party_id"`
	UserID   int       `db:"user_id" json:"user_id"`
	JoinedAt time.Time `db:"joined_at" json:"joined_at"`
}

// PartyEvent is the envelope pushed over websocket connections.
type PartyEvent struct {
	Channel string `json:"channel"`
	Name    string `json:"name"`
	Payload any    `json:"payload"`
}

// Push event names.
const (
	EventLog       = "log"
	EventState     = "state"
	EventAttention = "attention"
)
