package models

import "time"

// Log entry types.
const (
	EntryTypeMessage  = "message"
	EntryTypeActivity = "activity"
)

// LogEntry is one unit of party history: a chat message or an activity
// notice. Entries are immutable once accepted and totally ordered per
// party by Seq, which is assigned at acceptance time.
type LogEntry struct {
	PartyID   int       `db:"party_id" json:"party_id"`
	Seq       int64     `db:"seq" json:"seq"`
	ClientID  string    `db:"client_id" json:"id"`
	Type      string    `db:"type" json:"type"`
	Text      string    `db:"text" json:"text"`
	AuthorID  int       `db:"author_id" json:"author_user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// EntryGroup is a run of consecutive entries rendered as one block:
// consecutive activity entries merge, consecutive messages merge only
// when written by the same author.
type EntryGroup struct {
	Type     string     `json:"type"`
	AuthorID int        `json:"author_user_id,omitempty"`
	Entries  []LogEntry `json:"entries"`
}
