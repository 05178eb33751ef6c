package models

import "time"

// PlaybackState is the shared player position for a party. Version is a
// monotonic counter bumped on every accepted update; stale updates carry
// an old version and are rejected.
type PlaybackState struct {
	PartyID     int       `db:"party_id" json:"party_id"`
	IsPlaying   bool      `db:"is_playing" json:"is_playing"`
	CurrentTime float64   `db:"position_seconds" json:"current_time"`
	Version     int64     `db:"version" json:"version"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}
