package ws

import (
	"crypto/rand"
	"encoding/hex"
	"time"
)

// ConnInfo carries per-connection identity and trace context, kept for
// the lifetime of the subscription and echoed into operational events.
type ConnInfo struct {
	ConnID      string
	UserID      int
	DeviceID    string
	IP          string
	RequestID   string
	TraceID     string
	ConnectedAt time.Time
}

func newConnID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return ""
	}
	return hex.EncodeToString(buf)
}
