package observability

// EventEnvelope wraps operational events published to the party events
// exchange. PartyID is set on events tied to a single party so consumers
// can filter without parsing the payload.
type EventEnvelope struct {
	EventType string `json:"event_type"`
	EventName string `json:"event_name"`
	PartyID   int    `json:"party_id,omitempty"`
	Payload   any    `json:"payload"`
}

func BuildHeaders(requestID, traceID string) map[string]string {
	headers := map[string]string{}
	if requestID != "" {
		headers["x-request-id"] = requestID
	}
	if traceID != "" {
		headers["trace_id"] = traceID
	}
	return headers
}
