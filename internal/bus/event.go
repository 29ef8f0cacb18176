package bus

import "time"

// Event kinds published by the chat core.
const (
	KindMessageIngested = "message.ingested"
	KindSummaryFailed   = "summary.failed"
	KindSummaryRepaired = "summary.repaired"
	KindPresenceOnline  = "presence.online"
	KindPresenceOffline = "presence.offline"
	KindAgentReplied    = "agent.replied"
	KindAgentFailed     = "agent.failed"
	KindClientStatus    = "client.status_changed"
)

// Event represents a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// PresencePayload accompanies presence.* events.
type PresencePayload struct {
	UserID string
}
