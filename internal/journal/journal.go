package journal

import "time"

// Event types recorded by the strategy engine.
const (
	TypeSession    = "session"
	TypeRange      = "range"
	TypeSweep      = "sweep"
	TypeReversal   = "reversal"
	TypeConfluence = "confluence"
	TypeSignal     = "signal"
	TypeExecution  = "execution"
	TypeManage     = "manage"
	TypeReset      = "reset"
	TypeHalt       = "halt"
	TypeError      = "error"
)

// Event represents a journaled event.
type Event struct {
	Time        time.Time      `json:"time"`
	Type        string         `json:"type"`
	Description string         `json:"description"`
	Data        map[string]any `json:"data,omitempty"`
}

// New creates an event stamped with the current UTC time.
func New(eventType, description string, data map[string]any) Event {
	return Event{
		Time:        time.Now().UTC(),
		Type:        eventType,
		Description: description,
		Data:        data,
	}
}
