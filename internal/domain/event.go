package domain

import "time"

// EventType defines the type of event
type EventType string

const (
	EventProviderConnected    EventType = "provider_connected"
	EventProviderDisconnected EventType = "provider_disconnected"
	EventProviderBindFailed   EventType = "provider_bind_failed"
	EventProvidersRefreshed   EventType = "providers_refreshed"
)

// Event represents an event that occurred in the system
type Event struct {
	Type      EventType   `json:"type"`
	Payload   interface{} `json:"payload,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// NewEvent stamps an event with the current time
func NewEvent(t EventType, payload interface{}) Event {
	return Event{Type: t, Payload: payload, Timestamp: time.Now().UTC()}
}

// ProviderInfo is a point-in-time snapshot of a connection handle
type ProviderInfo struct {
	ID          string    `json:"id"`
	Module      string    `json:"module"`
	EntryPoint  string    `json:"entry"`
	Name        string    `json:"name"`
	ConfigClass string    `json:"config_class,omitempty"`
	State       State     `json:"state"`
	Since       time.Time `json:"since"`
	Error       string    `json:"error,omitempty"`
}
