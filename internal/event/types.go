package event

import (
	"encoding/json"
	"fmt"
)

// Frame types sent to the gateway.
const (
	TypeSubscribe = "subscribe"
	TypeComplete  = "complete"
)

// Frame types received from the gateway.
const (
	TypeData  = "data"
	TypeError = "error"
)

// Frame is the envelope for every message on the wire. The subscription id is
// client-assigned, so the gateway echoes it back on every delivery.
type Frame struct {
	ID      string          `json:"id"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// SubscribePayload is the payload of a "subscribe" frame.
type SubscribePayload struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

// DataPayload is the payload of a "data" frame.
type DataPayload struct {
	Data   json.RawMessage `json:"data,omitempty"`
	Errors []GatewayError  `json:"errors,omitempty"`
}

// GatewayError is a server-reported subscription error.
type GatewayError struct {
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

func (e GatewayError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s", e.Code, e.Message)
	}
	return e.Message
}

// UpdateKind discriminates CRUD change events.
type UpdateKind int

const (
	KindUnknown UpdateKind = iota
	KindCreate
	KindUpdate
	KindDelete
)

// String returns the wire spelling of the kind.
func (k UpdateKind) String() string {
	switch k {
	case KindCreate:
		return "CREATE"
	case KindUpdate:
		return "UPDATE"
	case KindDelete:
		return "DELETE"
	default:
		return "UNKNOWN"
	}
}

// ParseUpdateKind maps the wire spelling to an UpdateKind.
func ParseUpdateKind(s string) UpdateKind {
	switch s {
	case "CREATE", "create":
		return KindCreate
	case "UPDATE", "update":
		return KindUpdate
	case "DELETE", "delete":
		return KindDelete
	default:
		return KindUnknown
	}
}

// MarshalJSON encodes the kind as its wire spelling.
func (k UpdateKind) MarshalJSON() ([]byte, error) {
	return json.Marshal(k.String())
}

// UnmarshalJSON decodes the wire spelling.
func (k *UpdateKind) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*k = ParseUpdateKind(s)
	return nil
}

// ChangeEvent is a CRUD reconciliation event pushed by the gateway.
type ChangeEvent struct {
	TenantID   string          `json:"tenantId"`
	EntityType string          `json:"entityType"`
	Kind       UpdateKind      `json:"updateType"`
	Feature    string          `json:"feature,omitempty"`    // required feature flag, if any
	Permission string          `json:"permission,omitempty"` // required permission, if any
	Entity     json.RawMessage `json:"data,omitempty"`
}

// EntityID extracts the "id" field of the entity payload, if present.
func (e ChangeEvent) EntityID() string {
	var probe struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(e.Entity, &probe); err != nil {
		return ""
	}
	return probe.ID
}

// ParseChangeEvent decodes a change event from a data payload.
func ParseChangeEvent(data []byte) (ChangeEvent, error) {
	var ev ChangeEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return ChangeEvent{}, fmt.Errorf("parse change event: %w", err)
	}
	return ev, nil
}

// Result is what a shared subscription stream delivers to each listener.
// Loading is true only for the initial synthetic delivery on attach; real
// deliveries carry either Data or Err.
type Result struct {
	Data    json.RawMessage
	Err     error
	Loading bool
}
