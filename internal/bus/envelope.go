// Package bus routes envelopes between registered agents and keeps a bounded
// history of everything it delivered.
package bus

import (
	"time"

	"github.com/google/uuid"
)

// Kind classifies an envelope.
type Kind string

const (
	KindRequest      Kind = "REQUEST"
	KindResponse     Kind = "RESPONSE"
	KindNotification Kind = "NOTIFICATION"
	KindError        Kind = "ERROR"
)

// Envelope is the unit of communication between agents. It is passed by
// value; the payload map is shared and must be treated as read-only once sent.
type Envelope struct {
	ID            string         `json:"id"`
	From          string         `json:"from"`
	To            string         `json:"to"`
	Kind          Kind           `json:"type"`
	Payload       map[string]any `json:"payload"`
	Timestamp     time.Time      `json:"timestamp"`
	CorrelationID string         `json:"correlation_id,omitempty"`
}

// NewEnvelope builds an envelope with a fresh id and the current timestamp.
func NewEnvelope(from, to string, kind Kind, payload map[string]any) Envelope {
	if payload == nil {
		payload = map[string]any{}
	}
	return Envelope{
		ID:        uuid.New().String(),
		From:      from,
		To:        to,
		Kind:      kind,
		Payload:   payload,
		Timestamp: time.Now(),
	}
}

// Reply builds an envelope addressed to the sender of e, correlated to e.
func (e Envelope) Reply(kind Kind, payload map[string]any) Envelope {
	r := NewEnvelope(e.To, e.From, kind, payload)
	r.CorrelationID = e.ID
	return r
}

// String returns a payload value as a string, or "" when missing.
func (e Envelope) String(key string) string {
	s, _ := e.Payload[key].(string)
	return s
}

// retarget is the only way an envelope changes destination.
func (e Envelope) retarget(to string) Envelope {
	e.To = to
	return e
}

// Summary is the history view of an envelope.
type Summary struct {
	ID            string    `json:"id"`
	From          string    `json:"from"`
	To            string    `json:"to"`
	Kind          Kind      `json:"type"`
	Timestamp     time.Time `json:"timestamp"`
	CorrelationID string    `json:"correlation_id,omitempty"`
}

func (e Envelope) Summary() Summary {
	return Summary{
		ID:            e.ID,
		From:          e.From,
		To:            e.To,
		Kind:          e.Kind,
		Timestamp:     e.Timestamp,
		CorrelationID: e.CorrelationID,
	}
}
