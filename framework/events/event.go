// Package events предоставляет конверт доменных событий, их контракты и реестр обработчиков.
package events

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/akriventsev/shopflow/framework/core"
)

// Event закрытое множество полезных нагрузок событий.
// Реализации находятся только в этом пакете.
type Event interface {
	// EventType возвращает дискриминатор события
	EventType() string
	// Validate проверяет схему payload
	Validate() error
	isEvent()
}

// Metadata метаданные события (correlation_id, source и т.п.)
type Metadata map[string]string

// Envelope транспортная обертка события. После публикации не изменяется.
type Envelope struct {
	EventID    string          `json:"event_id"`
	EventType  string          `json:"event_type"`
	OccurredAt time.Time       `json:"occurred_at"`
	Payload    json.RawMessage `json:"payload"`
	Metadata   Metadata        `json:"metadata,omitempty"`
}

// NewEnvelope упаковывает событие в конверт
func NewEnvelope(event Event, occurredAt time.Time, metadata Metadata) (*Envelope, error) {
	if err := event.Validate(); err != nil {
		return nil, err
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s payload: %w", event.EventType(), err)
	}
	return &Envelope{
		EventID:    uuid.NewString(),
		EventType:  event.EventType(),
		OccurredAt: occurredAt.UTC(),
		Payload:    payload,
		Metadata:   metadata,
	}, nil
}

// Marshal сериализует конверт в JSON
func (e *Envelope) Marshal() ([]byte, error) {
	return json.Marshal(e)
}

// ParseEnvelope разбирает конверт из тела сообщения.
// Нечитаемый конверт считается MALFORMED_EVENT.
func ParseEnvelope(data []byte) (*Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, core.Wrap(err, core.ErrMalformedEvent, "envelope is not valid JSON")
	}
	if env.EventType == "" {
		return nil, core.Malformed("envelope has no event_type")
	}
	if len(bytes.TrimSpace(env.Payload)) == 0 {
		env.Payload = json.RawMessage("{}")
	}
	return &env, nil
}
