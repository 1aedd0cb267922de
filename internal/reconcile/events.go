package reconcile

import "time"

type EventType string

const (
	EventRunStarted       EventType = "run.started"
	EventSchemaDetected   EventType = "schema.detected"
	EventRelationDegraded EventType = "schema.relation_degraded"
	EventMissingKey       EventType = "index.missing_key"
	EventKeyCollision     EventType = "index.collision"
	EventIndexBuilt       EventType = "index.built"
	EventRecord           EventType = "record.outcome"
	EventRetry            EventType = "retry"
	EventRunFinished      EventType = "run.finished"
)

// Event is a diagnostic emitted while a run progresses.
type Event struct {
	Type       EventType `json:"type"`
	RunID      string    `json:"runId,omitempty"`
	DatabaseID string    `json:"databaseId,omitempty"`
	RecordID   string    `json:"recordId,omitempty"`
	Key        string    `json:"key,omitempty"`
	Outcome    Outcome   `json:"outcome,omitempty"`
	Fields     []string  `json:"fields,omitempty"`
	Attempt    int       `json:"attempt,omitempty"`
	DelayMS    int64     `json:"delayMs,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

// Observer receives events synchronously, on the run's goroutine.
type Observer func(Event)

func (o Observer) emit(e Event) {
	if o == nil {
		return
	}
	if e.At.IsZero() {
		e.At = time.Now().UTC()
	}
	o(e)
}
