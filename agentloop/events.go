package agentloop

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// EventKind identifies the type of session event.
type EventKind string

const (
	EventSessionStart       EventKind = "session_start"
	EventSessionEnd         EventKind = "session_end"
	EventUserInput          EventKind = "user_input"
	EventAssistantTextStart EventKind = "assistant_text_start"
	EventAssistantTextDelta EventKind = "assistant_text_delta"
	EventAssistantTextEnd   EventKind = "assistant_text_end"
	EventNudge              EventKind = "nudge"
	EventExecStart          EventKind = "exec_start"
	EventExecEnd            EventKind = "exec_end"
	EventExecDeclined       EventKind = "exec_declined"
	EventFeedback           EventKind = "feedback"
	EventRequestComplete    EventKind = "request_complete"
	EventTurnLimit          EventKind = "turn_limit"
	EventInterrupted        EventKind = "interrupted"
	EventLoopDetection      EventKind = "loop_detection"
	EventWarning            EventKind = "warning"
	EventError              EventKind = "error"
)

// SessionEvent is a typed event emitted by the agent loop.
type SessionEvent struct {
	Kind      EventKind              `json:"kind"`
	Timestamp time.Time              `json:"timestamp"`
	SessionID string                 `json:"session_id"`
	Data      map[string]interface{} `json:"data,omitempty"`
}

// String returns the string-valued data field key, or "".
func (e SessionEvent) String(key string) string {
	s, _ := e.Data[key].(string)
	return s
}

// Subscriber receives session events. It is called synchronously on the
// goroutine running the session, in emission order, so it must not block.
type Subscriber func(SessionEvent)

// EventEmitter delivers typed events to subscribers.
type EventEmitter struct {
	sessionID   string
	subscribers []Subscriber
	closed      bool
	mu          sync.Mutex
}

// NewEventEmitter creates an emitter for a session.
func NewEventEmitter(sessionID string) *EventEmitter {
	return &EventEmitter{sessionID: sessionID}
}

// Subscribe registers fn for all subsequent events.
func (e *EventEmitter) Subscribe(fn Subscriber) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.subscribers = append(e.subscribers, fn)
}

// Emit delivers an event to every subscriber. Events emitted after Close
// are dropped.
func (e *EventEmitter) Emit(kind EventKind, data map[string]interface{}) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	subs := e.subscribers
	e.mu.Unlock()

	event := SessionEvent{
		Kind:      kind,
		Timestamp: time.Now(),
		SessionID: e.sessionID,
		Data:      data,
	}
	for _, fn := range subs {
		fn(event)
	}
}

// Close stops delivery. Safe to call multiple times.
func (e *EventEmitter) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
}

// eventLevel maps event kinds to log levels.
func eventLevel(kind EventKind) slog.Level {
	switch kind {
	case EventError:
		return slog.LevelError
	case EventWarning, EventLoopDetection, EventTurnLimit, EventInterrupted:
		return slog.LevelWarn
	case EventAssistantTextDelta, EventAssistantTextStart:
		return slog.LevelDebug - 4
	case EventSessionStart, EventSessionEnd, EventRequestComplete:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// LogEvents returns a Subscriber that records events on logger. The event
// kind becomes the log message and data keys are flattened as attributes.
func LogEvents(logger *slog.Logger) Subscriber {
	return func(event SessionEvent) {
		level := eventLevel(event.Kind)
		if !logger.Enabled(context.Background(), level) {
			return
		}
		attrs := make([]slog.Attr, 0, len(event.Data)+1)
		attrs = append(attrs, slog.String("session_id", event.SessionID))
		for k, v := range event.Data {
			attrs = append(attrs, slog.Any(k, v))
		}
		logger.LogAttrs(context.Background(), level, string(event.Kind), attrs...)
	}
}
