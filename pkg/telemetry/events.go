package telemetry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event is a notable change in a mirrored tree or in the connection to its
// authority.
type Event struct {
	ID        string    `json:"id"`
	Timestamp time.Time `json:"timestamp"`
	Type      string    `json:"type"`

	// Source is session, client or server.
	Source    string `json:"source"`
	SessionID string `json:"session_id,omitempty"`
	Path      string `json:"path,omitempty"`
	Message   string `json:"message"`
	Level     string `json:"level"`

	Data map[string]any `json:"data,omitempty"`
}

const (
	EventTypeMemberBound     = "member.bound"
	EventTypeMemberDeleted   = "member.deleted"
	EventTypeMemberRenamed   = "member.renamed"
	EventTypeCommandProgress = "command.progress"
	EventTypeWriteDenied     = "write.denied"
	EventTypeSessionClosed   = "session.closed"
	EventTypeRemoteError     = "remote.error"
)

const (
	EventLevelInfo    = "info"
	EventLevelWarning = "warning"
	EventLevelError   = "error"
)

var (
	errPublisherStopped = errors.New("event publisher stopped")
	errBufferFull       = errors.New("event buffer full, event dropped")
)

// EventSubscriber receives delivered events.
type EventSubscriber func(event Event)

// EventFilter reports whether an event should be delivered.
type EventFilter func(event Event) bool

type subscription struct {
	fn     EventSubscriber
	filter EventFilter
}

// EventPublisher fans events out to subscribers. Synchronous publishers
// call subscribers inline in Publish, in registration order. Async ones
// queue events for a single goroutine that delivers them in publish order.
// All methods accept a nil receiver.
type EventPublisher struct {
	cfg EventsConfig

	mu      sync.RWMutex
	subs    []subscription
	filters []EventFilter
	queue   chan Event
	stopped bool
	drained chan struct{}
}

func NewEventPublisher(cfg EventsConfig) (*EventPublisher, error) {
	ep := &EventPublisher{cfg: cfg}
	if cfg.Enabled && cfg.Async {
		if cfg.BufferSize <= 0 {
			return nil, fmt.Errorf("async events need a positive buffer size")
		}
		ep.queue = make(chan Event, cfg.BufferSize)
		ep.drained = make(chan struct{})
		go ep.run()
	}
	return ep, nil
}

// Publish stamps e and hands it to subscribers. Events rejected by a
// global filter are dropped silently.
func (ep *EventPublisher) Publish(e Event) error {
	if ep == nil || !ep.cfg.Enabled {
		return nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	if e.Level == "" {
		e.Level = EventLevelInfo
	}

	ep.mu.RLock()
	for _, keep := range ep.filters {
		if !keep(e) {
			ep.mu.RUnlock()
			return nil
		}
	}
	if ep.queue != nil {
		defer ep.mu.RUnlock()
		if ep.stopped {
			return errPublisherStopped
		}
		select {
		case ep.queue <- e:
			return nil
		default:
			return errBufferFull
		}
	}
	subs := append([]subscription(nil), ep.subs...)
	ep.mu.RUnlock()

	deliver(subs, e)
	return nil
}

func (ep *EventPublisher) session(typ, sessionID, p, msg string) Event {
	return Event{Type: typ, Source: "session", SessionID: sessionID, Path: p, Message: msg}
}

// PublishMemberBound reports the first successful write of a member.
func (ep *EventPublisher) PublishMemberBound(sessionID, p string) error {
	return ep.Publish(ep.session(EventTypeMemberBound, sessionID, p, "member "+p+" created"))
}

func (ep *EventPublisher) PublishMemberDeleted(sessionID, p string) error {
	return ep.Publish(ep.session(EventTypeMemberDeleted, sessionID, p, "member "+p+" deleted"))
}

// PublishMemberRenamed reports a rename; the event path is the new one.
func (ep *EventPublisher) PublishMemberRenamed(sessionID, from, to string) error {
	e := ep.session(EventTypeMemberRenamed, sessionID, to, "member "+from+" renamed to "+to)
	e.Data = map[string]any{"from": from}
	return ep.Publish(e)
}

// PublishCommandProgress reports progress of a running command. progress
// is a fraction in [0,1], zero when unknown.
func (ep *EventPublisher) PublishCommandProgress(source, requestID, p, message string, progress float64) error {
	return ep.Publish(Event{
		Type:    EventTypeCommandProgress,
		Source:  source,
		Path:    p,
		Message: message,
		Data:    map[string]any{"request_id": requestID, "progress": progress},
	})
}

// PublishWriteDenied reports a call refused by the session guard.
func (ep *EventPublisher) PublishWriteDenied(sessionID, p, reason string) error {
	e := ep.session(EventTypeWriteDenied, sessionID, p, reason)
	e.Level = EventLevelWarning
	return ep.Publish(e)
}

func (ep *EventPublisher) PublishSessionClosed(sessionID, reason string) error {
	return ep.Publish(ep.session(EventTypeSessionClosed, sessionID, "", reason))
}

// PublishRemoteError reports a failure returned by the authority.
func (ep *EventPublisher) PublishRemoteError(sessionID, op, p string, err error) error {
	e := ep.session(EventTypeRemoteError, sessionID, p, err.Error())
	e.Level = EventLevelError
	e.Data = map[string]any{"op": op}
	return ep.Publish(e)
}

// Subscribe registers fn. A nil filter accepts every event.
func (ep *EventPublisher) Subscribe(fn EventSubscriber, filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.subs = append(ep.subs, subscription{fn: fn, filter: filter})
	ep.mu.Unlock()
}

// AddFilter drops events for every subscriber unless filter accepts them.
func (ep *EventPublisher) AddFilter(filter EventFilter) {
	if ep == nil {
		return
	}
	ep.mu.Lock()
	ep.filters = append(ep.filters, filter)
	ep.mu.Unlock()
}

func (ep *EventPublisher) run() {
	defer close(ep.drained)
	for e := range ep.queue {
		ep.mu.RLock()
		subs := append([]subscription(nil), ep.subs...)
		ep.mu.RUnlock()
		deliver(subs, e)
	}
}

func deliver(subs []subscription, e Event) {
	for _, s := range subs {
		if s.filter == nil || s.filter(e) {
			s.fn(e)
		}
	}
}

// Shutdown stops accepting events and waits until queued ones are
// delivered or ctx ends.
func (ep *EventPublisher) Shutdown(ctx context.Context) error {
	if ep == nil || ep.queue == nil {
		return nil
	}
	ep.mu.Lock()
	if !ep.stopped {
		ep.stopped = true
		close(ep.queue)
	}
	ep.mu.Unlock()

	select {
	case <-ep.drained:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("event publisher shutdown: %w", ctx.Err())
	}
}

var levelRank = map[string]int{
	EventLevelInfo:    0,
	EventLevelWarning: 1,
	EventLevelError:   2,
}

// FilterByLevel accepts events at lowest or above.
func FilterByLevel(lowest string) EventFilter {
	floor := levelRank[lowest]
	return func(e Event) bool { return levelRank[e.Level] >= floor }
}

// FilterByType accepts events of the given types.
func FilterByType(types ...string) EventFilter {
	set := make(map[string]struct{}, len(types))
	for _, t := range types {
		set[t] = struct{}{}
	}
	return func(e Event) bool {
		_, ok := set[e.Type]
		return ok
	}
}

// FilterBySession accepts events of one session.
func FilterBySession(sessionID string) EventFilter {
	return func(e Event) bool { return e.SessionID == sessionID }
}
