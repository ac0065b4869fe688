package media

import "sync"

// EventType names a canonical provider event.
type EventType string

const (
	EventConnected          EventType = "connected"
	EventDisconnected       EventType = "disconnected"
	EventConnectionError    EventType = "connection-error"
	EventReconnecting       EventType = "reconnecting"
	EventParticipantJoined  EventType = "participant-joined"
	EventParticipantLeft    EventType = "participant-left"
	EventParticipantUpdated EventType = "participant-updated"
	EventTrackPublished     EventType = "track-published"
	EventTrackUnpublished   EventType = "track-unpublished"
	EventMetricsUpdated     EventType = "metrics-updated"
	EventTranscript         EventType = "transcript-received"
)

// Event is a single notification on a provider's canonical stream. Only the
// fields relevant to Type are set.
type Event struct {
	Type        EventType
	Participant *Participant
	Track       *Track
	Metrics     *Metrics
	Transcript  *TranscriptEntry
	Err         error
}

// Emitter fans events out to subscribers. The zero value is ready to use.
// Handlers run synchronously on the emitting goroutine and must not block.
type Emitter struct {
	mu       sync.RWMutex
	next     int
	handlers map[int]func(Event)
	order    []int
}

// Subscribe registers fn and returns a function that removes it.
func (e *Emitter) Subscribe(fn func(Event)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.handlers == nil {
		e.handlers = make(map[int]func(Event))
	}
	id := e.next
	e.next++
	e.handlers[id] = fn
	e.order = append(e.order, id)

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			defer e.mu.Unlock()
			delete(e.handlers, id)
			for i, v := range e.order {
				if v == id {
					e.order = append(e.order[:i], e.order[i+1:]...)
					break
				}
			}
		})
	}
}

// Emit delivers ev to every subscriber in registration order.
func (e *Emitter) Emit(ev Event) {
	e.mu.RLock()
	fns := make([]func(Event), 0, len(e.order))
	for _, id := range e.order {
		fns = append(fns, e.handlers[id])
	}
	e.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
