package scheduler

import "github.com/1ureka/ensemble/internal/protocol"

// TrackQueue holds the remaining events of one track, ordered by
// timestamp. It is filled once at load and only drained from the front.
type TrackQueue struct {
	Track  int
	events []protocol.Event
	head   int
}

// NewTrackQueue wraps events, which must already be sorted by timestamp.
func NewTrackQueue(track int, events []protocol.Event) *TrackQueue {
	return &TrackQueue{Track: track, events: events}
}

// Len returns the number of events left.
func (q *TrackQueue) Len() int { return len(q.events) - q.head }

// Front returns the next event without removing it.
func (q *TrackQueue) Front() (protocol.Event, bool) {
	if q.head >= len(q.events) {
		return protocol.Event{}, false
	}
	return q.events[q.head], true
}

// Pop removes the next event.
func (q *TrackQueue) Pop() {
	if q.head < len(q.events) {
		q.head++
	}
	if q.head == len(q.events) {
		q.events, q.head = nil, 0
	}
}
