package gateway

import (
	"sync"

	"github.com/rs/zerolog"
)

// eventLog logs relayed event types, collapsing a run of the same type and
// direction into one line with its count.
type eventLog struct {
	logger zerolog.Logger

	mu        sync.Mutex
	lastType  string
	direction string
	count     int
}

func newEventLog(logger zerolog.Logger) *eventLog {
	return &eventLog{logger: logger}
}

func (l *eventLog) record(eventType, direction string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if eventType == l.lastType && direction == l.direction {
		l.count++
		return
	}
	l.emit()
	l.lastType = eventType
	l.direction = direction
	l.count = 1
}

func (l *eventLog) flush() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emit()
	l.lastType, l.direction, l.count = "", "", 0
}

func (l *eventLog) emit() {
	if l.count == 0 {
		return
	}
	l.logger.Debug().
		Str("event_type", l.lastType).
		Str("direction", l.direction).
		Int("count", l.count).
		Msg("Relayed events")
}
