package tracker

import (
	"fmt"
	"sync"
	"time"
)

// EventLog keeps the most recent human-readable tracker lines in a fixed-size ring.
type EventLog struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
	total uint64
	now   func() time.Time
}

// NewEventLog creates a ring holding at most capacity lines.
func NewEventLog(capacity int) *EventLog {
	if capacity <= 0 {
		capacity = 1000
	}
	return &EventLog{lines: make([]string, capacity), now: time.Now}
}

// Appendf formats a line, stamps it and appends it, overwriting the oldest line when full.
func (l *EventLog) Appendf(format string, args ...any) {
	line := l.now().Format("15:04:05.000") + " " + fmt.Sprintf(format, args...)
	l.mu.Lock()
	l.lines[l.next] = line
	l.next = (l.next + 1) % len(l.lines)
	if l.next == 0 {
		l.full = true
	}
	l.total++
	l.mu.Unlock()
}

// Lines returns the retained lines, oldest first.
func (l *EventLog) Lines() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		out := make([]string, l.next)
		copy(out, l.lines[:l.next])
		return out
	}
	out := make([]string, 0, len(l.lines))
	out = append(out, l.lines[l.next:]...)
	out = append(out, l.lines[:l.next]...)
	return out
}

// Len returns the number of retained lines.
func (l *EventLog) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.full {
		return len(l.lines)
	}
	return l.next
}

// Total returns how many lines were ever appended.
func (l *EventLog) Total() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
