package events

import (
	"sort"
	"time"

	"github.com/google/uuid"
)

// Type identifies a kind of observed candidate interaction.
type Type string

const (
	TypeKeystroke       Type = "keystroke"
	TypeCopy            Type = "copy"
	TypePaste           Type = "paste"
	TypeTabSwitch       Type = "tab_switch"
	TypeFocusLost       Type = "focus_lost"
	TypeFullscreenExit  Type = "fullscreen_exit"
	TypeBurstTyping     Type = "burst_typing"
	TypeOverlayDetected Type = "overlay_detected"
	TypeDevtoolsOpen    Type = "devtools_open"
	TypeMultipleScreens Type = "multiple_screens"
	TypeLookaround      Type = "lookaround"
	TypePersonDetected  Type = "person_detected"
	TypeLipMovement     Type = "lip_movement"
)

var knownTypes = map[Type]struct{}{
	TypeKeystroke: {}, TypeCopy: {}, TypePaste: {}, TypeTabSwitch: {},
	TypeFocusLost: {}, TypeFullscreenExit: {}, TypeBurstTyping: {},
	TypeOverlayDetected: {}, TypeDevtoolsOpen: {}, TypeMultipleScreens: {},
	TypeLookaround: {}, TypePersonDetected: {}, TypeLipMovement: {},
}

// Known reports whether t belongs to the event vocabulary. Client-supplied
// type strings must pass through this before use as a metric label or any
// other bounded keyspace.
func Known(t Type) bool {
	_, ok := knownTypes[t]
	return ok
}

// Event is a single timestamped observation. Events are immutable once
// appended; ordering is by append, not by timestamp.
type Event struct {
	Type      Type           `json:"type"`
	Timestamp int64          `json:"timestamp"` // milliseconds
	Details   map[string]any `json:"details,omitempty"`
}

// Session is the append-only event log for one monitoring attempt.
// The anomaly score only ever grows and a flag is raised at most once.
// Sessions are not safe for concurrent use; the monitor serializes access.
type Session struct {
	ID           string
	StartTime    time.Time
	Events       []Event
	AnomalyScore float64
	flags        map[string]struct{}
}

// NewSession creates an empty session with a fresh id.
func NewSession(now time.Time) *Session {
	return &Session{
		ID:        uuid.NewString(),
		StartTime: now,
		flags:     make(map[string]struct{}),
	}
}

// Append records one event at the given instant and returns it. This is the
// only mutation point for the event log.
func (s *Session) Append(t Type, details map[string]any, at time.Time) Event {
	ev := Event{Type: t, Timestamp: at.UnixMilli(), Details: details}
	s.Events = append(s.Events, ev)
	return ev
}

// Has reports whether a flag has been raised on this session.
func (s *Session) Has(flag string) bool {
	_, ok := s.flags[flag]
	return ok
}

// Raise marks a flag and adds its increment to the anomaly score. It returns
// false without changing anything when the flag is already present.
func (s *Session) Raise(flag string, increment float64) bool {
	if _, ok := s.flags[flag]; ok {
		return false
	}
	s.flags[flag] = struct{}{}
	s.AnomalyScore += increment
	return true
}

// Flags returns the raised flag names in sorted order.
func (s *Session) Flags() []string {
	out := make([]string, 0, len(s.flags))
	for f := range s.flags {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}

// OfType returns the events of the given type in append order.
func (s *Session) OfType(t Type) []Event {
	var out []Event
	for _, ev := range s.Events {
		if ev.Type == t {
			out = append(out, ev)
		}
	}
	return out
}

// Count returns how many events of the given type have been recorded.
func (s *Session) Count(t Type) int {
	n := 0
	for _, ev := range s.Events {
		if ev.Type == t {
			n++
		}
	}
	return n
}

// Snapshot is a read-only copy of session state handed to consumers.
type Snapshot struct {
	ID           string   `json:"sessionId"`
	StartTime    int64    `json:"startTime"`
	EventCount   int      `json:"eventCount"`
	AnomalyScore float64  `json:"anomalyScore"`
	Flags        []string `json:"flags"`
	Events       []Event  `json:"events,omitempty"`
}

// Snapshot copies the session for safe use outside the owning monitor.
func (s *Session) Snapshot(withEvents bool) Snapshot {
	snap := Snapshot{
		ID:           s.ID,
		StartTime:    s.StartTime.UnixMilli(),
		EventCount:   len(s.Events),
		AnomalyScore: s.AnomalyScore,
		Flags:        s.Flags(),
	}
	if withEvents {
		snap.Events = append([]Event(nil), s.Events...)
	}
	return snap
}
