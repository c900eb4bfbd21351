package model

import "time"

// Category is the derived run status persisted in the store.
type Category string

const (
	CategoryOngoing   Category = "ongoing"
	CategoryHanging   Category = "hanging"
	CategoryCrashed   Category = "crashed"
	CategoryCompleted Category = "completed"
	CategoryUnknown   Category = "unknown"
)

// CategoryPrecedence resolves competing candidate categories.
var CategoryPrecedence = map[Category]int{
	CategoryCrashed:   1,
	CategoryCompleted: 2,
	CategoryHanging:   3,
	CategoryOngoing:   4,
	CategoryUnknown:   5,
}

// Terminal reports whether a category can never change again. CategoryUnknown
// is terminal-like: the reaper sets it, but a genuinely newer event from the
// run re-opens it.
func (c Category) Terminal() bool {
	return c == CategoryCrashed || c == CategoryCompleted
}

func ValidCategory(c Category) bool {
	_, ok := CategoryPrecedence[c]
	return ok
}

type EventKind string

const (
	KindStarted      EventKind = "started"
	KindTrigger      EventKind = "trigger_matched"
	KindCompleted    EventKind = "completed"
	KindHeartbeat    EventKind = "heartbeat"
	KindPresumedLost EventKind = "presumed_lost"
)

func ValidKind(k EventKind) bool {
	switch k {
	case KindStarted, KindTrigger, KindCompleted, KindHeartbeat, KindPresumedLost:
		return true
	}
	return false
}

type TriggerClass string

const (
	ClassHang TriggerClass = "hang"
	ClassInfo TriggerClass = "info"
)

// Sentinel exit codes used when the real one is unavailable.
const (
	ExitUnknown    = -1
	ExitTerminated = 130
)

// Event is one immutable fact about a run. Timestamp is epoch seconds as
// embedded by the emitter; the ingest engine orders by it, never by arrival.
type Event struct {
	EventID   string       `json:"event_id"`
	RunID     string       `json:"run_id"`
	Machine   string       `json:"machine"`
	Kind      EventKind    `json:"kind"`
	Timestamp int64        `json:"timestamp"`
	Payload   EventPayload `json:"payload,omitempty"`
}

// EventPayload is the kind-dependent part of an event. The schema per kind is
// closed: Validate rejects envelopes missing their kind's required fields.
type EventPayload struct {
	Command      string       `json:"command,omitempty"`
	Cwd          string       `json:"cwd,omitempty"`
	Session      string       `json:"session,omitempty"`
	Trigger      string       `json:"trigger,omitempty"`
	TriggerClass TriggerClass `json:"trigger_class,omitempty"`
	Excerpt      string       `json:"excerpt,omitempty"`
	ExitCode     *int         `json:"exit_code,omitempty"`
	Reason       string       `json:"reason,omitempty"`
}

func (e Event) Time() time.Time {
	return time.Unix(e.Timestamp, 0).UTC()
}

// Run is the authoritative per-run record owned by the state store.
type Run struct {
	RunID          string       `json:"run_id"`
	Machine        string       `json:"machine"`
	Command        string       `json:"command,omitempty"`
	Cwd            string       `json:"cwd,omitempty"`
	Session        string       `json:"session,omitempty"`
	StartedAt      time.Time    `json:"started_at"`
	LastSeenAt     time.Time    `json:"last_seen_at"`
	EndedAt        *time.Time   `json:"ended_at,omitempty"`
	ExitCode       *int         `json:"exit_code,omitempty"`
	HangFlagged    bool         `json:"hang_flagged,omitempty"`
	PresumedLostAt *time.Time   `json:"presumed_lost_at,omitempty"`
	Category       Category     `json:"category"`
	Triggers       []TriggerHit `json:"triggers,omitempty"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

// TriggerHit records the first time a named trigger fired for a run.
type TriggerHit struct {
	Name    string       `json:"name"`
	Class   TriggerClass `json:"class"`
	Excerpt string       `json:"excerpt,omitempty"`
	At      time.Time    `json:"at"`
}

// RecomputeCategory derives the category from the run's accumulated facts
// using the fixed precedence: crashed > completed > hanging > ongoing.
// Unknown only holds while the reaper's presumed-lost mark is the freshest
// fact about the run.
func (r *Run) RecomputeCategory() Category {
	switch {
	case r.ExitCode != nil && *r.ExitCode != 0:
		r.Category = CategoryCrashed
	case r.ExitCode != nil:
		r.Category = CategoryCompleted
	case r.PresumedLostAt != nil:
		r.Category = CategoryUnknown
	case r.HangFlagged:
		r.Category = CategoryHanging
	default:
		r.Category = CategoryOngoing
	}
	return r.Category
}

// Error codes defined by the daemon API contract.
const (
	ErrLaunch          = "E_LAUNCH"
	ErrPartialOutput   = "E_PARTIAL_OUTPUT"
	ErrIngestInvalid   = "E_INGEST_INVALID"
	ErrRunNotFound     = "E_RUN_NOT_FOUND"
	ErrCategoryInvalid = "E_CATEGORY_INVALID"
	ErrEventConflict   = "E_EVENT_CONFLICT"
)
