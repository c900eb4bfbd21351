package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
)

// Validate checks the envelope and the kind-specific payload schema. The kind
// set is closed: anything that does not parse into one of the known variants
// is an ingest error, never a crash.
func (e Event) Validate() error {
	if strings.TrimSpace(e.RunID) == "" {
		return fmt.Errorf("%s: run_id required", ErrIngestInvalid)
	}
	if !ValidKind(e.Kind) {
		return fmt.Errorf("%s: unknown kind %q", ErrIngestInvalid, e.Kind)
	}
	if e.Timestamp <= 0 {
		return fmt.Errorf("%s: timestamp required", ErrIngestInvalid)
	}
	switch e.Kind {
	case KindTrigger:
		if strings.TrimSpace(e.Payload.Trigger) == "" {
			return fmt.Errorf("%s: trigger_matched requires trigger name", ErrIngestInvalid)
		}
		if e.Payload.TriggerClass != ClassHang && e.Payload.TriggerClass != ClassInfo {
			return fmt.Errorf("%s: trigger_matched requires trigger_class", ErrIngestInvalid)
		}
	case KindCompleted:
		if e.Payload.ExitCode == nil {
			return fmt.Errorf("%s: completed requires exit_code", ErrIngestInvalid)
		}
	case KindPresumedLost:
		if e.Payload.ExitCode != nil {
			return fmt.Errorf("%s: presumed_lost must not carry exit_code", ErrIngestInvalid)
		}
	}
	return nil
}

// DecodeEvent parses one serialized notification event. Unknown fields are
// rejected so that a payload from a different schema never half-applies.
func DecodeEvent(raw []byte) (Event, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	var ev Event
	if err := dec.Decode(&ev); err != nil {
		return Event{}, fmt.Errorf("%s: %w", ErrIngestInvalid, err)
	}
	if err := ev.Validate(); err != nil {
		return Event{}, err
	}
	return ev, nil
}

// EncodeEvent is the inverse of DecodeEvent; it is how every sink serializes
// events onto the feed.
func EncodeEvent(ev Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	return json.Marshal(ev)
}
