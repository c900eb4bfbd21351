package model

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// DeriveRunID builds the fleet-unique run identifier from the machine name,
// the process start time, and either an operator label or a random component.
// Assigned once at start; never changes afterwards.
func DeriveRunID(machine, label string, startedAt time.Time) string {
	suffix := strings.TrimSpace(label)
	if suffix == "" {
		suffix = uuid.NewString()[:8]
	} else {
		suffix = sanitizeLabel(suffix)
	}
	return fmt.Sprintf("%s-%s-%s", sanitizeLabel(machine), startedAt.UTC().Format("20060102T150405"), suffix)
}

func sanitizeLabel(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-")
	if out == "" {
		return "unknown"
	}
	return out
}
