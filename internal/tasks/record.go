package tasks

import (
	"fmt"
	"maps"
)

// Task statuses as reported by the backend.
const (
	StatusPending   = "PENDING"
	StatusPrinting  = "PRINTING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Record is a task as received from the backend: the identity and status
// fields plus whatever payload fields the event carried.
type Record map[string]any

// ID returns the taskId field as a string, or "" when absent.
func (r Record) ID() string {
	switch v := r["taskId"].(type) {
	case nil:
		return ""
	case string:
		return v
	case float64:
		return fmt.Sprintf("%.0f", v)
	default:
		return fmt.Sprint(v)
	}
}

// Status returns the status field, or "" when absent.
func (r Record) Status() string {
	s, _ := r["status"].(string)
	return s
}

// Clone returns a shallow copy.
func (r Record) Clone() Record {
	return maps.Clone(r)
}
