package events

import "time"

// EventType identifies the kind of event carried on the bus.
type EventType int

const (
	BackendStateChanged EventType = iota
	TaskReceived
	TaskStatusChanged
	PrintError
	ConnectionChanged
	UpdateStateChanged
	TasksChanged
)

func (t EventType) String() string {
	switch t {
	case BackendStateChanged:
		return "backend-state"
	case TaskReceived:
		return "task"
	case TaskStatusChanged:
		return "task-status"
	case PrintError:
		return "print-error"
	case ConnectionChanged:
		return "connection"
	case UpdateStateChanged:
		return "update"
	case TasksChanged:
		return "tasks-changed"
	default:
		return "unknown"
	}
}

// Event is a tagged variant: Payload holds the struct matching Type.
type Event struct {
	Type    EventType `json:"-"`
	Time    time.Time `json:"time"`
	Payload any       `json:"payload"`
}

// BackendPayload describes a backend handle transition.
type BackendPayload struct {
	State    string `json:"state"`
	Port     int    `json:"port,omitempty"`
	PID      int    `json:"pid,omitempty"`
	ExitCode int    `json:"exitCode,omitempty"`
	Error    string `json:"error,omitempty"`
}

// TaskPayload carries a full task record as received from the backend.
type TaskPayload struct {
	Record map[string]any `json:"record"`
}

// StatusPayload carries a status-only task update.
type StatusPayload struct {
	TaskID string `json:"taskId"`
	Status string `json:"status"`
}

// ErrorPayload carries a print error report.
type ErrorPayload struct {
	Info map[string]any `json:"info"`
}

// ConnectionPayload reports the event stream connection state.
type ConnectionPayload struct {
	Connected bool `json:"connected"`
}

// UpdatePayload reports the update coordinator state.
type UpdatePayload struct {
	Phase          string  `json:"phase"`
	Version        string  `json:"version,omitempty"`
	Percent        float64 `json:"percent,omitempty"`
	Transferred    int64   `json:"transferred,omitempty"`
	Total          int64   `json:"total,omitempty"`
	BytesPerSecond int64   `json:"bytesPerSecond,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

// TasksChangedPayload is emitted after the reconciler's collection changed.
type TasksChangedPayload struct {
	Count int `json:"count"`
}

func New(t EventType, payload any) Event {
	return Event{Type: t, Time: time.Now(), Payload: payload}
}
