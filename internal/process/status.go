package process

import "time"

// Status is a point-in-time view of a spawned backend process.
type Status struct {
	PID       int       `json:"pid"`
	Running   bool      `json:"running"`
	StartedAt time.Time `json:"started_at"`
	StoppedAt time.Time `json:"stopped_at,omitempty"`
	ExitCode  int       `json:"exit_code"`
	ExitErr   error     `json:"-"`
	Stopping  bool      `json:"stopping"`
}
