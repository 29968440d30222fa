package updater

import "errors"

// Phase is the coordinator's position in the update protocol.
type Phase string

const (
	PhaseIdle           Phase = "idle"
	PhaseChecking       Phase = "checking"
	PhaseNotAvailable   Phase = "not-available"
	PhaseAvailable      Phase = "available"
	PhaseDownloading    Phase = "downloading"
	PhaseDownloaded     Phase = "downloaded"
	PhaseInstallPending Phase = "install-pending"
	PhaseInstalling     Phase = "installing"
	PhaseFailed         Phase = "failed"
)

// AllPhases lists every phase, for metrics.
var AllPhases = []string{
	string(PhaseIdle), string(PhaseChecking), string(PhaseNotAvailable),
	string(PhaseAvailable), string(PhaseDownloading), string(PhaseDownloaded),
	string(PhaseInstallPending), string(PhaseInstalling), string(PhaseFailed),
}

var ErrInvalidTransition = errors.New("invalid update transition")

// State is a snapshot of the coordinator.
type State struct {
	Phase          Phase   `json:"phase"`
	Version        string  `json:"version,omitempty"`
	Percent        float64 `json:"percent,omitempty"`
	Transferred    int64   `json:"transferred,omitempty"`
	Total          int64   `json:"total,omitempty"`
	BytesPerSecond int64   `json:"bytesPerSecond,omitempty"`
	Reason         string  `json:"reason,omitempty"`
}

var transitions = map[Phase][]Phase{
	PhaseIdle:           {PhaseChecking},
	PhaseNotAvailable:   {PhaseIdle},
	PhaseFailed:         {PhaseIdle},
	PhaseChecking:       {PhaseAvailable, PhaseNotAvailable, PhaseFailed},
	PhaseAvailable:      {PhaseDownloading, PhaseIdle},
	PhaseDownloading:    {PhaseDownloading, PhaseDownloaded, PhaseFailed}, // self-edge carries progress
	PhaseDownloaded:     {PhaseInstallPending},
	PhaseInstallPending: {PhaseInstalling, PhaseFailed},
	PhaseInstalling:     {PhaseFailed},
}

func allowed(from, to Phase) bool {
	for _, p := range transitions[from] {
		if p == to {
			return true
		}
	}
	return false
}
