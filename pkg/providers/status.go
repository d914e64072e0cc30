package providers

import "strings"

// StatusSignal is the backend-independent reading of an instance status.
// At most one field is true. All false means "not ready yet".
type StatusSignal struct {
	IsHealthy    bool `json:"is_healthy"`
	IsRestarting bool `json:"is_restarting"`
	IsExited     bool `json:"is_exited"`
}

// String returns a label for logs and metrics.
func (s StatusSignal) String() string {
	switch {
	case s.IsHealthy:
		return "healthy"
	case s.IsRestarting:
		return "restarting"
	case s.IsExited:
		return "exited"
	default:
		return "pending"
	}
}

var (
	healthyStatuses = map[string]bool{
		"running": true, "started": true, "healthy": true,
		"success": true, "active": true, "up": true,
	}
	restartingStatuses = map[string]bool{
		"restarting": true, "crashed": true, "crash_loop": true,
		"crashloopbackoff": true, "backoff": true,
	}
	exitedStatuses = map[string]bool{
		"exited": true, "dead": true, "stopped": true,
		"failed": true, "removed": true, "destroyed": true,
	}
)

// NormalizeStatus maps a raw backend status to a StatusSignal. Matching is
// case-insensitive and ignores surrounding whitespace. Docker-style
// compound statuses ("running (unhealthy)", "Up 3 minutes") are classified
// by their leading word. An unhealthy or starting health marker only holds
// back an otherwise healthy instance; it never hides a restart or an exit.
func NormalizeStatus(raw string) StatusSignal {
	s := strings.ToLower(strings.TrimSpace(raw))
	if s == "" {
		return StatusSignal{}
	}

	word := s
	if i := strings.IndexAny(s, " ("); i > 0 {
		word = s[:i]
	}
	word = strings.ReplaceAll(word, "-", "_")

	switch {
	case restartingStatuses[word]:
		return StatusSignal{IsRestarting: true}
	case exitedStatuses[word]:
		return StatusSignal{IsExited: true}
	case healthyStatuses[word]:
		if strings.Contains(s, "unhealthy") || strings.Contains(s, "health: starting") || strings.Contains(s, "(starting)") {
			return StatusSignal{}
		}
		return StatusSignal{IsHealthy: true}
	default:
		return StatusSignal{}
	}
}
