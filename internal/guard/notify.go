package guard

import (
	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/policy"
)

// Notifier receives fire-and-forget execution lifecycle notifications.
// Implementations must not block; the sandbox never waits on a sink.
type Notifier interface {
	ExecutionStarted(executionID, moduleID string, ph policy.Phase)
	SecurityIncident(incident SecurityIncident)
	ExecutionTerminated(executionID, reason string)
}

// LogNotifier is the default sink: it writes each notification to the
// structured log and nothing else.
type LogNotifier struct{}

func (LogNotifier) ExecutionStarted(executionID, moduleID string, ph policy.Phase) {
	log.Info().
		Str("execution_id", executionID).
		Str("module_id", moduleID).
		Str("phase", ph.String()).
		Msg("execution started")
}

func (LogNotifier) SecurityIncident(inc SecurityIncident) {
	log.Warn().
		Str("incident_id", inc.ID).
		Str("execution_id", inc.ExecutionID).
		Str("module_id", inc.ModuleID).
		Str("type", string(inc.Type)).
		Str("threat_level", inc.ThreatLevel.String()).
		Str("description", inc.Description).
		Msg("security incident")
}

func (LogNotifier) ExecutionTerminated(executionID, reason string) {
	log.Warn().
		Str("execution_id", executionID).
		Str("reason", reason).
		Msg("execution terminated")
}
