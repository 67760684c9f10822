package service

import (
	"crypto/sha256"
	"fmt"
	"time"

	"wasm-plugin-sandbox/internal/guard"
	"wasm-plugin-sandbox/internal/storage"
)

// auditSink adapts the buffered audit writer to the recorder's sink
// interface.
type auditSink struct {
	writer *storage.AuditWriter
}

func (s auditSink) LogIncident(inc guard.SecurityIncident) {
	s.writer.LogIncident(&storage.IncidentRecord{
		ID:               inc.ID,
		ExecutionID:      inc.ExecutionID,
		ModuleID:         inc.ModuleID,
		Phase:            inc.Phase.String(),
		Type:             string(inc.Type),
		ThreatLevel:      inc.ThreatLevel.String(),
		Description:      inc.Description,
		MitigationAction: inc.MitigationAction,
		Resolved:         inc.Resolved,
		CreatedAt:        inc.Timestamp,
	})
}

// auditExecution enqueues the completed execution for persistence. A
// nil writer makes this a no-op.
func (s *Service) auditExecution(req Request, result Result, start time.Time, incidents int) {
	if s.audit == nil {
		return
	}

	completed := time.Now()
	rec := &storage.ExecutionRecord{
		ID:            result.ExecutionID,
		ModuleID:      req.ModuleID,
		Tenant:        req.Tenant,
		Phase:         req.Config.Phase.String(),
		Isolation:     req.Config.Isolation.String(),
		Status:        result.Status,
		Error:         result.Error,
		IncidentCount: incidents,
		CreatedAt:     start,
		CompletedAt:   &completed,
	}
	if req.Code != "" {
		rec.CodeHash = fmt.Sprintf("%x", sha256.Sum256([]byte(req.Code)))
	} else {
		rec.CodeHash = fmt.Sprintf("%x", sha256.Sum256(req.Binary))
	}
	if result.Metrics != nil {
		rec.DurationMS = result.Metrics.ExecutionTime.Milliseconds()
		rec.MemoryPeakMB = result.Metrics.MemoryUsageMB
		rec.FuelConsumed = int64(result.Metrics.FuelConsumed)
	}

	s.audit.LogExecution(rec)
}
