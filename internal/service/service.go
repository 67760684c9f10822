// Package service wires the policy registry, validator, sandbox
// builder, executor, and monitor into the single entry point callers
// use to execute untrusted plugins.
package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/batch"
	"wasm-plugin-sandbox/internal/engine"
	"wasm-plugin-sandbox/internal/guard"
	"wasm-plugin-sandbox/internal/monitor"
	"wasm-plugin-sandbox/internal/policy"
	"wasm-plugin-sandbox/internal/sandbox"
	"wasm-plugin-sandbox/internal/storage"
	"wasm-plugin-sandbox/internal/validate"
)

// monitorInterval is how often live executions are sampled.
const monitorInterval = 25 * time.Millisecond

// Options configures a Service. Engine is required; everything else has
// working defaults.
type Options struct {
	Engine       engine.Engine
	Registry     *policy.Registry
	Metrics      *monitor.Metrics
	Notifier     guard.Notifier
	IncidentSink guard.IncidentSink
	// Audit persists execution and incident records asynchronously.
	// When set and IncidentSink is nil, incidents flow through it too.
	Audit *storage.AuditWriter
	// WorkRoot is the parent directory for execution staging areas.
	WorkRoot string
	// MaxCodeBytes bounds submitted plugin code size.
	MaxCodeBytes int64
	// MaxFuel caps the execution-step budget per invocation. Zero
	// leaves the engine default in place.
	MaxFuel uint64
}

// Service owns all sandbox state. There are no package-level
// singletons; construct one and inject it into callers.
type Service struct {
	registry  *policy.Registry
	manager   *guard.ContextManager
	recorder  *guard.Recorder
	monitor   *guard.Monitor
	validator *validate.Validator
	executor  *sandbox.Executor
	engine    engine.Engine
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer
	notifier  guard.Notifier
	audit     *storage.AuditWriter

	maxCodeBytes int64
	maxFuel      uint64

	mu       sync.Mutex
	inflight map[string]*inflightExec
}

type inflightExec struct {
	code   string
	cancel context.CancelFunc
}

// New builds a fully wired Service.
func New(opts Options) (*Service, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("service: engine is required")
	}

	registry := opts.Registry
	if registry == nil {
		var err error
		registry, err = policy.NewRegistry()
		if err != nil {
			return nil, err
		}
	}

	notifier := opts.Notifier
	if notifier == nil {
		notifier = guard.LogNotifier{}
	}

	maxCode := opts.MaxCodeBytes
	if maxCode <= 0 {
		maxCode = 1 << 20
	}

	sink := opts.IncidentSink
	if sink == nil && opts.Audit != nil {
		sink = auditSink{writer: opts.Audit}
	}

	manager := guard.NewContextManager(registry)
	recorder := guard.NewRecorder(manager, opts.Metrics, notifier, sink)

	return &Service{
		registry:     registry,
		manager:      manager,
		recorder:     recorder,
		monitor:      guard.NewMonitor(manager, recorder),
		validator:    validate.NewValidator(registry, manager, recorder, opts.Metrics),
		executor:     sandbox.NewExecutor(opts.Engine, opts.WorkRoot),
		engine:       opts.Engine,
		metrics:      opts.Metrics,
		tracer:       monitor.NewTracer(),
		notifier:     notifier,
		audit:        opts.Audit,
		maxCodeBytes: maxCode,
		maxFuel:      opts.MaxFuel,
		inflight:     make(map[string]*inflightExec),
	}, nil
}

// ExecutePlugin runs one plugin invocation through the full pipeline:
// context creation, validation, sandbox construction, monitored
// execution, and teardown. The caller always receives a structured
// result.
func (s *Service) ExecutePlugin(ctx context.Context, req Request) Result {
	if err := s.validateRequest(req); err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}

	ec, err := s.manager.Create(req.ModuleID, req.Tenant, req.Config.Phase)
	if err != nil {
		return Result{Status: StatusError, Error: err.Error()}
	}
	execID := ec.ExecutionID
	defer s.manager.Remove(execID)

	if req.Config.Overrides.MemoryLimitMB > 0 || req.Config.Overrides.TimeLimit > 0 {
		_ = s.manager.TightenLimits(execID, req.Config.Overrides.MemoryLimitMB, req.Config.Overrides.TimeLimit)
	}

	spanCtx, span := s.tracer.StartSpan(ctx, "execute",
		monitor.AttrExecID.String(execID),
		monitor.AttrModuleID.String(req.ModuleID),
		monitor.AttrPhase.String(req.Config.Phase.String()),
		monitor.AttrIsolation.String(req.Config.Isolation.String()),
	)
	defer span.End()

	if s.metrics != nil {
		s.metrics.ActiveExecutions.Inc()
		s.metrics.CodeSizeBytes.Observe(float64(len(req.Code)))
		defer s.metrics.ActiveExecutions.Dec()
	}
	s.notifier.ExecutionStarted(execID, req.ModuleID, req.Config.Phase)

	start := time.Now()

	execCtx, cancel := context.WithCancel(spanCtx)
	defer cancel()

	s.track(execID, req.Code, cancel)
	defer s.untrack(execID)

	// Validation gate: unsafe code never reaches sandbox construction.
	report, err := s.validator.Validate(execID, req.Code)
	if err != nil {
		return s.finish(execID, req, start, Result{Status: StatusError, ExecutionID: execID, Error: err.Error()})
	}
	if !report.Safe {
		return s.finish(execID, req, start, Result{
			Status:      StatusError,
			ExecutionID: execID,
			Error:       fmt.Sprintf("%s: %s", sandbox.ErrValidationFailed, strings.Join(report.Violations, "; ")),
		})
	}

	// Phase may have been upgraded between creation and here; build the
	// sandbox from the context's current phase. A concurrent Terminate
	// may already have removed the context.
	current, ok := s.manager.Get(execID)
	if !ok {
		return s.finish(execID, req, start, Result{
			Status:      StatusError,
			ExecutionID: execID,
			Error:       sandbox.ErrTerminated.Error(),
		})
	}
	pol := s.registry.PolicyFor(current.Phase)
	desc := sandbox.BuildDescriptor(req.Config.Isolation, pol, req.Config.Overrides)

	stopMonitor := s.watch(execCtx, execID, cancel)
	defer stopMonitor()

	binary := req.Binary
	if len(binary) == 0 {
		binary = []byte(req.Code)
	}

	execResult := s.executor.Execute(execCtx, sandbox.ExecRequest{
		ExecutionID: execID,
		ModuleID:    req.ModuleID,
		Binary:      binary,
		Input:       req.Input,
		Sandbox:     desc,
		MaxFuel:     s.maxFuel,
	})

	if len(execResult.EscapeSignals) > 0 {
		s.recorder.Record(execID, guard.IncidentExecutionEscape,
			fmt.Sprintf("escape indicators in output: %s", strings.Join(execResult.EscapeSignals, ", ")),
			guard.ThreatCritical)
	}

	result := Result{
		ExecutionID: execID,
		Output:      execResult.Output,
		Metrics:     &execResult.Metrics,
	}
	if execResult.Success {
		result.Status = StatusSuccess
	} else {
		result.Status = StatusError
		result.Error = execResult.Error
	}

	span.SetAttributes(monitor.AttrDurationMS.Int64(execResult.Metrics.ExecutionTime.Milliseconds()))
	return s.finish(execID, req, start, result)
}

// ExecuteBatch fans the requests out over a bounded worker pool. Result
// order does not match submission order.
func (s *Service) ExecuteBatch(ctx context.Context, breq BatchRequest) []Result {
	opts := batch.Options{MaxConcurrent: breq.MaxConcurrent, Timeout: breq.Timeout}

	return batch.Run(ctx, breq.Requests, opts,
		func(taskCtx context.Context, req Request) Result {
			return s.ExecutePlugin(taskCtx, req)
		},
		func(req Request, err error) Result {
			return Result{
				Status: StatusError,
				Error:  fmt.Sprintf("%s: %s", sandbox.ErrTimeout, err),
			}
		})
}

// UpgradePhase tightens an in-flight execution to a stricter phase and
// re-validates the already-accepted code under the new phase's
// cumulative rule set. Code that fails re-validation is terminated.
func (s *Service) UpgradePhase(executionID string, ph policy.Phase) error {
	if err := s.manager.UpgradePhase(executionID, ph); err != nil {
		return err
	}

	s.mu.Lock()
	inf, ok := s.inflight[executionID]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	report, err := s.validator.Validate(executionID, inf.code)
	if err != nil {
		return err
	}
	if !report.Safe {
		s.Terminate(executionID, fmt.Sprintf("re-validation failed after upgrade to %s", ph))
		return fmt.Errorf("%w: %s", sandbox.ErrValidationFailed, strings.Join(report.Violations, "; "))
	}
	return nil
}

// Terminate forcibly stops an in-flight execution. Safe to call from
// the monitor, the validator, or an external watchdog, concurrently
// with the execution itself.
func (s *Service) Terminate(executionID, reason string) {
	s.recorder.Terminate(executionID, reason)

	s.mu.Lock()
	inf, ok := s.inflight[executionID]
	s.mu.Unlock()
	if ok {
		inf.cancel()
	}
}

// Metrics returns the aggregate incident and execution counters.
func (s *Service) Metrics() guard.Stats {
	return s.recorder.Metrics()
}

// Incidents returns a copy of the incident log.
func (s *Service) Incidents() []guard.SecurityIncident {
	return s.recorder.Incidents()
}

// Resolve marks an incident as reviewed.
func (s *Service) Resolve(incidentID string) bool {
	return s.recorder.Resolve(incidentID)
}

// ActiveExecutions reports the number of in-flight executions.
func (s *Service) ActiveExecutions() int {
	return s.manager.ActiveCount()
}

// Close releases the engine. In-flight executions are cancelled.
func (s *Service) Close(ctx context.Context) error {
	s.mu.Lock()
	for _, inf := range s.inflight {
		inf.cancel()
	}
	s.mu.Unlock()

	return s.engine.Close(ctx)
}

// watch samples the engine's live stats until stopped, terminating the
// execution on the first limit breach.
func (s *Service) watch(ctx context.Context, execID string, cancel context.CancelFunc) (stop func()) {
	done := make(chan struct{})
	finished := make(chan struct{})

	go func() {
		defer close(finished)
		ticker := time.NewTicker(monitorInterval)
		defer ticker.Stop()

		for {
			select {
			case <-done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats, ok := s.engine.Stats(execID)
				if !ok {
					continue
				}
				sample := guard.ResourceSample{
					MemoryMB:   stats.MemoryMB,
					Elapsed:    stats.Elapsed,
					CPUPercent: stats.CPUPercent,
					Time:       time.Now(),
				}
				if !s.monitor.Check(execID, sample) {
					s.recorder.Terminate(execID, "resource limits breached during execution")
					cancel()
					return
				}
			}
		}
	}()

	return func() {
		close(done)
		<-finished
		s.monitor.Forget(execID)
	}
}

func (s *Service) validateRequest(req Request) error {
	if req.ModuleID == "" {
		return fmt.Errorf("%w: module id is empty", sandbox.ErrInvalidRequest)
	}
	if req.Code == "" && len(req.Binary) == 0 {
		return fmt.Errorf("%w: no plugin code or binary", sandbox.ErrInvalidRequest)
	}
	if int64(len(req.Code)) > s.maxCodeBytes {
		return fmt.Errorf("%w: code exceeds %d byte limit", sandbox.ErrInvalidRequest, s.maxCodeBytes)
	}
	if !req.Config.Phase.Valid() {
		return fmt.Errorf("%w: phase %d", guard.ErrUnknownPhase, req.Config.Phase)
	}
	return nil
}

func (s *Service) incidentCount(execID string) int {
	n := 0
	for _, inc := range s.recorder.Incidents() {
		if inc.ExecutionID == execID {
			n++
		}
	}
	return n
}

func (s *Service) track(execID, code string, cancel context.CancelFunc) {
	s.mu.Lock()
	s.inflight[execID] = &inflightExec{code: code, cancel: cancel}
	s.mu.Unlock()
}

func (s *Service) untrack(execID string) {
	s.mu.Lock()
	delete(s.inflight, execID)
	s.mu.Unlock()
}

// finish records outcome counters, persists the audit record, and emits
// the execution summary log.
func (s *Service) finish(execID string, req Request, start time.Time, result Result) Result {
	elapsed := time.Since(start)
	success := result.Status == StatusSuccess

	s.recorder.RecordOutcome(success)
	if s.metrics != nil {
		s.metrics.RecordExecution(req.Config.Phase.String(), result.Status, elapsed.Seconds())
		if result.Metrics != nil {
			s.metrics.FuelConsumed.Observe(float64(result.Metrics.FuelConsumed))
			s.metrics.MemoryPeakMB.Observe(float64(result.Metrics.MemoryUsageMB))
		}
	}

	s.auditExecution(req, result, start, s.incidentCount(execID))

	log.Info().
		Str("execution_id", execID).
		Str("module_id", req.ModuleID).
		Str("phase", req.Config.Phase.String()).
		Str("status", result.Status).
		Dur("duration", elapsed).
		Msg("execution finished")

	return result
}
