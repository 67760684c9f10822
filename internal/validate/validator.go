// Package validate implements the layered static code validator. It is
// a pre-filter: the capability-scoped WASM engine remains the actual
// security boundary.
package validate

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/rs/zerolog/log"

	"wasm-plugin-sandbox/internal/guard"
	"wasm-plugin-sandbox/internal/monitor"
	"wasm-plugin-sandbox/internal/policy"
)

// Heuristic ceilings for the monitoring and zero-trust layers.
const (
	maxFunctionCount  = 50
	maxNestingDepth   = 8
	maxZeroTrustLines = 200
)

var functionRe = regexp.MustCompile(`\bfunc(tion)?\b|\bdef\b|=>`)

// Report is the outcome of validating one plugin's code.
type Report struct {
	Safe       bool
	Violations []string
}

// Validator runs phase-cumulative static checks over plugin code before
// any sandbox is built. Each phase includes every lower phase's checks.
type Validator struct {
	registry *policy.Registry
	manager  *guard.ContextManager
	recorder *guard.Recorder
	metrics  *monitor.Metrics
	patterns []pattern
}

// NewValidator creates a validator sharing the context manager and
// incident recorder with the rest of the sandbox. Metrics may be nil.
func NewValidator(registry *policy.Registry, manager *guard.ContextManager, recorder *guard.Recorder, metrics *monitor.Metrics) *Validator {
	return &Validator{
		registry: registry,
		manager:  manager,
		recorder: recorder,
		metrics:  metrics,
		patterns: defaultPatterns(),
	}
}

// Validate checks the code against the execution's current phase. Any
// violation records a HIGH-threat code_validation_failed incident; an
// unsafe report means the run must not proceed to sandboxing.
func (v *Validator) Validate(executionID, code string) (Report, error) {
	ec, ok := v.manager.Get(executionID)
	if !ok {
		return Report{}, fmt.Errorf("%w: %s", guard.ErrContextNotFound, executionID)
	}

	pol := v.registry.PolicyFor(ec.Phase)
	violations := v.scan(ec.Phase, pol, code)

	report := Report{Safe: len(violations) == 0, Violations: violations}

	if v.metrics != nil {
		v.metrics.RecordValidation(ec.Phase.String(), report.Safe)
	}

	if !report.Safe {
		v.recorder.Record(executionID, guard.IncidentCodeValidationFailed,
			strings.Join(violations, "; "), guard.ThreatHigh)
		log.Warn().
			Str("execution_id", executionID).
			Str("phase", ec.Phase.String()).
			Strs("violations", violations).
			Msg("code validation failed")
	}

	return report, nil
}

func (v *Validator) scan(ph policy.Phase, pol policy.Record, code string) []string {
	var violations []string

	imports := extractImports(code)

	// Basic: blocked-import scan.
	for _, name := range imports {
		if pol.Blocks(name) {
			violations = append(violations, fmt.Sprintf("blocked import: %s", name))
		}
	}

	// Cumulative suspicious-pattern scan.
	for _, p := range v.patterns {
		if ph < p.MinPhase {
			continue
		}
		if p.Regex.MatchString(code) {
			violations = append(violations, fmt.Sprintf("%s: %s", p.Name, p.Description))
		}
	}

	// Enhanced: everything not explicitly allowed is a violation.
	if ph >= policy.PhaseEnhanced {
		for _, name := range imports {
			if pol.Blocks(name) {
				continue // already reported above
			}
			if !pol.Allows(name) {
				violations = append(violations, fmt.Sprintf("import not in allow list: %s", name))
			}
		}
	}

	// Monitoring: complexity proxies for obfuscated code.
	if ph >= policy.PhaseMonitoring {
		if n := len(functionRe.FindAllStringIndex(code, -1)); n > maxFunctionCount {
			violations = append(violations, fmt.Sprintf("excessive function count: %d (max %d)", n, maxFunctionCount))
		}
		if d := nestingDepth(code); d > maxNestingDepth {
			violations = append(violations, fmt.Sprintf("excessive nesting depth: %d (max %d)", d, maxNestingDepth))
		}
	}

	// Zero trust: no imports at all, bounded code size.
	if ph >= policy.PhaseZeroTrust {
		for _, name := range imports {
			violations = append(violations, fmt.Sprintf("import forbidden in zero trust: %s", name))
		}
		if n := strings.Count(code, "\n") + 1; n > maxZeroTrustLines {
			violations = append(violations, fmt.Sprintf("code size %d lines exceeds zero trust limit %d", n, maxZeroTrustLines))
		}
	}

	return violations
}

func extractImports(code string) []string {
	var names []string
	seen := make(map[string]bool)
	for _, m := range importRe.FindAllStringSubmatch(code, -1) {
		name := m[1]
		// Keep only the top-level module of dotted imports.
		if i := strings.IndexByte(name, '.'); i > 0 {
			name = name[:i]
		}
		if !seen[name] {
			seen[name] = true
			names = append(names, name)
		}
	}
	return names
}

// nestingDepth computes the maximum brace/parenthesis nesting, a cheap
// proxy for deeply nested function definitions.
func nestingDepth(code string) int {
	depth, maxDepth := 0, 0
	for _, c := range code {
		switch c {
		case '{', '(':
			depth++
			if depth > maxDepth {
				maxDepth = depth
			}
		case '}', ')':
			if depth > 0 {
				depth--
			}
		}
	}
	return maxDepth
}
