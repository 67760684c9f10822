package validate

import (
	"regexp"

	"wasm-plugin-sandbox/internal/policy"
)

// pattern is a suspicious construct scanned for in plugin code. The scan
// is cumulative: a pattern applies to its MinPhase and every phase above
// it.
type pattern struct {
	Name        string
	Description string
	Regex       *regexp.Regexp
	MinPhase    policy.Phase
}

// importRe extracts import targets. The plugin DSL allows both
// newline- and semicolon-separated import statements.
var importRe = regexp.MustCompile(`\bimport\s+([A-Za-z_][A-Za-z0-9_.]*)`)

func defaultPatterns() []pattern {
	return []pattern{
		// Basic phase: dynamic code construction and raw network
		// primitives are never acceptable.
		{
			Name:        "dynamic_eval",
			Description: "dynamic code evaluation",
			Regex:       regexp.MustCompile(`\b(eval|exec)\s*\(`),
			MinPhase:    policy.PhaseBasic,
		},
		{
			Name:        "dynamic_compile",
			Description: "runtime code compilation",
			Regex:       regexp.MustCompile(`\bcompile\s*\(|new\s+Function\s*\(|__import__`),
			MinPhase:    policy.PhaseBasic,
		},
		{
			Name:        "network_primitive",
			Description: "direct network primitive",
			Regex:       regexp.MustCompile(`\b(socket|connect|dial|listen|bind)\s*\(|https?://`),
			MinPhase:    policy.PhaseBasic,
		},

		// Enhanced phase: anything that smells like a system call or a
		// probe of the host environment.
		{
			Name:        "syscall_identifier",
			Description: "system-call-like identifier",
			Regex:       regexp.MustCompile(`\b(syscall|ioctl|ptrace|fork|execve|mmap)\b`),
			MinPhase:    policy.PhaseEnhanced,
		},
		{
			Name:        "proc_filesystem",
			Description: "host process filesystem probe",
			Regex:       regexp.MustCompile(`/proc/self/(root|exe|fd|ns|maps|status)|/sys/fs/cgroup`),
			MinPhase:    policy.PhaseEnhanced,
		},
		{
			Name:        "cloud_metadata",
			Description: "cloud metadata service address",
			Regex:       regexp.MustCompile(`169\.254\.169\.254|metadata\.google|metadata\.aws`),
			MinPhase:    policy.PhaseEnhanced,
		},

		// Monitoring phase: obfuscation markers.
		{
			Name:        "string_decoding",
			Description: "string decoding helper",
			Regex:       regexp.MustCompile(`\b(fromCharCode|unescape|atob|b64decode|decode)\s*\(`),
			MinPhase:    policy.PhaseMonitoring,
		},
		{
			Name:        "hex_escape_blob",
			Description: "embedded hex escape sequence",
			Regex:       regexp.MustCompile(`(\\x[0-9a-fA-F]{2}){4,}`),
			MinPhase:    policy.PhaseMonitoring,
		},
	}
}
