package sandbox

import "strings"

// escapeIndicators are host artifacts that must never be visible from
// inside the sandbox. Seeing one in plugin output means a boundary was
// breached somewhere below us.
var escapeIndicators = []struct {
	name   string
	substr string
}{
	{"root_passwd_leak", "root:x:0:0"},
	{"proc_self_access", "/proc/self/"},
	{"cgroup_access", "/sys/fs/cgroup"},
	{"kernel_leak", "Linux version"},
	{"docker_socket", "docker.sock"},
	{"containerd_socket", "containerd.sock"},
	{"host_env_leak", "SANDBOX_HOST="},
	{"metadata_service", "169.254.169.254"},
}

// ScanOutput checks captured plugin output for signs of a successful
// sandbox escape. Returns the names of the matched indicators.
func ScanOutput(output string) []string {
	var signals []string
	for _, ind := range escapeIndicators {
		if strings.Contains(output, ind.substr) {
			signals = append(signals, ind.name)
		}
	}
	return signals
}
