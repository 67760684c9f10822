package sandbox

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteHostProfile materializes the descriptor's syscall whitelist as an
// OCI seccomp profile on disk and returns the file path. Operators
// confine the daemon process itself with it (systemd SystemCallFilter,
// container runtime --security-opt). Empty dir uses the system temp
// dir.
func WriteHostProfile(dir string, d Descriptor) (string, error) {
	if dir == "" {
		dir = os.TempDir()
	}

	data, err := json.MarshalIndent(d.SeccompProfile(), "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding seccomp profile: %w", err)
	}

	path := filepath.Join(dir, "host-seccomp.json")
	if err := os.WriteFile(path, data, 0600); err != nil {
		return "", fmt.Errorf("writing seccomp profile: %w", err)
	}
	return path, nil
}
