package sandbox

import (
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// CleanupOrphaned removes staging directories left over from previous
// runs, for example after a crash between staging and teardown. Only
// directories older than maxAge are touched so live executions are
// never swept.
func CleanupOrphaned(workRoot string, maxAge time.Duration) (int, error) {
	if workRoot == "" {
		workRoot = os.TempDir()
	}

	entries, err := os.ReadDir(workRoot)
	if err != nil {
		return 0, err
	}

	var cleaned int
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), "plugin-") {
			continue
		}

		info, err := entry.Info()
		if err != nil || time.Since(info.ModTime()) < maxAge {
			continue
		}

		path := filepath.Join(workRoot, entry.Name())
		if err := os.RemoveAll(path); err != nil {
			log.Warn().Err(err).Str("path", path).Msg("failed to remove orphaned staging dir")
			continue
		}
		cleaned++
	}

	if cleaned > 0 {
		log.Info().Int("count", cleaned).Str("work_root", workRoot).Msg("cleaned up orphaned staging dirs")
	}
	return cleaned, nil
}
