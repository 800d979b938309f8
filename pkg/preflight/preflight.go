// Package preflight validates the backup destination before any file-level
// work begins. A failed preflight short-circuits the run as fatal, so these
// checks aim for user-friendly errors rather than letting a copy fail deep
// inside the run.
package preflight

import (
	"fmt"
	"os"
	"path/filepath"
)

// writeProbeName is the temporary file used to probe destination writability.
const writeProbeName = ".gv-backup-writetest.tmp"

// CheckDestination verifies that the destination exists, is a directory and
// is writable, by creating and deleting a probe file. If minFreeBytes is
// positive, the destination volume must also report at least that much free
// space.
func CheckDestination(destPath string, minFreeBytes int64) error {
	info, err := os.Stat(destPath)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("destination directory %s does not exist", destPath)
		}
		return fmt.Errorf("cannot access destination %s: %w", destPath, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("destination path exists but is not a directory: %s", destPath)
	}

	// Thorough write check: create and delete a probe file.
	probe := filepath.Join(destPath, writeProbeName)
	f, err := os.Create(probe)
	if err != nil {
		return fmt.Errorf("destination directory %s is not writable: %w", destPath, err)
	}
	f.Close()
	_ = os.Remove(probe)

	if minFreeBytes > 0 {
		free, err := freeSpace(destPath)
		if err != nil {
			return fmt.Errorf("could not determine free space for %s: %w", destPath, err)
		}
		if free < minFreeBytes {
			return fmt.Errorf("destination %s has %d bytes free, below the required %d", destPath, free, minFreeBytes)
		}
	}

	return nil
}

// FreeSpace reports the number of bytes available to the current user on the
// volume holding path.
func FreeSpace(path string) (int64, error) {
	return freeSpace(path)
}
