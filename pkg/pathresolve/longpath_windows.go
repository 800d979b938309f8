//go:build windows

package pathresolve

import (
	"path/filepath"
	"strings"
)

// longPathThreshold is the length at which paths are converted to the
// extended-length form, comfortably below the 260-character MAX_PATH limit so
// that joined child names still fit.
const longPathThreshold = 240

// Extended converts a path to the Win32 extended-length form (`\\?\`-prefixed)
// when it approaches the traditional MAX_PATH limit. Already-prefixed and UNC
// paths are returned unchanged. Callers use the result for filesystem access
// only; it is never surfaced in logs or events.
func Extended(path string) string {
	if strings.HasPrefix(path, `\\?\`) || strings.HasPrefix(path, `\\`) {
		return path
	}
	if len(path) < longPathThreshold {
		return path
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return `\\?\` + abs
}
