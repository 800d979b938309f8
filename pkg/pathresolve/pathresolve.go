// Package pathresolve expands and validates the configured source paths,
// producing the ordered list of existing source roots a run operates on.
package pathresolve

import (
	"fmt"
	"os"
	"path/filepath"

	"gamevaultlabs.io/gv-backup/pkg/util"
)

// Result holds the outcome of resolving the configured source paths.
type Result struct {
	// Roots are the absolute, platform-safe paths of the sources that exist
	// and are readable directories, in their configured order.
	Roots []string
	// Missing holds the configured entries (verbatim) that were skipped
	// because they are unset, do not exist, or are not directories.
	Missing []string
}

// Resolve checks every configured source path. Paths that do not exist are
// reported in Missing, not treated as errors; the filesystem is never
// mutated. An empty Roots slice means there is nothing to back up.
func Resolve(sources []string) Result {
	var res Result
	for _, src := range sources {
		if src == "" {
			res.Missing = append(res.Missing, src)
			continue
		}

		abs, err := Normalize(src)
		if err != nil {
			res.Missing = append(res.Missing, src)
			continue
		}

		info, err := os.Stat(Extended(abs))
		if err != nil || !info.IsDir() {
			res.Missing = append(res.Missing, src)
			continue
		}

		res.Roots = append(res.Roots, abs)
	}
	return res
}

// Normalize expands a tilde prefix and converts the path to absolute form.
func Normalize(path string) (string, error) {
	expanded, err := util.ExpandPath(path)
	if err != nil {
		return "", err
	}
	abs, err := filepath.Abs(expanded)
	if err != nil {
		return "", fmt.Errorf("could not resolve absolute path for %s: %w", path, err)
	}
	return abs, nil
}
