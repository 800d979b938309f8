// Package changedetect holds the pure copy-or-skip decision used by
// incremental mirror runs. Change detection is limited to file size and
// modification time; content hashing is deliberately not used.
package changedetect

import (
	"time"

	"gamevaultlabs.io/gv-backup/pkg/fswalk"
)

// DefaultModTimeWindow is the tolerance applied when comparing modification
// times. Some filesystems and APIs truncate or round sub-second timestamp
// precision differently between source and destination; exact-equality
// comparison would cause spurious re-copies.
const DefaultModTimeWindow = time.Second

// Decision is the outcome for a single file.
type Decision int

const (
	Copy Decision = iota
	Skip
)

func (d Decision) String() string {
	if d == Skip {
		return "Skip"
	}
	return "Copy"
}

// Decide returns Copy or Skip for a source file given the destination entry
// (nil when absent). With incremental off the answer is always Copy. With
// incremental on, Skip requires identical sizes and modification times within
// the given window; a window of 0 demands an exact match.
func Decide(src fswalk.Entry, dst *fswalk.Entry, incremental bool, window time.Duration) Decision {
	if dst == nil {
		return Copy
	}
	if !incremental {
		return Copy
	}
	if src.Size != dst.Size {
		return Copy
	}

	delta := src.ModTime - dst.ModTime
	if delta < 0 {
		delta = -delta
	}
	if delta <= window.Nanoseconds() {
		return Skip
	}
	return Copy
}
