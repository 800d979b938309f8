// Package runid derives the unique per-run label used to name backup output.
package runid

import (
	"os"
	"strings"
	"time"
)

// TimeFormat is the second-resolution timestamp embedded in run identifiers.
const TimeFormat = "20060102_150405"

// fallbackHost is used when the hostname cannot be determined.
const fallbackHost = "UNKNOWNHOST"

// ID identifies a single backup run. It is computed once at run start and
// reused for the output path and the embedded log filename.
type ID struct {
	Product string
	Host    string
	Start   time.Time
}

// New builds a run identifier for the given product name and start time.
// The hostname is taken from the OS; failures fall back to a placeholder
// rather than aborting the run.
func New(product string, start time.Time) ID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = fallbackHost
	}
	return ID{Product: product, Host: sanitize(host), Start: start}
}

// sanitize strips characters from the hostname that are unsafe in file names.
func sanitize(host string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', '*', '?', '"', '<', '>', '|', ' ':
			return '-'
		}
		return r
	}, host)
}

// String returns the bare identifier: <product>_<host>_<YYYYMMDD_HHMMSS>.
func (id ID) String() string {
	return id.Product + "_" + id.Host + "_" + id.Start.Format(TimeFormat)
}

// DirName returns the mirror output directory name for this run.
func (id ID) DirName() string {
	return id.String()
}

// ArchiveName returns the archive file name for this run with the given
// extension (e.g. ".zip", ".tar.gz").
func (id ID) ArchiveName(ext string) string {
	return id.String() + ext
}
