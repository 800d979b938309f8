// Package retention lists and prunes the backup sets accumulated in a
// destination directory. A backup set is a mirror directory or an archive
// file whose name carries the product prefix and a run timestamp.
package retention

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"gamevaultlabs.io/gv-backup/pkg/plog"
	"gamevaultlabs.io/gv-backup/pkg/runid"
)

var archiveExts = []string{".tar.gz", ".tar.zst", ".zip"}

// Backup is one discovered backup set in a destination directory.
type Backup struct {
	// Name is the entry name inside the destination directory.
	Name string
	// Path is the absolute or destination-relative path of the set.
	Path string
	// Start is the run timestamp parsed from the name.
	Start time.Time
	// IsDir is true for mirror sets, false for archives.
	IsDir bool
}

// List returns the backup sets in destDir whose names start with the product
// prefix, newest first. Entries without a parseable timestamp are skipped
// with a debug log.
func List(destDir, product string) ([]Backup, error) {
	entries, err := os.ReadDir(destDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read destination directory %s: %w", destDir, err)
	}

	var backups []Backup
	prefix := product + "_"
	for _, e := range entries {
		name := e.Name()
		if !strings.HasPrefix(name, prefix) {
			continue
		}
		start, ok := parseStart(name, e.IsDir())
		if !ok {
			plog.Debug("Skipping entry without run timestamp", "name", name)
			continue
		}
		backups = append(backups, Backup{
			Name:  name,
			Path:  filepath.Join(destDir, name),
			Start: start,
			IsDir: e.IsDir(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		if !backups[i].Start.Equal(backups[j].Start) {
			return backups[i].Start.After(backups[j].Start)
		}
		return backups[i].Name > backups[j].Name
	})
	return backups, nil
}

// Prune deletes all but the newest keep backup sets for the product and
// returns the removed ones. keep < 1 is rejected so that a misconfigured
// policy can never wipe every backup. With dryRun the victims are returned
// but nothing is deleted.
func Prune(destDir, product string, keep int, dryRun bool) ([]Backup, error) {
	if keep < 1 {
		return nil, fmt.Errorf("retention must keep at least 1 backup, got %d", keep)
	}

	backups, err := List(destDir, product)
	if err != nil {
		return nil, err
	}
	if len(backups) <= keep {
		return nil, nil
	}

	victims := backups[keep:]
	for _, b := range victims {
		if dryRun {
			plog.Notice("[DRY RUN] Would remove backup", "name", b.Name)
			continue
		}
		plog.Notice("Removing backup per retention policy", "name", b.Name)
		if err := os.RemoveAll(b.Path); err != nil {
			return nil, fmt.Errorf("failed to remove backup %s: %w", b.Name, err)
		}
	}
	return victims, nil
}

// parseStart extracts the run timestamp from a backup name. The timestamp is
// the final `YYYYmmdd_HHMMSS` portion, before any archive extension.
func parseStart(name string, isDir bool) (time.Time, bool) {
	if !isDir {
		ext := archiveExt(name)
		if ext == "" {
			return time.Time{}, false
		}
		name = strings.TrimSuffix(name, ext)
	}

	parts := strings.Split(name, "_")
	if len(parts) < 3 {
		return time.Time{}, false
	}
	ts := parts[len(parts)-2] + "_" + parts[len(parts)-1]
	start, err := time.ParseInLocation(runid.TimeFormat, ts, time.Local)
	if err != nil {
		return time.Time{}, false
	}
	return start, true
}

func archiveExt(name string) string {
	for _, ext := range archiveExts {
		if strings.HasSuffix(name, ext) {
			return ext
		}
	}
	return ""
}
