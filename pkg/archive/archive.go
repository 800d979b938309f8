// Package archive streams resolved source roots into a single compressed
// container. Entry names are root-relative; the container is written to a
// temporary file next to the target and atomically renamed on success, so a
// cancelled or failed run never leaves a half-written archive behind.
package archive

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gamevaultlabs.io/gv-backup/pkg/fswalk"
	"gamevaultlabs.io/gv-backup/pkg/pathresolve"
	"gamevaultlabs.io/gv-backup/pkg/plog"
	"gamevaultlabs.io/gv-backup/pkg/runlog"
)

// Format selects the container and compression scheme.
type Format int

const (
	Zip Format = iota
	TarGz
	TarZst
)

var formatNames = map[Format]string{
	Zip:    "zip",
	TarGz:  "tar.gz",
	TarZst: "tar.zst",
}

var formatExts = map[Format]string{
	Zip:    ".zip",
	TarGz:  ".tar.gz",
	TarZst: ".tar.zst",
}

func (f Format) String() string { return formatNames[f] }

// Ext returns the file extension for the format, including the leading dot.
func (f Format) Ext() string { return formatExts[f] }

// ParseFormat converts a config string to a Format.
func ParseFormat(s string) (Format, error) {
	switch s {
	case "", "zip":
		return Zip, nil
	case "tar.gz", "targz", "tgz":
		return TarGz, nil
	case "tar.zst", "tarzst", "tzst":
		return TarZst, nil
	default:
		return Zip, fmt.Errorf("unsupported archive format: %q", s)
	}
}

// Level selects the compression effort.
type Level int

const (
	Default Level = iota
	Fastest
	Better
	Best
)

// copyBufferSize is the I/O buffer used for streaming files into the
// container. The run is sequential, so a single buffer suffices.
const copyBufferSize = 256 * 1024

// Reporter receives the per-file outcomes of an archive run. Per-file
// failures are reported here and never abort the run.
type Reporter interface {
	FileCopied(relPathKey string, size int64)
	FileFailed(relPathKey string, err error)
}

// Options configures a single archive run.
type Options struct {
	Format Format
	Level  Level

	// StrictCollisions records an entry name produced by more than one source
	// root as a per-file failure instead of silently overwriting. The first
	// entry wins.
	StrictCollisions bool

	// PreserveRootNames prefixes every entry with a `parent__leaf` tag
	// derived from its source root, keeping same-named roots apart.
	PreserveRootNames bool

	// EmbedLog, when non-nil, is rendered after the last file and stored as a
	// final log entry inside the container.
	EmbedLog func() string

	DryRun bool
}

// container is the format-specific writing backend. addFile distinguishes a
// recoverable per-file failure (source read error) from a fatal container
// error (write/compression failure).
type container interface {
	addFile(name string, size int64, mod time.Time, r io.Reader, buf []byte) (fileErr, fatal error)
	addBytes(name string, mod time.Time, data []byte) error
	close() error
}

func newContainer(w io.Writer, format Format, level Level) (container, error) {
	switch format {
	case Zip:
		return newZipContainer(w, level), nil
	case TarGz:
		return newTarGzContainer(w, level)
	case TarZst:
		return newTarZstContainer(w, level)
	default:
		return nil, fmt.Errorf("unsupported archive format: %v", format)
	}
}

// Write archives every regular file under the given roots into a container at
// archivePath. Files are processed in lexical order per root, roots in their
// configured order. Cancellation is checked between files; a cancelled run
// removes its temporary file and returns the context error.
func Write(ctx context.Context, roots []string, archivePath string, opts Options, rep Reporter) (retErr error) {
	if opts.DryRun {
		return dryRun(ctx, roots, opts)
	}

	// Create the temp file in the same directory as the target so the final
	// rename is atomic.
	tmpF, err := os.CreateTemp(filepath.Dir(archivePath), "gv-backup-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp archive: %w", err)
	}
	tmpPath := tmpF.Name()
	defer func() {
		if retErr != nil {
			tmpF.Close()
			os.Remove(tmpPath)
		}
	}()

	bufWriter := bufio.NewWriterSize(tmpF, copyBufferSize)
	c, err := newContainer(bufWriter, opts.Format, opts.Level)
	if err != nil {
		return err
	}

	if err := writeEntries(ctx, roots, c, opts, rep); err != nil {
		c.close()
		return err
	}

	if opts.EmbedLog != nil {
		if err := c.addBytes(runlog.FileName, time.Now(), []byte(opts.EmbedLog())); err != nil {
			c.close()
			return fmt.Errorf("failed to embed run log: %w", err)
		}
	}

	if err := c.close(); err != nil {
		return fmt.Errorf("failed to finalize archive: %w", err)
	}
	if err := bufWriter.Flush(); err != nil {
		return fmt.Errorf("failed to flush archive: %w", err)
	}
	if err := tmpF.Close(); err != nil {
		return fmt.Errorf("failed to close temp archive: %w", err)
	}
	if err := os.Rename(tmpPath, archivePath); err != nil {
		return fmt.Errorf("failed to rename temp archive to final path: %w", err)
	}
	return nil
}

func writeEntries(ctx context.Context, roots []string, c container, opts Options, rep Reporter) error {
	buf := make([]byte, copyBufferSize)
	seen := make(map[string]string) // entry name -> producing root

	for _, root := range roots {
		base := ""
		if opts.PreserveRootNames {
			base = TaggedBase(root)
		}

		err := fswalk.Walk(ctx, root, func(e fswalk.Entry, walkErr error) error {
			name := e.RelPathKey
			if base != "" {
				name = base + "/" + name
			}

			if walkErr != nil {
				rep.FileFailed(name, walkErr)
				return nil
			}

			if prev, dup := seen[name]; dup {
				if opts.StrictCollisions {
					rep.FileFailed(name, fmt.Errorf("entry name collides with a file from %s", prev))
					return nil
				}
				plog.Warn("Archive entry overwrites an earlier one", "entry", name, "earlierRoot", prev)
			}
			seen[name] = root

			src, err := os.Open(pathresolve.Extended(e.AbsPath))
			if err != nil {
				rep.FileFailed(name, err)
				return nil
			}
			fileErr, fatal := c.addFile(name, e.Size, time.Unix(0, e.ModTime), src, buf)
			src.Close()
			if fatal != nil {
				return fatal
			}
			if fileErr != nil {
				rep.FileFailed(name, fileErr)
				return nil
			}

			plog.Notice("ADD", "source", root, "file", name)
			rep.FileCopied(name, e.Size)
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("archive walk failed for %s: %w", root, err)
		}
	}
	return nil
}

func dryRun(ctx context.Context, roots []string, opts Options) error {
	for _, root := range roots {
		base := ""
		if opts.PreserveRootNames {
			base = TaggedBase(root)
		}
		err := fswalk.Walk(ctx, root, func(e fswalk.Entry, walkErr error) error {
			if walkErr != nil {
				plog.Warn("SKIP", "reason", "error accessing path", "path", e.AbsPath, "error", walkErr)
				return nil
			}
			name := e.RelPathKey
			if base != "" {
				name = base + "/" + name
			}
			plog.Notice("[DRY RUN] ADD", "source", root, "file", name)
			return nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// TaggedBase derives the `parent__leaf` prefix used to keep entries from
// multiple source roots apart when PreserveRootNames is enabled.
func TaggedBase(root string) string {
	leaf := filepath.Base(root)
	parent := filepath.Base(filepath.Dir(root))
	if parent == "" || parent == "." || parent == string(filepath.Separator) || parent == leaf {
		return leaf
	}
	return parent + "__" + leaf
}

// errTrackReader records read-side errors so that a failed copy can be
// attributed to the source file rather than the container.
type errTrackReader struct {
	r   io.Reader
	err error
}

func (t *errTrackReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if err != nil && err != io.EOF {
		t.err = err
	}
	return n, err
}
