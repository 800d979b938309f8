// Package mirrorsync copies source trees into a destination directory,
// preserving relative layout and file modification times. In incremental mode
// files whose size and mtime already match the destination are skipped.
package mirrorsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"gamevaultlabs.io/gv-backup/pkg/changedetect"
	"gamevaultlabs.io/gv-backup/pkg/fswalk"
	"gamevaultlabs.io/gv-backup/pkg/pathresolve"
	"gamevaultlabs.io/gv-backup/pkg/plog"
	"gamevaultlabs.io/gv-backup/pkg/util"
)

const copyBufferSize = 256 * 1024

// Reporter receives per-entry outcomes during a sync run. Implementations
// must be safe for sequential use; the syncer never calls them concurrently.
type Reporter interface {
	FileCopied(relPathKey string, size int64)
	FileSkipped(relPathKey string)
	FileFailed(relPathKey string, err error)
	DirCreated(absPath string)
}

// Options control a mirror sync run.
type Options struct {
	// Incremental skips destination files that match source size and mtime
	// within ModTimeWindow. When false every file is copied.
	Incremental bool

	// ModTimeWindow is the tolerance applied to mtime comparison. Zero means
	// exact match.
	ModTimeWindow time.Duration

	// PreserveRootNames prefixes each root's files with a `parent__leaf`
	// directory derived from the root path.
	PreserveRootNames bool

	DryRun bool
}

// Sync mirrors every regular file under the given roots into destDir. Roots
// are processed in order, files in lexical order within each root. Per-file
// failures are reported and the run continues; a failure to create destDir or
// a root's target directory is fatal. Cancellation is checked between files.
func Sync(ctx context.Context, roots []string, destDir string, opts Options, rep Reporter) error {
	if opts.DryRun {
		return dryRun(ctx, roots, opts)
	}

	if err := os.MkdirAll(pathresolve.Extended(destDir), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create mirror directory: %w", err)
	}

	s := &syncer{
		destDir: destDir,
		opts:    opts,
		rep:     rep,
		buf:     make([]byte, copyBufferSize),
		dirs:    make(map[string]struct{}),
	}

	for _, root := range roots {
		if err := s.syncRoot(ctx, root); err != nil {
			return err
		}
	}
	return nil
}

type syncer struct {
	destDir string
	opts    Options
	rep     Reporter
	buf     []byte
	dirs    map[string]struct{} // created or verified directories
}

func (s *syncer) syncRoot(ctx context.Context, root string) error {
	targetDir := s.destDir
	prefix := ""
	if s.opts.PreserveRootNames {
		tag := taggedBase(root)
		targetDir = filepath.Join(s.destDir, tag)
		prefix = tag + "/"
	}

	err := fswalk.Walk(ctx, root, func(e fswalk.Entry, walkErr error) error {
		if walkErr != nil {
			plog.Warn("SKIP", "reason", "error accessing path", "path", e.AbsPath, "error", walkErr)
			s.rep.FileFailed(prefix+e.RelPathKey, walkErr)
			return nil
		}
		s.syncFile(e, targetDir, prefix)
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return fmt.Errorf("mirror walk failed for %s: %w", root, err)
	}
	return nil
}

func (s *syncer) syncFile(e fswalk.Entry, targetDir, prefix string) {
	key := prefix + e.RelPathKey
	dstAbs := util.DenormalizedAbsPath(targetDir, e.RelPathKey)

	dst, err := fswalk.Stat(pathresolve.Extended(dstAbs))
	if err != nil {
		plog.Warn("FAIL", "file", key, "error", err)
		s.rep.FileFailed(key, err)
		return
	}

	if changedetect.Decide(e, dst, s.opts.Incremental, s.opts.ModTimeWindow) == changedetect.Skip {
		plog.Debug("SKIP", "reason", "unchanged", "file", key)
		s.rep.FileSkipped(key)
		return
	}

	if err := s.ensureDir(filepath.Dir(dstAbs)); err != nil {
		plog.Warn("FAIL", "file", key, "error", err)
		s.rep.FileFailed(key, err)
		return
	}

	if err := copyFile(e, dstAbs); err != nil {
		plog.Warn("FAIL", "file", key, "error", err)
		s.rep.FileFailed(key, err)
		return
	}

	plog.Debug("COPY", "file", key, "size", e.Size)
	s.rep.FileCopied(key, e.Size)
}

// ensureDir creates dir and any missing parents, reporting each directory
// only once per run.
func (s *syncer) ensureDir(dir string) error {
	if _, ok := s.dirs[dir]; ok {
		return nil
	}
	if _, err := os.Stat(pathresolve.Extended(dir)); err == nil {
		s.dirs[dir] = struct{}{}
		return nil
	}
	if err := os.MkdirAll(pathresolve.Extended(dir), util.UserWritableDirPerms); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}
	s.dirs[dir] = struct{}{}
	s.rep.DirCreated(dir)
	return nil
}

// copyFile copies the source entry to dstAbs, truncating any existing file,
// and restores the source modification time afterwards. A stale destination
// that lost its write bit is made writable first.
func copyFile(e fswalk.Entry, dstAbs string) error {
	srcF, err := os.Open(pathresolve.Extended(e.AbsPath))
	if err != nil {
		return fmt.Errorf("failed to open source file: %w", err)
	}
	defer srcF.Close()

	extDst := pathresolve.Extended(dstAbs)
	if info, err := os.Stat(extDst); err == nil && info.Mode()&util.PermUserWrite == 0 {
		if err := os.Chmod(extDst, util.WithUserWritePermission(info.Mode())); err != nil {
			return fmt.Errorf("failed to make destination writable: %w", err)
		}
	}

	dstF, err := os.OpenFile(extDst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, util.UserWritableFilePerms)
	if err != nil {
		return fmt.Errorf("failed to create destination file: %w", err)
	}

	buf := make([]byte, copyBufferSize)
	if _, err := io.CopyBuffer(dstF, srcF, buf); err != nil {
		dstF.Close()
		os.Remove(extDst)
		return fmt.Errorf("failed to copy file contents: %w", err)
	}
	if err := dstF.Close(); err != nil {
		os.Remove(extDst)
		return fmt.Errorf("failed to close destination file: %w", err)
	}

	// Chtimes after Close so the copy itself does not bump the mtime back.
	mod := time.Unix(0, e.ModTime)
	if err := os.Chtimes(extDst, mod, mod); err != nil {
		return fmt.Errorf("failed to preserve modification time: %w", err)
	}
	return nil
}

func dryRun(ctx context.Context, roots []string, opts Options) error {
	for _, root := range roots {
		prefix := ""
		if opts.PreserveRootNames {
			prefix = taggedBase(root) + "/"
		}
		err := fswalk.Walk(ctx, root, func(e fswalk.Entry, walkErr error) error {
			if walkErr != nil {
				plog.Warn("SKIP", "reason", "error accessing path", "path", e.AbsPath, "error", walkErr)
				return nil
			}
			plog.Notice("[DRY RUN] COPY", "source", root, "file", prefix+e.RelPathKey)
			return nil
		})
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			return fmt.Errorf("mirror walk failed for %s: %w", root, err)
		}
	}
	return nil
}

// taggedBase derives a `parent__leaf` directory name from a root path,
// keeping same-named leaf directories from different parents apart.
func taggedBase(root string) string {
	leaf := filepath.Base(root)
	parent := filepath.Base(filepath.Dir(root))
	if parent == "" || parent == "." || parent == string(filepath.Separator) || parent == leaf {
		return leaf
	}
	return parent + "__" + leaf
}
