// Package fswalk provides the deterministic file traversal shared by the
// archive and mirror engines. Files within one source root are visited in
// lexical order, so repeated runs over an unchanged tree produce identical
// processing sequences.
package fswalk

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"gamevaultlabs.io/gv-backup/pkg/util"
)

// Entry describes one regular file discovered during traversal.
type Entry struct {
	RelPathKey string // normalized, forward-slash path relative to the source root
	AbsPath    string // OS-native absolute path for filesystem access
	Size       int64
	ModTime    int64 // UnixNano
}

// WalkFunc is called once per discovered file. A non-nil err reports an
// access failure for that path; Entry.RelPathKey and Entry.AbsPath are still
// populated so the failure can be attributed. Returning an error stops the
// walk and propagates.
type WalkFunc func(e Entry, err error) error

// Walk traverses root and invokes fn for every regular file beneath it.
// Directories and special files (symlinks, pipes, sockets) are not reported.
// An unreadable subtree is reported to fn once and then skipped; an
// unreadable root aborts the walk.
func Walk(ctx context.Context, root string, fn WalkFunc) error {
	return filepath.WalkDir(root, func(absPath string, d fs.DirEntry, walkErr error) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		relPathKey, relErr := util.NormalizedRelPath(root, absPath)
		if relErr != nil {
			return relErr
		}

		if walkErr != nil {
			if relPathKey == "." {
				return fmt.Errorf("source root is unreadable: %w", walkErr)
			}
			if err := fn(Entry{RelPathKey: relPathKey, AbsPath: absPath}, walkErr); err != nil {
				return err
			}
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return fn(Entry{RelPathKey: relPathKey, AbsPath: absPath}, err)
		}

		return fn(Entry{
			RelPathKey: relPathKey,
			AbsPath:    absPath,
			Size:       info.Size(),
			ModTime:    info.ModTime().UnixNano(),
		}, nil)
	})
}

// Count walks all roots concurrently and returns the total number of files
// and bytes beneath them. The totals are advisory (used for progress
// reporting). Unreadable entries count as one file each with no bytes, since
// the copy phase reports each of them as one failed item. Count fails only on
// cancellation or an unreadable root.
func Count(ctx context.Context, roots []string) (files, bytes int64, err error) {
	var nFiles, nBytes atomic.Int64

	g, gctx := errgroup.WithContext(ctx)
	for _, root := range roots {
		root := root
		g.Go(func() error {
			return Walk(gctx, root, func(e Entry, walkErr error) error {
				nFiles.Add(1)
				if walkErr != nil {
					return nil
				}
				nBytes.Add(e.Size)
				return nil
			})
		})
	}
	if err := g.Wait(); err != nil {
		return 0, 0, err
	}
	return nFiles.Load(), nBytes.Load(), nil
}

// Stat returns metadata for an existing destination file, or nil when the
// path does not exist. Used by the mirror engine to feed the change detector.
func Stat(absPath string) (*Entry, error) {
	info, err := os.Lstat(absPath)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if !info.Mode().IsRegular() {
		return nil, nil // A non-file occupant is treated as absent; the copy will replace it.
	}
	return &Entry{
		AbsPath: absPath,
		Size:    info.Size(),
		ModTime: info.ModTime().UnixNano(),
	}, nil
}
