package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gamevaultlabs.io/gv-backup/pkg/config"
	"gamevaultlabs.io/gv-backup/pkg/event"
	"gamevaultlabs.io/gv-backup/pkg/metrics"
	"gamevaultlabs.io/gv-backup/pkg/runid"
	"gamevaultlabs.io/gv-backup/pkg/runlog"
)

func createFile(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
}

func baseConfig(t *testing.T, mode config.Mode) config.RunConfig {
	t.Helper()
	src := t.TempDir()
	createFile(t, filepath.Join(src, "a.txt"), "alpha")
	createFile(t, filepath.Join(src, "sub", "b.txt"), "beta")

	cfg := config.Default()
	cfg.Mode = mode
	cfg.Sources = []string{src}
	cfg.Destination = t.TempDir()
	return cfg
}

func drain(r *Run) []event.Event {
	var evs []event.Event
	for ev := range r.Events() {
		evs = append(evs, ev)
	}
	return evs
}

func TestMirrorRunSuccess(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	res := run.Wait()

	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(2), res.Counts.FilesCopied)
	assert.Equal(t, int64(0), res.Counts.FilesFailed)
	assert.Equal(t, int64(2), res.Counts.FilesTotal)

	data, err := os.ReadFile(filepath.Join(res.OutputPath, "a.txt"))
	require.NoError(t, err)
	assert.Equal(t, "alpha", string(data))

	logData, err := os.ReadFile(filepath.Join(res.OutputPath, runlog.FileName))
	require.NoError(t, err)
	assert.Contains(t, string(logData), "Copied: a.txt")
	assert.Contains(t, string(logData), "Copied:  2 files")

	assert.True(t, strings.HasPrefix(filepath.Base(res.OutputPath), cfg.Product+"_"))
}

func TestZipRunSuccess(t *testing.T) {
	cfg := baseConfig(t, config.ModeZip)

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	res := run.Wait()

	require.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(2), res.Counts.FilesCopied)
	assert.True(t, strings.HasSuffix(res.OutputPath, ".zip"))

	r, err := zip.OpenReader(res.OutputPath)
	require.NoError(t, err)
	defer r.Close()
	names := make([]string, 0, len(r.File))
	for _, f := range r.File {
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"a.txt", "sub/b.txt", runlog.FileName}, names)
}

func TestRunEventsOrdering(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	run.Wait()
	evs := drain(run)

	require.NotEmpty(t, evs)
	assert.Equal(t, event.RunStarted, evs[0].Type)
	assert.Equal(t, event.RunCompleted, evs[len(evs)-1].Type)

	var copied int
	for _, ev := range evs {
		if ev.Type == event.FileCopied {
			copied++
			assert.Equal(t, event.StageCopying, ev.Stage)
		}
	}
	assert.Equal(t, 2, copied)
}

func TestNoValidSourcesIsFatal(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []string{filepath.Join(t.TempDir(), "does-not-exist")}
	cfg.Destination = t.TempDir()

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	res := run.Wait()

	assert.Equal(t, StatusFatal, res.Status)
	assert.Contains(t, res.Reason, "no valid sources")
	assert.Equal(t, int64(0), res.Counts.FilesCopied)

	// Fatal short-circuits before any output is produced.
	entries, err := os.ReadDir(cfg.Destination)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestMissingDestinationIsFatal(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)
	cfg.Destination = filepath.Join(t.TempDir(), "nope")

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	res := run.Wait()

	assert.Equal(t, StatusFatal, res.Status)
	assert.Contains(t, res.Reason, "destination check failed")
}

func TestInvalidConfigRejectedBeforeStart(t *testing.T) {
	cfg := config.Default()
	cfg.Destination = t.TempDir()
	// No sources.

	_, err := New().Start(context.Background(), cfg)
	assert.ErrorContains(t, err, "at least one source")
}

func TestPreCancelledRunIsCancelled(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	run, err := New().Start(ctx, cfg)
	require.NoError(t, err)
	res := run.Wait()

	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, int64(0), res.Counts.FilesCopied)
}

func TestPartialFailure(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)
	cfg.MirrorDirName = "pinned"

	// A directory squatting on a destination file path fails that one copy.
	require.NoError(t, os.MkdirAll(filepath.Join(cfg.Destination, "pinned", "a.txt"), 0755))

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	res := run.Wait()

	assert.Equal(t, StatusPartialFailure, res.Status)
	assert.Equal(t, int64(1), res.Counts.FilesFailed)
	assert.Equal(t, int64(1), res.Counts.FilesCopied)

	var failed []string
	for _, e := range res.Log {
		if e.Level == runlog.LevelWarn && strings.HasPrefix(e.Message, "Failed:") {
			failed = append(failed, e.Message)
		}
	}
	require.Len(t, failed, 1)
	assert.Contains(t, failed[0], "a.txt")
}

func TestMissingSourceIsWarningOnly(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)
	missing := filepath.Join(t.TempDir(), "gone")
	cfg.Sources = append([]string{missing}, cfg.Sources...)

	run, err := New().Start(context.Background(), cfg)
	require.NoError(t, err)
	res := run.Wait()
	evs := drain(run)

	assert.Equal(t, StatusSuccess, res.Status)
	assert.Equal(t, int64(2), res.Counts.FilesCopied)

	var sawMissing bool
	for _, ev := range evs {
		if ev.Type == event.SourceMissing {
			sawMissing = true
			assert.Equal(t, missing, ev.Path)
		}
	}
	assert.True(t, sawMissing)
}

func TestSecondStartWhileRunningIsBusy(t *testing.T) {
	src := t.TempDir()
	for i := 0; i < 400; i++ {
		createFile(t, filepath.Join(src, fmt.Sprintf("f%03d.txt", i)), strings.Repeat("x", 512))
	}

	cfg := config.Default()
	cfg.Sources = []string{src}
	cfg.Destination = t.TempDir()

	e := New()
	run, err := e.Start(context.Background(), cfg)
	require.NoError(t, err)

	_, err = e.Start(context.Background(), cfg)
	assert.ErrorIs(t, err, ErrBusy)

	run.Wait()

	// The engine is free again once the run has ended.
	run2, err := e.Start(context.Background(), cfg)
	require.NoError(t, err)
	run2.Wait()
}

func TestMirrorDirNamePinsIncrementalTarget(t *testing.T) {
	cfg := baseConfig(t, config.ModeMirror)
	cfg.MirrorDirName = "current"

	e := New()
	run, err := e.Start(context.Background(), cfg)
	require.NoError(t, err)
	first := run.Wait()
	require.Equal(t, StatusSuccess, first.Status)
	assert.Equal(t, filepath.Join(cfg.Destination, "current"), first.OutputPath)

	run, err = e.Start(context.Background(), cfg)
	require.NoError(t, err)
	second := run.Wait()

	require.Equal(t, StatusSuccess, second.Status)
	assert.Equal(t, first.OutputPath, second.OutputPath)
	assert.Equal(t, int64(0), second.Counts.FilesCopied)
	assert.Equal(t, int64(2), second.Counts.FilesSkipped)
}

func TestDryRunProducesNoOutput(t *testing.T) {
	for _, mode := range []config.Mode{config.ModeZip, config.ModeMirror} {
		t.Run(string(mode), func(t *testing.T) {
			cfg := baseConfig(t, mode)
			cfg.DryRun = true

			run, err := New().Start(context.Background(), cfg)
			require.NoError(t, err)
			res := run.Wait()

			assert.Equal(t, StatusSuccess, res.Status)
			entries, err := os.ReadDir(cfg.Destination)
			require.NoError(t, err)
			assert.Empty(t, entries)

			// Even without persistence the sealed log is handed back.
			assert.NotEmpty(t, res.Log)
		})
	}
}

func TestCancelledArchiveRunReportsNoOutputPath(t *testing.T) {
	cfg := config.Default()
	cfg.Mode = config.ModeZip
	cfg.Sources = []string{t.TempDir()}
	cfg.Destination = t.TempDir()

	e := New()
	e.running = true
	r := &Run{
		engine: e,
		cfg:    cfg,
		cancel: func() {},
		events: make(chan event.Event, 8),
		done:   make(chan struct{}),
	}

	// The archive path was removed together with its temp file, so the
	// result must not point callers at it.
	archivePath := filepath.Join(cfg.Destination, "GVBackup_HOST_20250101_120000.zip")
	r.completeCancelled(runid.New(cfg.Product, time.Now()), &metrics.RunMetrics{}, runlog.New(), archivePath)

	res := r.Wait()
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Empty(t, res.OutputPath)
}

func TestCancelledMirrorRunKeepsOutputPath(t *testing.T) {
	cfg := config.Default()
	cfg.Sources = []string{t.TempDir()}
	cfg.Destination = t.TempDir()

	mirrorPath := filepath.Join(cfg.Destination, "pinned")
	require.NoError(t, os.MkdirAll(mirrorPath, 0755))

	e := New()
	e.running = true
	r := &Run{
		engine: e,
		cfg:    cfg,
		cancel: func() {},
		events: make(chan event.Event, 8),
		done:   make(chan struct{}),
	}
	r.completeCancelled(runid.New(cfg.Product, time.Now()), &metrics.RunMetrics{}, runlog.New(), mirrorPath)

	res := r.Wait()
	assert.Equal(t, StatusCancelled, res.Status)
	assert.Equal(t, mirrorPath, res.OutputPath)

	// Already-copied files stay reachable, and the log lands next to them.
	_, err := os.Stat(filepath.Join(mirrorPath, runlog.FileName))
	assert.NoError(t, err)
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "Success", StatusSuccess.String())
	assert.Equal(t, "PartialFailure", StatusPartialFailure.String())
	assert.Equal(t, "Cancelled", StatusCancelled.String())
	assert.Equal(t, "Fatal", StatusFatal.String())
	assert.Equal(t, "Status(9)", Status(9).String())
}
