// Package engine coordinates a full backup run: source resolution,
// destination preflight, scanning, copying via the archive or mirror backend,
// and run-log persistence. At most one run is active per Engine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"gamevaultlabs.io/gv-backup/pkg/archive"
	"gamevaultlabs.io/gv-backup/pkg/config"
	"gamevaultlabs.io/gv-backup/pkg/event"
	"gamevaultlabs.io/gv-backup/pkg/fswalk"
	"gamevaultlabs.io/gv-backup/pkg/metrics"
	"gamevaultlabs.io/gv-backup/pkg/mirrorsync"
	"gamevaultlabs.io/gv-backup/pkg/pathresolve"
	"gamevaultlabs.io/gv-backup/pkg/plog"
	"gamevaultlabs.io/gv-backup/pkg/preflight"
	"gamevaultlabs.io/gv-backup/pkg/runid"
	"gamevaultlabs.io/gv-backup/pkg/runlog"
)

// ErrBusy is returned by Start while another run is still active.
var ErrBusy = errors.New("a backup run is already in progress")

const eventBufferSize = 256

// Status is the terminal outcome of a run.
type Status int

const (
	// StatusSuccess means every discovered file was copied.
	StatusSuccess Status = iota + 1
	// StatusPartialFailure means the run completed but some files failed.
	StatusPartialFailure
	// StatusCancelled means a cancellation request was observed before
	// normal completion.
	StatusCancelled
	// StatusFatal means the run aborted before or during file-level work.
	StatusFatal
)

var statusNames = [...]string{"", "Success", "PartialFailure", "Cancelled", "Fatal"}

func (s Status) String() string {
	if s < 1 || int(s) >= len(statusNames) {
		return fmt.Sprintf("Status(%d)", int(s))
	}
	return statusNames[s]
}

// Result is the final outcome of a run, handed out once via Run.Wait.
type Result struct {
	RunID      runid.ID
	OutputPath string
	Counts     metrics.Snapshot
	Status     Status

	// Reason describes a fatal abort. Empty otherwise.
	Reason string

	// Log is the run log as it was persisted (or would have been).
	Log []runlog.Entry
}

// Engine starts backup runs and enforces the single-active-run rule.
type Engine struct {
	mu      sync.Mutex
	running bool
}

func New() *Engine {
	return &Engine{}
}

// Start validates cfg and launches the run on a background goroutine. It
// returns ErrBusy while a previous run is still active, or the validation
// error if cfg is unusable. The returned Run is observed through Events and
// Wait and stopped through Cancel.
func (e *Engine) Start(ctx context.Context, cfg config.RunConfig) (*Run, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid run configuration: %w", err)
	}

	e.mu.Lock()
	if e.running {
		e.mu.Unlock()
		return nil, ErrBusy
	}
	e.running = true
	e.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	r := &Run{
		engine: e,
		cfg:    cfg,
		cancel: cancel,
		events: make(chan event.Event, eventBufferSize),
		done:   make(chan struct{}),
	}
	go r.execute(runCtx)
	return r, nil
}

func (e *Engine) release() {
	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
}

// Run is a single in-flight backup. The worker goroutine owns all run state;
// callers only observe it through Events and Wait.
type Run struct {
	engine *Engine
	cfg    config.RunConfig
	cancel context.CancelFunc
	events chan event.Event
	done   chan struct{}
	result Result
}

// Events returns the progress stream. Events are dropped rather than blocking
// a slow consumer; the channel is closed when the run ends.
func (r *Run) Events() <-chan event.Event {
	return r.events
}

// Cancel requests cancellation. The run stops at the next between-files
// checkpoint; Wait still returns the final result.
func (r *Run) Cancel() {
	r.cancel()
}

// Wait blocks until the run has ended and returns its result.
func (r *Run) Wait() Result {
	<-r.done
	return r.result
}

func (r *Run) emit(ev event.Event) {
	select {
	case r.events <- ev:
	default:
	}
}

func (r *Run) emitType(t event.Type, stage event.Stage, path string, m metrics.Metrics, err error) {
	r.emit(event.Event{
		Type:      t,
		Stage:     stage,
		Timestamp: time.Now(),
		Path:      path,
		Counts:    m.Snapshot(),
		Err:       err,
	})
}

func (r *Run) finish(res Result) {
	r.result = res
	close(r.events)
	close(r.done)
	r.engine.release()
	r.cancel()
}

func (r *Run) execute(ctx context.Context) {
	start := time.Now()
	cfg := r.cfg
	id := runid.New(cfg.Product, start)
	m := &metrics.RunMetrics{}
	rl := runlog.New(
		fmt.Sprintf("%s backup run %s", cfg.Product, id),
		fmt.Sprintf("Started: %s", start.Format("2006-01-02 15:04:05")),
	)

	fatal := func(reason string, err error) {
		if err != nil {
			reason = fmt.Sprintf("%s: %v", reason, err)
		}
		plog.Error("Backup run aborted", "run", id.String(), "reason", reason)
		rl.Errorf("FATAL: %s", reason)
		rl.Close()
		r.emitType(event.RunCompleted, event.StageFinalizing, "", m, errors.New(reason))
		r.finish(Result{
			RunID:  id,
			Counts: m.Snapshot(),
			Status: StatusFatal,
			Reason: reason,
			Log:    rl.Entries(),
		})
	}

	plog.Notice("Backup run started", "run", id.String(), "mode", string(cfg.Mode))
	r.emitType(event.RunStarted, event.StageResolving, "", m, nil)

	// Resolve sources. Missing sources are warnings; zero resolvable sources
	// is fatal.
	res := pathresolve.Resolve(cfg.Sources)
	for _, missing := range res.Missing {
		plog.Warn("Source not found, skipping", "path", missing)
		rl.Warnf("Source not found, skipping: %s", missing)
		r.emitType(event.SourceMissing, event.StageResolving, missing, m, nil)
	}
	if len(res.Roots) == 0 {
		fatal("no valid sources to back up", nil)
		return
	}
	for _, root := range res.Roots {
		rl.Infof("Source: %s", root)
		r.emitType(event.SourceResolved, event.StageResolving, root, m, nil)
	}

	if err := preflight.CheckDestination(cfg.Destination, cfg.MinFreeBytes); err != nil {
		fatal("destination check failed", err)
		return
	}

	// Scan for totals so progress can be reported against a known count.
	files, bytes, err := fswalk.Count(ctx, res.Roots)
	if err != nil {
		if isCancelled(err) {
			r.completeCancelled(id, m, rl, "")
			return
		}
		fatal("source scan failed", err)
		return
	}
	m.SetFilesTotal(files)
	plog.Info("Scan complete", "files", files, "bytes", bytes)
	rl.Infof("Found %d files (%d bytes) across %d sources", files, bytes, len(res.Roots))
	r.emitType(event.ScanComplete, event.StageScanning, "", m, nil)

	outputPath := r.outputPath(id)
	rep := &runReporter{run: r, metrics: m, log: rl}

	switch cfg.Mode {
	case config.ModeZip:
		err = r.runArchive(ctx, res.Roots, outputPath, m, rl, start, rep)
	default:
		err = r.runMirror(ctx, res.Roots, outputPath, m, rl, start, rep)
	}
	if err != nil {
		if isCancelled(err) {
			r.completeCancelled(id, m, rl, outputPath)
			return
		}
		fatal("backup failed", err)
		return
	}

	// Both backends close the log before persisting it, but a dry run skips
	// persistence entirely; close here so every terminal path seals the log.
	rl.Close()

	counts := m.Snapshot()
	status := StatusSuccess
	if counts.FilesFailed > 0 {
		status = StatusPartialFailure
	}
	plog.Notice("Backup run finished",
		"run", id.String(),
		"status", status.String(),
		"copied", counts.FilesCopied,
		"skipped", counts.FilesSkipped,
		"failed", counts.FilesFailed,
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	r.emitType(event.RunCompleted, event.StageFinalizing, outputPath, m, nil)
	r.finish(Result{
		RunID:      id,
		OutputPath: outputPath,
		Counts:     counts,
		Status:     status,
		Log:        rl.Entries(),
	})
}

func (r *Run) outputPath(id runid.ID) string {
	if r.cfg.Mode == config.ModeZip {
		return filepath.Join(r.cfg.Destination, id.ArchiveName(r.cfg.Format().Ext()))
	}
	dirName := r.cfg.MirrorDirName
	if dirName == "" {
		dirName = id.DirName()
	}
	return filepath.Join(r.cfg.Destination, dirName)
}

func (r *Run) runArchive(ctx context.Context, roots []string, outputPath string, m metrics.Metrics, rl *runlog.Logger, start time.Time, rep archive.Reporter) error {
	opts := archive.Options{
		Format:            r.cfg.Format(),
		StrictCollisions:  r.cfg.StrictCollisions,
		PreserveRootNames: r.cfg.PreserveRootNames,
		DryRun:            r.cfg.DryRun,
		// The log is rendered after the last file so the embedded copy
		// carries the final counts.
		EmbedLog: func() string {
			rl.Close()
			return rl.Render(summaryLines(m.Snapshot(), start)...)
		},
	}
	return archive.Write(ctx, roots, outputPath, opts, rep)
}

func (r *Run) runMirror(ctx context.Context, roots []string, outputPath string, m metrics.Metrics, rl *runlog.Logger, start time.Time, rep mirrorsync.Reporter) error {
	opts := mirrorsync.Options{
		Incremental:       r.cfg.Incremental,
		ModTimeWindow:     r.cfg.ModTimeWindow,
		PreserveRootNames: r.cfg.PreserveRootNames,
		DryRun:            r.cfg.DryRun,
	}
	if err := mirrorsync.Sync(ctx, roots, outputPath, opts, rep); err != nil {
		return err
	}
	if r.cfg.DryRun {
		return nil
	}

	rl.Close()
	logPath := filepath.Join(outputPath, runlog.FileName)
	if err := rl.WriteFile(logPath, summaryLines(m.Snapshot(), start)...); err != nil {
		// The mirror itself is intact; a failed log write is not fatal.
		plog.Warn("Failed to write run log", "path", logPath, "error", err)
	}
	return nil
}

// completeCancelled ends the run with StatusCancelled. Files copied before
// the checkpoint remain intact; for mirror runs the log is still persisted
// next to them when possible.
func (r *Run) completeCancelled(id runid.ID, m metrics.Metrics, rl *runlog.Logger, outputPath string) {
	// A cancelled archive run removed its temp file, so there is no output to
	// point at. Cancelled mirror runs keep their already-copied files.
	if r.cfg.Mode == config.ModeZip {
		outputPath = ""
	}

	plog.Notice("Backup run cancelled", "run", id.String())
	rl.Warnf("Run cancelled before completion")
	rl.Close()

	if outputPath != "" && r.cfg.Mode == config.ModeMirror && !r.cfg.DryRun {
		logPath := filepath.Join(outputPath, runlog.FileName)
		if err := rl.WriteFile(logPath); err != nil {
			plog.Debug("Skipping run log for cancelled run", "path", logPath, "error", err)
		}
	}

	r.emitType(event.RunCompleted, event.StageFinalizing, outputPath, m, context.Canceled)
	r.finish(Result{
		RunID:      id,
		OutputPath: outputPath,
		Counts:     m.Snapshot(),
		Status:     StatusCancelled,
		Log:        rl.Entries(),
	})
}

func summaryLines(s metrics.Snapshot, start time.Time) []string {
	return []string{
		fmt.Sprintf("Copied:  %d files (%d bytes)", s.FilesCopied, s.BytesCopied),
		fmt.Sprintf("Skipped: %d files", s.FilesSkipped),
		fmt.Sprintf("Failed:  %d files", s.FilesFailed),
		fmt.Sprintf("Finished: %s (%s)", time.Now().Format("2006-01-02 15:04:05"), time.Since(start).Round(time.Millisecond)),
	}
}

func isCancelled(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

// runReporter bridges backend per-file callbacks to metrics, the run log and
// the event stream. It satisfies both backends' Reporter interfaces.
type runReporter struct {
	run     *Run
	metrics metrics.Metrics
	log     *runlog.Logger
}

func (rr *runReporter) FileCopied(relPathKey string, size int64) {
	rr.metrics.AddFilesCopied(1)
	rr.metrics.AddBytesCopied(size)
	rr.log.Infof("Copied: %s", relPathKey)
	rr.run.emitType(event.FileCopied, event.StageCopying, relPathKey, rr.metrics, nil)
}

func (rr *runReporter) FileSkipped(relPathKey string) {
	rr.metrics.AddFilesSkipped(1)
	rr.run.emitType(event.FileSkipped, event.StageCopying, relPathKey, rr.metrics, nil)
}

func (rr *runReporter) FileFailed(relPathKey string, err error) {
	rr.metrics.AddFilesFailed(1)
	rr.log.Warnf("Failed: %s: %v", relPathKey, err)
	rr.run.emitType(event.FileFailed, event.StageCopying, relPathKey, rr.metrics, err)
}

func (rr *runReporter) DirCreated(absPath string) {
	rr.metrics.AddDirsCreated(1)
}
