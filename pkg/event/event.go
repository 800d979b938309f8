// Package event defines the progress events streamed from the backup worker
// to the caller. Events are one-way: the caller observes, it never mutates
// run state through them.
package event

import (
	"time"

	"gamevaultlabs.io/gv-backup/pkg/metrics"
)

// Stage tags the phase of the run an event belongs to.
type Stage string

const (
	StageResolving  Stage = "resolving"
	StageScanning   Stage = "scanning"
	StageCopying    Stage = "copying"
	StageFinalizing Stage = "finalizing"
)

// Type identifies the kind of event.
type Type int

const (
	RunStarted Type = iota + 1
	SourceResolved
	SourceMissing
	ScanComplete
	FileCopied
	FileSkipped
	FileFailed
	RunCompleted
)

var typeNames = [...]string{
	RunStarted:     "RunStarted",
	SourceResolved: "SourceResolved",
	SourceMissing:  "SourceMissing",
	ScanComplete:   "ScanComplete",
	FileCopied:     "FileCopied",
	FileSkipped:    "FileSkipped",
	FileFailed:     "FileFailed",
	RunCompleted:   "RunCompleted",
}

func (t Type) String() string {
	if t > 0 && int(t) < len(typeNames) {
		return typeNames[t]
	}
	return "Unknown"
}

// Event represents a single progress event from the engine.
type Event struct {
	Type      Type
	Stage     Stage
	Timestamp time.Time
	Path      string // normalized relative path of the current file, if any
	Counts    metrics.Snapshot
	Err       error
}
