// crate resolves metadata for audio files and renames them to a template, in batches
// which can be previewed, cancelled, and undone.
package crate

import (
	"time"

	"github.com/zenone/crate-sub001/metadata"
	"github.com/zenone/crate-sub001/notifications"
	"github.com/zenone/crate-sub001/operation"
	"github.com/zenone/crate-sub001/pathformat"
	"github.com/zenone/crate-sub001/rename"
	"github.com/zenone/crate-sub001/tags"
)

const DefaultTemplate = "{artist} - {title} {mix_paren} [{key_bpm}]"

type Config struct {
	Template string

	Workers         int
	AnalysisWorkers int
	AnalysisTimeout time.Duration

	// Threshold is the minimum fingerprint confidence to accept its values.
	Threshold float64
	// FillText lets a confident fingerprint fill a missing artist or title.
	FillText bool

	UndoWindow time.Duration

	ASCII     bool
	FoldCase  bool
	WriteTags bool
}

func DefaultConfig() Config {
	workers := rename.DefaultWorkers()
	return Config{
		Template:        DefaultTemplate,
		Workers:         workers,
		AnalysisWorkers: max(1, workers/4),
		AnalysisTimeout: rename.DefaultAnalysisTimeout,
		Threshold:       0.8,
		UndoWindow:      time.Hour,
	}
}

// Deps are the collaborators of an orchestrator. Only Tags is required.
type Deps struct {
	Tags        tags.Reader
	TagWriter   tags.Writer
	Fingerprint metadata.Fingerprinter
	Extractor   metadata.Extractor
}

func NewOrchestrator(cfg Config, deps Deps) *rename.Orchestrator {
	policy := metadata.DefaultPolicy()
	if cfg.Threshold > 0 {
		policy.Threshold = cfg.Threshold
	}
	policy.FillText = cfg.FillText

	return &rename.Orchestrator{
		Tags:            deps.Tags,
		TagWriter:       deps.TagWriter,
		Fingerprint:     deps.Fingerprint,
		Extractor:       deps.Extractor,
		Policy:          policy,
		Format:          pathformat.Config{ASCII: cfg.ASCII},
		Workers:         cfg.Workers,
		AnalysisWorkers: cfg.AnalysisWorkers,
		AnalysisTimeout: cfg.AnalysisTimeout,
		FoldCase:        cfg.FoldCase,
		WriteTags:       cfg.WriteTags,
	}
}

func NewManager(cfg Config, deps Deps, notifs *notifications.Notifications, onUpdate func(id string)) *operation.Manager {
	return operation.New(NewOrchestrator(cfg, deps), operation.Options{
		UndoWindow:    cfg.UndoWindow,
		Notifications: notifs,
		OnUpdate:      onUpdate,
	})
}
