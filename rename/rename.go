// rename drives the resolve, template, reserve, and act pipeline for a batch of files
// across a bounded worker pool.
package rename

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"
	"slices"
	"strings"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"go.senan.xyz/natcmp"
	"golang.org/x/sync/errgroup"

	"github.com/zenone/crate-sub001/analysis"
	"github.com/zenone/crate-sub001/arbiter"
	"github.com/zenone/crate-sub001/metadata"
	"github.com/zenone/crate-sub001/pathformat"
	"github.com/zenone/crate-sub001/tags"
)

var ErrValidation = errors.New("validation")

type Mode string

const (
	ModePreview Mode = "preview"
	ModeExecute Mode = "execute"
)

func (m Mode) IsValid() bool {
	return m == ModePreview || m == ModeExecute
}

type Status string

const (
	StatusRenamed Status = "renamed"
	StatusSkipped Status = "skipped"
	StatusError   Status = "error"
)

// Result is the outcome for one file. An empty TargetPath means no change.
type Result struct {
	SourcePath string           `json:"source_path"`
	TargetPath string           `json:"target_path,omitempty"`
	Status     Status           `json:"status"`
	Message    string           `json:"message,omitempty"`
	Metadata   *metadata.Record `json:"metadata,omitempty"`
}

type Summary struct {
	Total   int `json:"total"`
	Renamed int `json:"renamed"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
	// Cancelled is set when some files were never started.
	Cancelled bool     `json:"cancelled"`
	Results   []Result `json:"results"`
}

func (s *Summary) Processed() int {
	return s.Renamed + s.Skipped + s.Errors
}

// Sort orders results naturally by source path.
func (s *Summary) Sort() {
	slices.SortStableFunc(s.Results, func(a, b Result) int {
		return natcmp.Compare(a.SourcePath, b.SourcePath)
	})
}

func (s *Summary) add(r Result) {
	switch r.Status {
	case StatusRenamed:
		s.Renamed++
	case StatusSkipped:
		s.Skipped++
	case StatusError:
		s.Errors++
	}
	s.Results = append(s.Results, r)
}

// CancelToken is a cooperative cancellation flag. It is checked before each file
// starts. Files already in flight finish normally.
type CancelToken struct {
	cancelled atomic.Bool
}

func (c *CancelToken) Cancel() {
	c.cancelled.Store(true)
}

func (c *CancelToken) Cancelled() bool {
	return c != nil && c.cancelled.Load()
}

// step is where in its pipeline a file failed
type step string

const (
	stepResolve  step = "resolving"
	stepTemplate step = "templating"
	stepReserve  step = "reserving"
	stepRename   step = "renaming"
)

// Batch is one run over a set of files.
type Batch struct {
	Files    []string
	Template string
	Mode     Mode
	Cancel   *CancelToken

	// OnFile is called as a worker starts on a file.
	OnFile func(path string)
	// OnRename is called after each successful rename in execute mode, before tags are
	// written. Calls are sequential, in the order the renames happened.
	OnRename func(oldPath, newPath string)
	// OnResult is called once for each file that was started. It may be called from
	// several goroutines at once.
	OnResult func(Result)
}

func DefaultWorkers() int {
	return min(8, runtime.NumCPU())
}

const DefaultAnalysisTimeout = 30 * time.Second

type Orchestrator struct {
	Tags        tags.Reader
	TagWriter   tags.Writer            // optional
	Fingerprint metadata.Fingerprinter // optional
	Extractor   metadata.Extractor     // optional
	Policy      metadata.Policy
	Format      pathformat.Config

	Workers int
	// AnalysisWorkers bounds concurrent audio analyses within one run.
	AnalysisWorkers int
	AnalysisTimeout time.Duration

	// FoldCase treats target paths which differ only by case as colliding.
	FoldCase bool
	// WriteTags writes enriched bpm and key back to files in execute mode.
	WriteTags bool
}

// Validate checks a batch before anything runs. All problems are reported together,
// wrapped in [ErrValidation]. The returned files are deduplicated, in input order.
func (o *Orchestrator) Validate(files []string, template string, mode Mode) ([]string, *pathformat.Format, error) {
	var errs []error
	if !mode.IsValid() {
		errs = append(errs, fmt.Errorf("unknown mode %q", mode))
	}
	if len(files) == 0 {
		errs = append(errs, fmt.Errorf("no files"))
	}

	var pf pathformat.Format
	if err := pf.Parse(template); err != nil {
		errs = append(errs, fmt.Errorf("parse template: %w", err))
	}

	seen := make(map[string]struct{}, len(files))
	uniq := make([]string, 0, len(files))
	for _, path := range files {
		if !filepath.IsAbs(path) {
			errs = append(errs, fmt.Errorf("%q: path not absolute", path))
			continue
		}
		path = filepath.Clean(path)
		info, err := os.Stat(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("stat: %w", err))
			continue
		}
		if !info.Mode().IsRegular() {
			errs = append(errs, fmt.Errorf("%q: not a regular file", path))
			continue
		}
		if _, ok := seen[path]; ok {
			continue
		}
		seen[path] = struct{}{}
		uniq = append(uniq, path)
	}

	if err := errors.Join(errs...); err != nil {
		return nil, nil, fmt.Errorf("%w: %w", ErrValidation, err)
	}
	for _, u := range pf.Unknown() {
		slog.Warn("unknown template token, will be kept as written", "token", u)
	}
	return uniq, &pf, nil
}

// Run processes every file in the batch. The returned error is only non nil when the
// batch could not start, per file problems are reported in the [Summary].
//
// Metadata is resolved by a pool of workers. Reservation and renaming then happen one
// file at a time in input order, so suffixes are the same between preview and execute,
// and a slow file never holds up a worker while it waits its turn.
func (o *Orchestrator) Run(ctx context.Context, b Batch) (Summary, error) {
	files, pf, err := o.Validate(b.Files, b.Template, b.Mode)
	if err != nil {
		return Summary{}, err
	}

	var analyser metadata.Extractor
	if o.Extractor != nil {
		timeout := o.AnalysisTimeout
		if timeout <= 0 {
			timeout = DefaultAnalysisTimeout
		}
		analyser = analysis.NewLimiter(o.Extractor, o.AnalysisWorkers, timeout)
	}

	workers := o.Workers
	if workers <= 0 {
		workers = DefaultWorkers()
	}

	r := &run{
		o:      o,
		b:      b,
		format: pf,
		arb: arbiter.New(arbiter.Options{
			Exists:   arbiter.OnDisk,
			FoldCase: o.FoldCase,
		}),
		resolver: metadata.Resolver{
			Tags:        o.Tags,
			Fingerprint: o.Fingerprint,
			Analysis:    analyser,
			Policy:      o.Policy,
		},
		jobs:    make([]job, len(files)),
		results: make([]*Result, len(files)),
	}
	r.act.SetLimit(workers)

	start := time.Now()
	slog.DebugContext(ctx, "starting batch", "mode", b.Mode, "files", len(files), "workers", workers)

	for i, path := range files {
		r.jobs[i] = job{path: path, ready: make(chan struct{})}
	}

	sequenced := make(chan struct{})
	go func() {
		defer close(sequenced)
		for i := range r.jobs {
			j := &r.jobs[i]
			<-j.ready
			if j.started {
				r.settle(ctx, i, j)
			}
		}
	}()

	var pool errgroup.Group
	pool.SetLimit(workers)
	dispatched := 0
	for i := range r.jobs {
		if r.stopped(ctx) {
			break
		}
		dispatched++
		pool.Go(func() error {
			j := &r.jobs[i]
			defer close(j.ready)
			if r.stopped(ctx) {
				return nil
			}
			j.started = true
			if b.OnFile != nil {
				b.OnFile(j.path)
			}
			r.prepare(ctx, j)
			return nil
		})
	}
	for i := dispatched; i < len(r.jobs); i++ {
		close(r.jobs[i].ready)
	}
	_ = pool.Wait()
	<-sequenced
	_ = r.act.Wait()

	summary := Summary{Total: len(files)}
	for _, res := range r.results {
		if res == nil {
			summary.Cancelled = true
			continue
		}
		summary.add(*res)
	}

	slog.DebugContext(ctx, "finished batch", "mode", b.Mode,
		"renamed", summary.Renamed, "skipped", summary.Skipped, "errors", summary.Errors,
		"claimed", r.arb.Claimed(), "cancelled", summary.Cancelled, "took", time.Since(start).Truncate(time.Millisecond))

	return summary, nil
}

type run struct {
	o        *Orchestrator
	b        Batch
	format   *pathformat.Format
	arb      *arbiter.Arbiter
	resolver metadata.Resolver

	jobs    []job
	results []*Result // by input index, nil if never started
	act     errgroup.Group
}

// job is one file's way through the pipeline. The fields are set by the worker that
// prepares it and read by the sequencer once ready is closed.
type job struct {
	path  string
	ready chan struct{}

	started bool
	rec     *metadata.Record
	desired string
	failed  *Result
}

func (r *run) stopped(ctx context.Context) bool {
	return r.b.Cancel.Cancelled() || ctx.Err() != nil
}

func (r *run) fail(ctx context.Context, j *job, st step, rec *metadata.Record, err error) Result {
	slog.WarnContext(ctx, "processing file", "path", j.path, "step", st, "err", err)
	return Result{SourcePath: j.path, Status: StatusError, Message: err.Error(), Metadata: rec}
}

// prepare resolves metadata and renders the desired target path.
func (r *run) prepare(ctx context.Context, j *job) {
	rec, err := r.resolver.Resolve(ctx, j.path)
	if err != nil {
		res := r.fail(ctx, j, stepResolve, nil, fmt.Errorf("resolve metadata: %w", err))
		j.failed = &res
		return
	}

	name, err := r.format.Execute(pathformat.Tokens(rec, r.o.Format))
	if err == nil && name == "" {
		err = fmt.Errorf("empty name, no metadata for the used tokens")
	}
	if err != nil {
		res := r.fail(ctx, j, stepTemplate, rec, fmt.Errorf("render template: %w", err))
		j.failed = &res
		return
	}

	ext := filepath.Ext(j.path)
	j.rec = rec
	j.desired = filepath.Join(filepath.Dir(j.path), truncateName(name, maxNameBytes-len(ext))+ext)
}

// settle reserves and renames one prepared file. It only runs on the sequencer, tag
// writes are handed to the act pool.
func (r *run) settle(ctx context.Context, i int, j *job) {
	if j.failed != nil {
		r.finish(i, *j.failed)
		return
	}

	target, err := r.arb.Reserve(j.desired, j.path)
	if err != nil {
		r.finish(i, r.fail(ctx, j, stepReserve, j.rec, fmt.Errorf("reserve target: %w", err)))
		return
	}

	if target == j.path {
		res := Result{SourcePath: j.path, Status: StatusSkipped, Message: "already named correctly", Metadata: j.rec}
		if r.b.Mode != ModeExecute {
			r.finish(i, res)
			return
		}
		r.act.Go(func() error {
			res.Message = joinMessage(res.Message, r.writeTags(ctx, j.path, j.rec))
			r.finish(i, res)
			return nil
		})
		return
	}

	if r.b.Mode == ModePreview {
		// later files see the source as free, as they would after a real rename
		r.arb.Vacate(j.path)
		r.finish(i, Result{SourcePath: j.path, TargetPath: target, Status: StatusRenamed, Metadata: j.rec})
		return
	}

	if err := os.Rename(j.path, target); err != nil {
		r.arb.Release(target, j.path)
		r.finish(i, r.fail(ctx, j, stepRename, j.rec, fmt.Errorf("rename: %w", err)))
		return
	}
	slog.DebugContext(ctx, "renamed file", "from", j.path, "to", target)
	if r.b.OnRename != nil {
		r.b.OnRename(j.path, target)
	}

	r.act.Go(func() error {
		r.finish(i, Result{
			SourcePath: j.path,
			TargetPath: target,
			Status:     StatusRenamed,
			Message:    r.writeTags(ctx, target, j.rec),
			Metadata:   j.rec,
		})
		return nil
	})
}

func (r *run) finish(i int, res Result) {
	r.results[i] = &res
	if r.b.OnResult != nil {
		r.b.OnResult(res)
	}
}

// writeTags persists enriched fields. It can't fail the file, a problem is returned
// as a message instead.
func (r *run) writeTags(ctx context.Context, path string, rec *metadata.Record) string {
	if !r.o.WriteTags || r.o.TagWriter == nil {
		return ""
	}
	fields := map[string]string{}
	for _, f := range rec.Enriched() {
		switch f {
		case metadata.FieldBPM:
			fields[tags.BPM] = rec.BPM
		case metadata.FieldKey:
			fields[tags.Key] = rec.Key
		}
	}
	if len(fields) == 0 {
		return ""
	}
	if err := r.o.TagWriter.Write(path, fields); err != nil {
		slog.WarnContext(ctx, "writing enriched tags", "path", path, "err", err)
		return fmt.Sprintf("writing tags: %v", err)
	}
	return ""
}

// most filesystems limit a single name to 255 bytes
const maxNameBytes = 255

func truncateName(name string, limit int) string {
	if len(name) <= limit {
		return name
	}
	for limit > 0 && !utf8.RuneStart(name[limit]) {
		limit--
	}
	return strings.TrimSpace(name[:limit])
}

func joinMessage(a, b string) string {
	switch {
	case a == "":
		return b
	case b == "":
		return a
	}
	return a + ", " + b
}
