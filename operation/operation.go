// operation runs rename batches as addressable background jobs which can be polled,
// cancelled, and undone for a while after they finish.
package operation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"runtime/debug"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zenone/crate-sub001/notifications"
	"github.com/zenone/crate-sub001/pathformat"
	"github.com/zenone/crate-sub001/rename"
)

var (
	ErrNotFound = errors.New("operation not found")
	ErrExpired  = errors.New("operation expired")
	ErrRunning  = errors.New("operation still running")
	ErrClosed   = errors.New("manager closed")
)

type Status string

const (
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

func (s Status) Terminal() bool {
	return s != StatusRunning
}

// LedgerEntry records one rename so that it can be reverted. Size and ModTime are
// of the renamed file, so that undo can tell if it was changed since.
type LedgerEntry struct {
	OldPath string    `json:"old_path"`
	NewPath string    `json:"new_path"`
	Size    int64     `json:"size"`
	ModTime time.Time `json:"mod_time"`
}

// Operation is a point in time snapshot of a job.
type Operation struct {
	ID          string      `json:"id"`
	Status      Status      `json:"status"`
	Mode        rename.Mode `json:"mode"`
	Template    string      `json:"template"`
	Total       int         `json:"total"`
	Processed   int         `json:"processed"`
	CurrentFile string      `json:"current_file,omitempty"`
	Renamed     int         `json:"renamed"`
	Skipped     int         `json:"skipped"`
	Errors      int         `json:"errors"`
	Error       string      `json:"error,omitempty"`

	Results         []rename.Result `json:"results"`
	CancelRequested bool            `json:"cancel_requested"`
	UndoLedger      []LedgerEntry   `json:"undo_ledger"`

	CreatedAt     time.Time `json:"created_at"`
	FinishedAt    time.Time `json:"finished_at"`
	UndoExpiresAt time.Time `json:"undo_expires_at"`
	UndoneAt      time.Time `json:"undone_at"`
}

// UndoResult counts what an undo managed to revert.
type UndoResult struct {
	Reverted int      `json:"reverted"`
	Errors   int      `json:"errors"`
	Messages []string `json:"messages,omitempty"`
}

// Runner runs a batch. [*rename.Orchestrator] is the usual implementation.
type Runner interface {
	Validate(files []string, template string, mode rename.Mode) ([]string, *pathformat.Format, error)
	Run(ctx context.Context, b rename.Batch) (rename.Summary, error)
}

var _ Runner = (*rename.Orchestrator)(nil)

type Options struct {
	// UndoWindow is how long after finishing an operation can be undone. It is
	// pruned afterwards. Zero means one hour.
	UndoWindow time.Duration
	// TombstoneTTL is how long a pruned id is still reported as expired rather than
	// not found. Zero means one day.
	TombstoneTTL time.Duration

	Notifications *notifications.Notifications
	// OnUpdate is called after any change to an operation. It must not block.
	OnUpdate func(id string)

	Now func() time.Time
}

type Manager struct {
	runner Runner
	opts   Options

	mu         sync.Mutex
	ops        map[string]*op
	tombstones map[string]time.Time
	closed     bool
	wg         sync.WaitGroup
}

func New(runner Runner, opts Options) *Manager {
	if opts.UndoWindow <= 0 {
		opts.UndoWindow = time.Hour
	}
	if opts.TombstoneTTL <= 0 {
		opts.TombstoneTTL = 24 * time.Hour
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		runner:     runner,
		opts:       opts,
		ops:        map[string]*op{},
		tombstones: map[string]time.Time{},
	}
}

type op struct {
	id       string
	mode     rename.Mode
	template string
	cancel   rename.CancelToken
	done     chan struct{}

	mu          sync.Mutex
	status      Status
	total       int
	currentFile string
	summary     rename.Summary
	err         string
	cancelReq   bool
	ledger      []LedgerEntry
	createdAt   time.Time
	finishedAt  time.Time
	expiresAt   time.Time
	undoneAt    time.Time
}

func (o *op) snapshot() Operation {
	o.mu.Lock()
	defer o.mu.Unlock()
	return Operation{
		ID:              o.id,
		Status:          o.status,
		Mode:            o.mode,
		Template:        o.template,
		Total:           o.total,
		Processed:       o.summary.Processed(),
		CurrentFile:     o.currentFile,
		Renamed:         o.summary.Renamed,
		Skipped:         o.summary.Skipped,
		Errors:          o.summary.Errors,
		Error:           o.err,
		Results:         slices.Clone(o.summary.Results),
		CancelRequested: o.cancelReq,
		UndoLedger:      slices.Clone(o.ledger),
		CreatedAt:       o.createdAt,
		FinishedAt:      o.finishedAt,
		UndoExpiresAt:   o.expiresAt,
		UndoneAt:        o.undoneAt,
	}
}

// Preview runs a batch in preview mode and waits for it. Nothing is registered.
func (m *Manager) Preview(ctx context.Context, files []string, template string) (rename.Summary, error) {
	return m.runner.Run(ctx, rename.Batch{Files: files, Template: template, Mode: rename.ModePreview})
}

// Start validates the batch and runs it in the background, returning its id. A batch
// which fails validation is never registered.
func (m *Manager) Start(files []string, template string, mode rename.Mode) (string, error) {
	files, _, err := m.runner.Validate(files, template, mode)
	if err != nil {
		return "", err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return "", ErrClosed
	}
	m.prune()

	o := &op{
		id:        uuid.NewString(),
		mode:      mode,
		template:  template,
		done:      make(chan struct{}),
		status:    StatusRunning,
		total:     len(files),
		createdAt: m.opts.Now(),
	}
	m.ops[o.id] = o

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.run(o, files)
	}()

	slog.Info("started operation", "op", o.id, "mode", mode, "files", len(files))
	return o.id, nil
}

func (m *Manager) run(o *op, files []string) {
	ctx := context.Background()
	start := time.Now()

	summary, err := func() (summary rename.Summary, err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic: %v\n%s", r, debug.Stack())
			}
		}()
		return m.runner.Run(ctx, rename.Batch{
			Files:    files,
			Template: o.template,
			Mode:     o.mode,
			Cancel:   &o.cancel,
			OnFile: func(path string) {
				o.mu.Lock()
				o.currentFile = path
				o.mu.Unlock()
				m.updated(o.id)
			},
			OnRename: func(oldPath, newPath string) {
				o.mu.Lock()
				o.ledger = append(o.ledger, LedgerEntry{OldPath: oldPath, NewPath: newPath})
				o.mu.Unlock()
			},
			OnResult: func(res rename.Result) {
				// tags may have been written since the rename, so take the file's state now
				var info os.FileInfo
				if o.mode == rename.ModeExecute && res.Status == rename.StatusRenamed {
					info, _ = os.Stat(res.TargetPath)
				}

				o.mu.Lock()
				o.summary.Results = append(o.summary.Results, res)
				switch res.Status {
				case rename.StatusRenamed:
					o.summary.Renamed++
				case rename.StatusSkipped:
					o.summary.Skipped++
				case rename.StatusError:
					o.summary.Errors++
				}
				if info != nil {
					o.stamp(res.TargetPath, info)
				}
				o.mu.Unlock()
				m.updated(o.id)
			},
		})
	}()

	now := m.opts.Now()

	o.mu.Lock()
	switch {
	case err != nil:
		o.status = StatusFailed
		o.err = err.Error()
	case o.cancelReq || summary.Cancelled:
		o.status = StatusCancelled
	default:
		o.status = StatusCompleted
	}
	if err == nil {
		// same counts, in input order
		summary.Total = o.total
		o.summary = summary
	}
	o.currentFile = ""
	o.finishedAt = now
	o.expiresAt = now.Add(m.opts.UndoWindow)
	status, snapshot := o.status, o.summary
	o.mu.Unlock()

	close(o.done)
	m.updated(o.id)

	took := time.Since(start).Truncate(time.Millisecond)
	switch status {
	case StatusFailed:
		slog.Warn("operation failed", "op", o.id, "err", err, "took", took)
		m.opts.Notifications.Sendf(ctx, notifications.Error, "operation %s failed: %v", o.id, err)
	case StatusCancelled:
		slog.Info("operation cancelled", "op", o.id, "processed", snapshot.Processed(), "total", o.total, "took", took)
		m.opts.Notifications.Sendf(ctx, notifications.Cancelled, "operation %s cancelled after %d of %d files", o.id, snapshot.Processed(), o.total)
	default:
		slog.Info("operation complete", "op", o.id, "renamed", snapshot.Renamed, "skipped", snapshot.Skipped, "errors", snapshot.Errors, "took", took)
		m.opts.Notifications.Sendf(ctx, notifications.Complete, "operation %s complete: %d renamed, %d skipped, %d errors", o.id, snapshot.Renamed, snapshot.Skipped, snapshot.Errors)
	}
}

// stamp records the size and mod time of a renamed file in its ledger entry. o.mu
// must be held.
func (o *op) stamp(newPath string, info os.FileInfo) {
	for i := len(o.ledger) - 1; i >= 0; i-- {
		if o.ledger[i].NewPath == newPath {
			o.ledger[i].Size, o.ledger[i].ModTime = info.Size(), info.ModTime()
			return
		}
	}
}

func (m *Manager) updated(id string) {
	if m.opts.OnUpdate != nil {
		m.opts.OnUpdate(id)
	}
}

// Status returns a snapshot of the operation.
func (m *Manager) Status(id string) (Operation, error) {
	m.mu.Lock()
	m.prune()
	o, err := m.get(id)
	m.mu.Unlock()
	if err != nil {
		return Operation{}, err
	}
	return o.snapshot(), nil
}

// List returns a snapshot of every known operation, oldest first.
func (m *Manager) List() []Operation {
	m.mu.Lock()
	m.prune()
	ops := make([]*op, 0, len(m.ops))
	for _, o := range m.ops {
		ops = append(ops, o)
	}
	m.mu.Unlock()

	snapshots := make([]Operation, 0, len(ops))
	for _, o := range ops {
		snapshots = append(snapshots, o.snapshot())
	}
	slices.SortFunc(snapshots, func(a, b Operation) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return snapshots
}

// Cancel asks a running operation to stop starting new files. It reports false with
// no error if the operation already finished.
func (m *Manager) Cancel(id string) (bool, error) {
	m.mu.Lock()
	o, err := m.get(id)
	m.mu.Unlock()
	if err != nil {
		return false, err
	}

	o.mu.Lock()
	if o.status.Terminal() {
		expired := !m.opts.Now().Before(o.expiresAt)
		o.mu.Unlock()
		if expired {
			return false, fmt.Errorf("%w: %s", ErrExpired, id)
		}
		return false, nil
	}
	o.cancelReq = true
	o.cancel.Cancel()
	o.mu.Unlock()

	slog.Info("cancel requested", "op", id)
	m.updated(id)
	return true, nil
}

// Undo reverts the operation's renames, newest first. Files which were changed or
// moved since, or whose original path is now taken, are left alone and counted as
// errors. The ledger is cleared afterwards so undo can only happen once.
func (m *Manager) Undo(id string) (UndoResult, error) {
	m.mu.Lock()
	o, err := m.get(id)
	m.mu.Unlock()
	if err != nil {
		return UndoResult{}, err
	}

	res, err := m.undo(o)
	if err != nil {
		return UndoResult{}, err
	}
	slog.Info("undid operation", "op", id, "reverted", res.Reverted, "errors", res.Errors)
	m.updated(id)
	return res, nil
}

func (m *Manager) undo(o *op) (UndoResult, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.status.Terminal() {
		return UndoResult{}, fmt.Errorf("%w: %s", ErrRunning, o.id)
	}
	if !m.opts.Now().Before(o.expiresAt) {
		return UndoResult{}, fmt.Errorf("%w: %s", ErrExpired, o.id)
	}

	var res UndoResult
	for i := len(o.ledger) - 1; i >= 0; i-- {
		entry := o.ledger[i]
		if err := revert(entry); err != nil {
			res.Errors++
			res.Messages = append(res.Messages, fmt.Sprintf("%s: %v", entry.NewPath, err))
			slog.Warn("undo rename", "op", o.id, "path", entry.NewPath, "err", err)
			continue
		}
		res.Reverted++
	}
	o.ledger = nil
	o.undoneAt = m.opts.Now()
	return res, nil
}

var (
	errChanged  = errors.New("file changed since rename")
	errOccupied = errors.New("original path is taken")
)

func revert(entry LedgerEntry) error {
	info, err := os.Stat(entry.NewPath)
	if err != nil {
		return fmt.Errorf("stat renamed file: %w", err)
	}
	if !entry.ModTime.IsZero() && (info.Size() != entry.Size || !info.ModTime().Equal(entry.ModTime)) {
		return errChanged
	}
	if _, err := os.Lstat(entry.OldPath); err == nil {
		return errOccupied
	}
	if err := os.Rename(entry.NewPath, entry.OldPath); err != nil {
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}

// Wait blocks until the operation finishes or ctx is done.
func (m *Manager) Wait(ctx context.Context, id string) (Operation, error) {
	m.mu.Lock()
	o, err := m.get(id)
	m.mu.Unlock()
	if err != nil {
		return Operation{}, err
	}
	select {
	case <-o.done:
		return o.snapshot(), nil
	case <-ctx.Done():
		return Operation{}, ctx.Err()
	}
}

// Close cancels running operations, waits for them, and rejects new ones.
func (m *Manager) Close() {
	m.mu.Lock()
	m.closed = true
	for _, o := range m.ops {
		o.cancel.Cancel()
	}
	m.mu.Unlock()
	m.wg.Wait()
}

func (m *Manager) get(id string) (*op, error) {
	if o, ok := m.ops[id]; ok {
		return o, nil
	}
	if _, ok := m.tombstones[id]; ok {
		return nil, fmt.Errorf("%w: %s", ErrExpired, id)
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// prune drops finished operations past their undo window. Their ids are remembered
// for a while so they can be reported as expired. Must hold m.mu.
func (m *Manager) prune() {
	now := m.opts.Now()
	for id, o := range m.ops {
		o.mu.Lock()
		expired := o.status.Terminal() && !now.Before(o.expiresAt)
		o.mu.Unlock()
		if !expired {
			continue
		}
		delete(m.ops, id)
		m.tombstones[id] = now.Add(m.opts.TombstoneTTL)
		slog.Debug("pruned operation", "op", id)
	}
	for id, until := range m.tombstones {
		if !now.Before(until) {
			delete(m.tombstones, id)
		}
	}
}
