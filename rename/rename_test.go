package rename_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenone/crate-sub001/metadata"
	"github.com/zenone/crate-sub001/rename"
	"github.com/zenone/crate-sub001/tags"
)

// fakeTags serves tags by file base name, falling back to def
type fakeTags struct {
	mu    sync.Mutex
	files map[string]map[string]string
	def   map[string]string
	reads atomic.Int32
}

func (f *fakeTags) Read(path string) (map[string]string, error) {
	f.reads.Add(1)
	f.mu.Lock()
	defer f.mu.Unlock()
	if t, ok := f.files[filepath.Base(path)]; ok {
		if t == nil {
			return nil, errors.New("corrupt file")
		}
		return t, nil
	}
	return f.def, nil
}

type fakeWriter struct {
	mu     sync.Mutex
	writes map[string]map[string]string
}

func (w *fakeWriter) Write(path string, fields map[string]string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.writes == nil {
		w.writes = map[string]map[string]string{}
	}
	w.writes[path] = fields
	return nil
}

func artistTrack() map[string]string {
	return map[string]string{tags.Artist: "Artist", tags.Title: "Track"}
}

func makeFiles(t *testing.T, dir string, names ...string) []string {
	t.Helper()
	var paths []string
	for _, n := range names {
		p := filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(p, []byte(n), 0o644))
		paths = append(paths, p)
	}
	return paths
}

func listDir(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names
}

func newOrchestrator(tr tags.Reader) *rename.Orchestrator {
	return &rename.Orchestrator{
		Tags:    tr,
		Policy:  metadata.DefaultPolicy(),
		Workers: 4,
	}
}

func TestScenario(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "a.mp3", "b.mp3", "c.mp3")

	o := newOrchestrator(&fakeTags{def: artistTrack()})
	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 3, summary.Renamed)
	assert.Equal(t, 0, summary.Errors)
	assert.False(t, summary.Cancelled)
	assert.Equal(t, []string{"Artist - Track (1).mp3", "Artist - Track (2).mp3", "Artist - Track.mp3"}, listDir(t, dir))
}

func TestUniqueness(t *testing.T) {
	t.Parallel()

	const n = 40

	dir := t.TempDir()
	var names []string
	for i := range n {
		names = append(names, fmt.Sprintf("%02d.flac", i))
	}
	files := makeFiles(t, dir, names...)

	o := newOrchestrator(&fakeTags{def: artistTrack()})
	o.Workers = 8

	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)
	require.Equal(t, n, summary.Renamed)

	seen := map[string]struct{}{}
	for _, r := range summary.Results {
		require.Equal(t, rename.StatusRenamed, r.Status)
		_, dup := seen[r.TargetPath]
		require.False(t, dup, "duplicate target %q", r.TargetPath)
		seen[r.TargetPath] = struct{}{}
		assert.FileExists(t, r.TargetPath)
		assert.NoFileExists(t, r.SourcePath)
	}
	assert.Len(t, listDir(t, dir), n)
}

func TestPreviewPurity(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "a.mp3", "b.mp3", "c.mp3", "d.mp3", "e.mp3", "f.mp3")
	before := listDir(t, dir)

	stat := func() []time.Time {
		var mtimes []time.Time
		for _, f := range files {
			info, err := os.Stat(f)
			require.NoError(t, err)
			mtimes = append(mtimes, info.ModTime())
		}
		return mtimes
	}
	mtimes := stat()

	w := &fakeWriter{}
	o := newOrchestrator(&fakeTags{def: artistTrack()})
	o.TagWriter = w
	o.WriteTags = true

	batch := rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModePreview}
	first, err := o.Run(context.Background(), batch)
	require.NoError(t, err)
	second, err := o.Run(context.Background(), batch)
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, filepath.Join(dir, "Artist - Track.mp3"), first.Results[0].TargetPath)
	assert.Equal(t, filepath.Join(dir, "Artist - Track (5).mp3"), first.Results[5].TargetPath)
	assert.Equal(t, 6, first.Renamed)

	assert.Equal(t, before, listDir(t, dir))
	assert.Equal(t, mtimes, stat())
	assert.Empty(t, w.writes)
}

func TestIdempotence(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "Artist - Track.mp3", "x.mp3", "y.mp3")

	ft := &fakeTags{def: artistTrack()}
	o := newOrchestrator(ft)

	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Skipped)
	assert.Equal(t, 2, summary.Renamed)
	assert.Equal(t, rename.StatusSkipped, summary.Results[0].Status)
	assert.Empty(t, summary.Results[0].TargetPath)

	// a second run over the new names changes nothing
	var renamed []string
	for _, name := range listDir(t, dir) {
		renamed = append(renamed, filepath.Join(dir, name))
	}
	summary, err = o.Run(context.Background(), rename.Batch{Files: renamed, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)
	assert.Equal(t, 3, summary.Skipped)
	assert.Equal(t, 0, summary.Renamed)
}

func TestExistingFileNotOverwritten(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	makeFiles(t, dir, "Artist - Track.mp3") // not part of the batch
	files := makeFiles(t, dir, "x.mp3")

	o := newOrchestrator(&fakeTags{def: artistTrack()})
	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "Artist - Track (1).mp3"), summary.Results[0].TargetPath)

	b, err := os.ReadFile(filepath.Join(dir, "Artist - Track.mp3"))
	require.NoError(t, err)
	assert.Equal(t, "Artist - Track.mp3", string(b))
}

func TestPerFileErrors(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "bad.mp3", "empty.mp3", "good.mp3")

	ft := &fakeTags{
		files: map[string]map[string]string{
			"bad.mp3":   nil,
			"empty.mp3": {},
		},
		def: artistTrack(),
	}
	o := newOrchestrator(ft)
	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{title}", Mode: rename.ModeExecute})
	require.NoError(t, err)

	assert.Equal(t, 3, summary.Total)
	assert.Equal(t, 2, summary.Errors)
	assert.Equal(t, 1, summary.Renamed)

	bad := summary.Results[0]
	assert.Equal(t, rename.StatusError, bad.Status)
	assert.Contains(t, bad.Message, "corrupt file")
	assert.Nil(t, bad.Metadata)
	assert.Empty(t, bad.TargetPath)

	empty := summary.Results[1]
	assert.Equal(t, rename.StatusError, empty.Status)
	assert.Contains(t, empty.Message, "empty name")

	assert.Equal(t, rename.StatusRenamed, summary.Results[2].Status)
	assert.FileExists(t, filepath.Join(dir, "Track.mp3"))
}

func TestRenameFailure(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "gone.mp3", "ok.mp3")

	var once sync.Once
	ft := &fakeTags{
		files: map[string]map[string]string{
			"gone.mp3": {tags.Artist: "A", tags.Title: "Gone"},
			"ok.mp3":   {tags.Artist: "A", tags.Title: "Ok"},
		},
	}
	o := newOrchestrator(ft)
	o.Workers = 1

	summary, err := o.Run(context.Background(), rename.Batch{
		Files:    files,
		Template: "{artist} - {title}",
		Mode:     rename.ModeExecute,
		OnFile: func(path string) {
			// the file vanishes between validation and rename
			once.Do(func() { assert.NoError(t, os.Remove(files[0])) })
		},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, summary.Renamed)
	assert.Equal(t, rename.StatusError, summary.Results[0].Status)
	assert.Contains(t, summary.Results[0].Message, "rename")
	assert.FileExists(t, filepath.Join(dir, "A - Ok.mp3"))
}

func TestCancel(t *testing.T) {
	t.Parallel()

	const workers, n = 2, 30

	dir := t.TempDir()
	var names []string
	for i := range n {
		names = append(names, fmt.Sprintf("%02d.mp3", i))
	}
	files := makeFiles(t, dir, names...)

	o := newOrchestrator(&fakeTags{def: artistTrack()})
	o.Workers = workers

	var cancel rename.CancelToken
	var started, results atomic.Int32
	summary, err := o.Run(context.Background(), rename.Batch{
		Files:    files,
		Template: "{artist} - {title}",
		Mode:     rename.ModePreview,
		Cancel:   &cancel,
		OnFile: func(string) {
			started.Add(1)
			cancel.Cancel()
		},
		OnResult: func(rename.Result) { results.Add(1) },
	})
	require.NoError(t, err)

	assert.True(t, summary.Cancelled)
	assert.Equal(t, n, summary.Total)
	assert.LessOrEqual(t, summary.Processed(), workers)
	assert.Positive(t, summary.Processed())
	assert.Equal(t, int32(summary.Processed()), started.Load())
	assert.Len(t, summary.Results, summary.Processed())
	assert.Equal(t, int32(summary.Processed()), results.Load())
}

// blockingTags holds reads of one file until released
type blockingTags struct {
	*fakeTags
	block   string
	release chan struct{}
}

func (b blockingTags) Read(path string) (map[string]string, error) {
	if filepath.Base(path) == b.block {
		<-b.release
	}
	return b.fakeTags.Read(path)
}

func TestSlowFileDoesNotStallPool(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "0.mp3", "1.mp3", "2.mp3", "3.mp3", "4.mp3", "5.mp3")

	release := make(chan struct{})
	o := newOrchestrator(blockingTags{fakeTags: &fakeTags{def: artistTrack()}, block: "0.mp3", release: release})
	o.Workers = 4

	lastStarted := make(chan struct{})
	done := make(chan rename.Summary)
	go func() {
		summary, err := o.Run(context.Background(), rename.Batch{
			Files:    files,
			Template: "{artist} - {title}",
			Mode:     rename.ModeExecute,
			OnFile: func(path string) {
				if filepath.Base(path) == "5.mp3" {
					close(lastStarted)
				}
			},
		})
		assert.NoError(t, err)
		done <- summary
	}()

	select {
	case <-lastStarted:
	case <-time.After(5 * time.Second):
		t.Fatal("later files waited on the first")
	}
	// nothing is renamed out of turn
	assert.Equal(t, []string{"0.mp3", "1.mp3", "2.mp3", "3.mp3", "4.mp3", "5.mp3"}, listDir(t, dir))
	close(release)

	summary := <-done
	require.Equal(t, 6, summary.Renamed)
	for i, res := range summary.Results {
		exp := "Artist - Track.mp3"
		if i > 0 {
			exp = fmt.Sprintf("Artist - Track (%d).mp3", i)
		}
		assert.Equal(t, filepath.Join(dir, exp), res.TargetPath)
	}
}

func TestOnRenameOrder(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	var names []string
	for i := range 20 {
		names = append(names, fmt.Sprintf("%02d.mp3", i))
	}
	files := makeFiles(t, dir, names...)

	o := newOrchestrator(&fakeTags{def: artistTrack()})
	o.Workers = 8

	var renames []string
	summary, err := o.Run(context.Background(), rename.Batch{
		Files:    files,
		Template: "{artist} - {title}",
		Mode:     rename.ModeExecute,
		OnRename: func(oldPath, newPath string) {
			assert.NoFileExists(t, oldPath)
			assert.FileExists(t, newPath)
			renames = append(renames, oldPath)
		},
	})
	require.NoError(t, err)
	require.Equal(t, 20, summary.Renamed)
	assert.Equal(t, files, renames)
}

func TestPreviewMatchesExecuteChain(t *testing.T) {
	t.Parallel()

	// y becomes z, then x takes y's old name
	ft := &fakeTags{files: map[string]map[string]string{
		"y.mp3": {tags.Title: "z"},
		"x.mp3": {tags.Title: "y"},
	}}

	dir := t.TempDir()
	files := makeFiles(t, dir, "y.mp3", "x.mp3")
	o := newOrchestrator(ft)

	preview, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{title}", Mode: rename.ModePreview})
	require.NoError(t, err)
	execute, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{title}", Mode: rename.ModeExecute})
	require.NoError(t, err)

	for _, s := range []rename.Summary{preview, execute} {
		require.Len(t, s.Results, 2)
		assert.Equal(t, filepath.Join(dir, "z.mp3"), s.Results[0].TargetPath)
		assert.Equal(t, filepath.Join(dir, "y.mp3"), s.Results[1].TargetPath)
	}
	assert.Equal(t, []string{"y.mp3", "z.mp3"}, listDir(t, dir))
}

// stuckExtractor never finishes on its own
type stuckExtractor struct{ calls atomic.Int32 }

func (s *stuckExtractor) Analyze(ctx context.Context, _ string) (metadata.Features, error) {
	s.calls.Add(1)
	<-ctx.Done()
	return metadata.Features{}, ctx.Err()
}

func TestAnalysisTimeout(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "a.mp3")

	stuck := &stuckExtractor{}
	o := newOrchestrator(&fakeTags{def: artistTrack()})
	o.Extractor = stuck
	o.AnalysisTimeout = 50 * time.Millisecond

	start := time.Now()
	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)
	assert.Less(t, time.Since(start), 5*time.Second)
	assert.Equal(t, int32(1), stuck.calls.Load())

	require.Equal(t, 1, summary.Renamed)
	res := summary.Results[0]
	assert.Equal(t, filepath.Join(dir, "Artist - Track.mp3"), res.TargetPath)
	assert.Empty(t, res.Metadata.BPM)
	assert.Empty(t, res.Metadata.Key)
	assert.NotContains(t, res.Metadata.Sources, metadata.FieldBPM)

	// analysis settings are read on every run
	o.Extractor = extractorFunc(func() (metadata.Features, error) {
		return metadata.Features{BPM: "128"}, nil
	})
	summary, err = o.Run(context.Background(), rename.Batch{Files: []string{res.TargetPath}, Template: "{artist} - {title}", Mode: rename.ModePreview})
	require.NoError(t, err)
	require.Len(t, summary.Results, 1)
	assert.Equal(t, rename.StatusSkipped, summary.Results[0].Status)
	assert.Equal(t, "128", summary.Results[0].Metadata.BPM)
	assert.Equal(t, int32(1), stuck.calls.Load())
}

func TestCancelledBeforeStart(t *testing.T) {
	t.Parallel()

	files := makeFiles(t, t.TempDir(), "a.mp3")
	ft := &fakeTags{def: artistTrack()}
	o := newOrchestrator(ft)

	var cancel rename.CancelToken
	cancel.Cancel()
	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{title}", Mode: rename.ModeExecute, Cancel: &cancel})
	require.NoError(t, err)
	assert.True(t, summary.Cancelled)
	assert.Equal(t, 0, summary.Processed())
	assert.Equal(t, int32(0), ft.reads.Load())
	assert.FileExists(t, files[0])
}

func TestValidation(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "a.mp3")
	o := newOrchestrator(&fakeTags{def: artistTrack()})

	for name, batch := range map[string]rename.Batch{
		"no files":      {Template: "{title}", Mode: rename.ModePreview},
		"bad template":  {Files: files, Template: "{title", Mode: rename.ModePreview},
		"ambiguous":     {Files: files, Template: "same", Mode: rename.ModePreview},
		"relative path": {Files: []string{"a.mp3"}, Template: "{title}", Mode: rename.ModePreview},
		"missing file":  {Files: []string{filepath.Join(dir, "nope.mp3")}, Template: "{title}", Mode: rename.ModePreview},
		"directory":     {Files: []string{dir}, Template: "{title}", Mode: rename.ModePreview},
		"bad mode":      {Files: files, Template: "{title}", Mode: "yolo"},
	} {
		_, err := o.Run(context.Background(), batch)
		assert.ErrorIs(t, err, rename.ErrValidation, name)
	}
}

func TestDuplicateInputs(t *testing.T) {
	t.Parallel()

	files := makeFiles(t, t.TempDir(), "a.mp3")
	o := newOrchestrator(&fakeTags{def: artistTrack()})

	summary, err := o.Run(context.Background(), rename.Batch{Files: []string{files[0], files[0]}, Template: "{title}", Mode: rename.ModePreview})
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Total)
	assert.Len(t, summary.Results, 1)
}

func TestWriteTags(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	files := makeFiles(t, dir, "a.mp3", "Artist - Track.mp3")

	w := &fakeWriter{}
	o := newOrchestrator(&fakeTags{
		files: map[string]map[string]string{
			"a.mp3": {tags.Artist: "Other", tags.Title: "Song", tags.BPM: "120"},
		},
		def: artistTrack(),
	})
	o.Extractor = extractorFunc(func() (metadata.Features, error) {
		return metadata.Features{BPM: "128", Key: "8A"}, nil
	})
	o.TagWriter = w
	o.WriteTags = true

	summary, err := o.Run(context.Background(), rename.Batch{Files: files, Template: "{artist} - {title}", Mode: rename.ModeExecute})
	require.NoError(t, err)
	require.Equal(t, 1, summary.Renamed)
	require.Equal(t, 1, summary.Skipped)

	// only enriched fields are written, to wherever the file ended up
	assert.Equal(t, map[string]map[string]string{
		filepath.Join(dir, "Other - Song.mp3"):   {tags.Key: "A min"},
		filepath.Join(dir, "Artist - Track.mp3"): {tags.BPM: "128", tags.Key: "A min"},
	}, w.writes)
}

type extractorFunc func() (metadata.Features, error)

func (f extractorFunc) Analyze(context.Context, string) (metadata.Features, error) { return f() }

func TestSummarySort(t *testing.T) {
	t.Parallel()

	s := rename.Summary{Results: []rename.Result{
		{SourcePath: "/m/track 10.mp3"},
		{SourcePath: "/m/track 2.mp3"},
		{SourcePath: "/m/track 1.mp3"},
	}}
	s.Sort()

	var got []string
	for _, r := range s.Results {
		got = append(got, r.SourcePath)
	}
	assert.Equal(t, []string{"/m/track 1.mp3", "/m/track 2.mp3", "/m/track 10.mp3"}, got)
}
