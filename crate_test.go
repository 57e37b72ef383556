package crate_test

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenone/crate-sub001"
	"github.com/zenone/crate-sub001/operation"
	"github.com/zenone/crate-sub001/rename"
	"github.com/zenone/crate-sub001/tags"
)

type mapTags map[string]map[string]string

func (m mapTags) Read(path string) (map[string]string, error) {
	return m[filepath.Base(path)], nil
}

func TestDefaultConfig(t *testing.T) {
	t.Parallel()

	cfg := crate.DefaultConfig()
	assert.Equal(t, crate.DefaultTemplate, cfg.Template)
	assert.LessOrEqual(t, cfg.Workers, 8)
	assert.GreaterOrEqual(t, cfg.Workers, 1)
	assert.Equal(t, max(1, cfg.Workers/4), cfg.AnalysisWorkers)
	assert.Equal(t, 30*time.Second, cfg.AnalysisTimeout)
	assert.InDelta(t, 0.8, cfg.Threshold, 0.0001)
	assert.Equal(t, time.Hour, cfg.UndoWindow)
}

func TestNewOrchestrator(t *testing.T) {
	t.Parallel()

	cfg := crate.DefaultConfig()
	cfg.Threshold = 0.65
	cfg.FillText = true
	cfg.ASCII = true
	cfg.FoldCase = true

	o := crate.NewOrchestrator(cfg, crate.Deps{Tags: mapTags{}})
	assert.InDelta(t, 0.65, o.Policy.Threshold, 0.0001)
	assert.True(t, o.Policy.FillText)
	assert.Equal(t, 60, o.Policy.MinBPM)
	assert.Equal(t, 200, o.Policy.MaxBPM)
	assert.True(t, o.Format.ASCII)
	assert.True(t, o.FoldCase)
	assert.Equal(t, cfg.Workers, o.Workers)
}

func TestNewManager(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	src := filepath.Join(dir, "01 unknown.mp3")
	require.NoError(t, os.WriteFile(src, []byte("audio"), 0o644))

	tg := mapTags{
		"01 unknown.mp3": {
			tags.Artist: "Daft Punk",
			tags.Title:  "One More Time (Radio Edit)",
			tags.BPM:    "123",
			tags.Key:    "F# minor",
		},
	}

	var updates atomic.Int32
	m := crate.NewManager(crate.DefaultConfig(), crate.Deps{Tags: tg}, nil, func(string) { updates.Add(1) })
	t.Cleanup(m.Close)

	id, err := m.Start([]string{src}, crate.DefaultTemplate, rename.ModeExecute)
	require.NoError(t, err)

	op, err := m.Wait(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, operation.StatusCompleted, op.Status)
	require.Len(t, op.Results, 1)

	want := filepath.Join(dir, "Daft Punk - One More Time (Radio Edit) [11A 123].mp3")
	assert.Equal(t, want, op.Results[0].TargetPath)
	assert.FileExists(t, want)
	assert.NoFileExists(t, src)
	assert.Positive(t, updates.Load())
}
