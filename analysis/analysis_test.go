package analysis_test

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zenone/crate-sub001/analysis"
	"github.com/zenone/crate-sub001/metadata"
)

func needSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not in PATH")
	}
}

func writeScript(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "extract")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o644))
	return path
}

func TestSubproc(t *testing.T) {
	t.Parallel()
	needSh(t)

	script := writeScript(t, `printf 'bpm\tkey\n127.8\tF# min\n'`)
	sp, err := analysis.NewSubproc("sh " + script + " --fast <file>")
	require.NoError(t, err)

	feat, err := sp.Analyze(context.Background(), "/music/track.mp3")
	require.NoError(t, err)
	assert.Equal(t, "127.8", feat.BPM)
	assert.Equal(t, "F# min", feat.Key)
}

func TestSubprocPathArgument(t *testing.T) {
	t.Parallel()
	needSh(t)

	// without a marker the path is appended
	script := writeScript(t, `printf '100\t%s\n' "$1"`)
	sp, err := analysis.NewSubproc("sh " + script)
	require.NoError(t, err)

	feat, err := sp.Analyze(context.Background(), "/music/a b.mp3")
	require.NoError(t, err)
	assert.Equal(t, "100", feat.BPM)
	assert.Equal(t, "/music/a b.mp3", feat.Key)
}

func TestSubprocFailure(t *testing.T) {
	t.Parallel()
	needSh(t)

	sp, err := analysis.NewSubproc(`sh -c "echo broken >&2; exit 3"`)
	require.NoError(t, err)

	_, err = sp.Analyze(context.Background(), "/music/track.mp3")
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "broken"))

	sp, err = analysis.NewSubproc(`sh -c "true"`)
	require.NoError(t, err)
	_, err = sp.Analyze(context.Background(), "/music/track.mp3")
	require.Error(t, err)
}

func TestNewSubproc(t *testing.T) {
	t.Parallel()

	_, err := analysis.NewSubproc("")
	require.ErrorIs(t, err, analysis.ErrNoCommand)

	_, err = analysis.NewSubproc(`keyfinder "unterminated`)
	require.Error(t, err)

	sp, err := analysis.NewSubproc(`keyfinder --fast <file>`)
	require.NoError(t, err)
	assert.Equal(t, `subproc ("keyfinder" "--fast" "<file>")`, sp.String())
}

func TestLimiterTimeout(t *testing.T) {
	t.Parallel()
	needSh(t)

	sp, err := analysis.NewSubproc(`sh -c "sleep 10"`)
	require.NoError(t, err)

	lim := analysis.NewLimiter(sp, 1, 50*time.Millisecond)

	start := time.Now()
	_, err = lim.Analyze(context.Background(), "/music/track.mp3")
	require.ErrorIs(t, err, metadata.ErrUnavailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

type extractorFunc func(ctx context.Context, path string) (metadata.Features, error)

func (f extractorFunc) Analyze(ctx context.Context, path string) (metadata.Features, error) {
	return f(ctx, path)
}

func TestLimiterBound(t *testing.T) {
	t.Parallel()

	var active, peak atomic.Int32
	ext := extractorFunc(func(ctx context.Context, path string) (metadata.Features, error) {
		n := active.Add(1)
		defer active.Add(-1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		return metadata.Features{BPM: "120"}, nil
	})

	lim := analysis.NewLimiter(ext, 2, time.Minute)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			feat, err := lim.Analyze(context.Background(), "/music/track.mp3")
			assert.NoError(t, err)
			assert.Equal(t, "120", feat.BPM)
		}()
	}
	wg.Wait()

	assert.LessOrEqual(t, peak.Load(), int32(2))
	assert.Positive(t, peak.Load())
}

func TestLimiterWrapsErrors(t *testing.T) {
	t.Parallel()

	ext := extractorFunc(func(ctx context.Context, path string) (metadata.Features, error) {
		return metadata.Features{}, assert.AnError
	})
	_, err := analysis.NewLimiter(ext, 1, 0).Analyze(context.Background(), "/music/track.mp3")
	require.ErrorIs(t, err, metadata.ErrUnavailable)
	require.ErrorIs(t, err, assert.AnError)
}
