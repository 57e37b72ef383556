// analysis runs an external audio feature extractor to estimate tempo and key
package analysis

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/google/shlex"
	"golang.org/x/sync/semaphore"

	"github.com/zenone/crate-sub001/metadata"
)

var ErrNoCommand = errors.New("no command provided")

const markerFile = "<file>"

// Subproc is an [metadata.Extractor] which runs a command for each file. The command's
// arguments may contain the marker "<file>" which is replaced with the path, otherwise
// the path is appended. The command writes tab separated "bpm<TAB>key" lines to stdout,
// an optional "bpm<TAB>key" header is ignored and the last line wins.
type Subproc struct {
	command string
	args    []string
}

var _ metadata.Extractor = Subproc{}

func NewSubproc(conf string) (Subproc, error) {
	parts, err := shlex.Split(conf)
	if err != nil {
		return Subproc{}, fmt.Errorf("parse command: %w", err)
	}
	if len(parts) == 0 {
		return Subproc{}, ErrNoCommand
	}
	return Subproc{command: parts[0], args: parts[1:]}, nil
}

func (s Subproc) Analyze(ctx context.Context, path string) (feat metadata.Features, err error) {
	var args []string
	var sawMarker bool
	for _, arg := range s.args {
		switch arg {
		case markerFile:
			args = append(args, path)
			sawMarker = true
		default:
			args = append(args, arg)
		}
	}
	if !sawMarker {
		args = append(args, path)
	}

	cmd := exec.CommandContext(ctx, s.command, args...)
	cmd.WaitDelay = time.Second

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	defer func() {
		if err != nil && stderr.Len() > 0 {
			err = fmt.Errorf("%w: stderr: %q", err, strings.TrimSpace(stderr.String()))
		}
	}()

	if err := cmd.Run(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return metadata.Features{}, fmt.Errorf("run cmd: %w", ctxErr)
		}
		return metadata.Features{}, fmt.Errorf("run cmd: %w", err)
	}

	return parseOutput(&stdout)
}

func (s Subproc) String() string {
	args := fmt.Sprintf("%q", append([]string{s.command}, s.args...))
	args = strings.TrimPrefix(args, "[")
	args = strings.TrimSuffix(args, "]")
	return fmt.Sprintf("subproc (%s)", args)
}

func parseOutput(r io.Reader) (metadata.Features, error) {
	reader := csv.NewReader(r)
	reader.Comma = '\t'
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	reader.TrimLeadingSpace = true

	var feat metadata.Features
	var lines int
	for {
		columns, err := reader.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return metadata.Features{}, fmt.Errorf("read line: %w", err)
		}
		if len(columns) == 0 || strings.EqualFold(strings.TrimSpace(columns[0]), "bpm") {
			continue
		}
		feat = metadata.Features{}
		feat.BPM = strings.TrimSpace(columns[0])
		if len(columns) > 1 {
			feat.Key = strings.TrimSpace(columns[1])
		}
		lines++
	}
	if lines == 0 {
		return metadata.Features{}, fmt.Errorf("no output")
	}
	return feat, nil
}

// Limiter bounds the number of concurrent analyses and the time each may take. Waiting
// for a slot counts towards the timeout. Any failure is reported as [metadata.ErrUnavailable].
type Limiter struct {
	next    metadata.Extractor
	sem     *semaphore.Weighted
	timeout time.Duration
}

var _ metadata.Extractor = (*Limiter)(nil)

func NewLimiter(next metadata.Extractor, workers int, timeout time.Duration) *Limiter {
	return &Limiter{
		next:    next,
		sem:     semaphore.NewWeighted(int64(max(1, workers))),
		timeout: timeout,
	}
}

func (l *Limiter) Analyze(ctx context.Context, path string) (metadata.Features, error) {
	if l.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.timeout)
		defer cancel()
	}

	if err := l.sem.Acquire(ctx, 1); err != nil {
		return metadata.Features{}, fmt.Errorf("%w: wait for slot: %w", metadata.ErrUnavailable, err)
	}
	defer l.sem.Release(1)

	feat, err := l.next.Analyze(ctx, path)
	if err != nil {
		return metadata.Features{}, fmt.Errorf("%w: %w", metadata.ErrUnavailable, err)
	}
	if err := ctx.Err(); err != nil {
		return metadata.Features{}, fmt.Errorf("%w: %w", metadata.ErrUnavailable, err)
	}
	return feat, nil
}
