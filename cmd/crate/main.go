package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"

	"github.com/cheggaaa/pb/v3"
	"github.com/mattn/go-isatty"
	"go.senan.xyz/table/table"
	"gopkg.in/yaml.v2"

	"github.com/zenone/crate-sub001"
	"github.com/zenone/crate-sub001/cmd/internal/flags"
	"github.com/zenone/crate-sub001/diff"
	"github.com/zenone/crate-sub001/fileutil"
	"github.com/zenone/crate-sub001/operation"
	"github.com/zenone/crate-sub001/rename"
	"github.com/zenone/crate-sub001/researchlink"
	"github.com/zenone/crate-sub001/tags"
)

// replaced while testing
var tg interface {
	tags.Reader
	tags.Writer
} = tags.TagLib{}

func init() {
	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage:\n")
		fmt.Fprintf(flag.CommandLine.Output(), "  $ %s [<options>] preview <path>...\n", flag.CommandLine.Name())
		fmt.Fprintf(flag.CommandLine.Output(), "  $ %s [<options>] rename [-undo-on-error] <path>...\n", flag.CommandLine.Name())
		fmt.Fprintf(flag.CommandLine.Output(), "\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Paths may be audio files or directories, which are searched for audio files.\n")
		fmt.Fprintf(flag.CommandLine.Output(), "\n")
		fmt.Fprintf(flag.CommandLine.Output(), "Options:\n")
		flag.PrintDefaults()
	}
}

func main() {
	defer flags.ExitError()
	flags.EnvPrefix(crate.Name)
	cfg := flags.Config()
	notifs := flags.Notifications()
	fingerprint := flags.Fingerprint()
	extractor := flags.Extractor()
	researchLinks := flags.ResearchLinks()
	format := flag.String("format", "table", "output format, one of table, yaml, json")
	flags.Parse()

	command := flag.Arg(0)
	var mode rename.Mode
	switch command {
	case "preview":
		mode = rename.ModePreview
	case "rename":
		mode = rename.ModeExecute
	default:
		slog.Error("unknown command", "command", command)
		flag.Usage()
		return
	}

	subflag := flag.NewFlagSet(command, flag.ExitOnError)
	undoOnError := subflag.Bool("undo-on-error", false, "revert every rename if any file fails")
	_ = subflag.Parse(flag.Args()[1:])

	if subflag.NArg() == 0 {
		slog.Error("need at least one path")
		return
	}
	files, err := fileutil.WalkAudio(subflag.Args(), tags.CanRead)
	if err != nil {
		slog.Error("finding files", "err", err)
		return
	}
	if len(files) == 0 {
		slog.Error("no audio files found")
		return
	}

	deps := crate.Deps{Tags: tg, TagWriter: tg, Extractor: *extractor}
	if fingerprint.BaseURL != "" {
		deps.Fingerprint = fingerprint
	}

	var bar *progressBar
	if mode == rename.ModeExecute && isatty.IsTerminal(os.Stderr.Fd()) {
		bar = newProgressBar(len(files))
	}

	mgr := crate.NewManager(*cfg, deps, notifs, bar.update)
	defer mgr.Close()
	bar.attach(mgr)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	var summary rename.Summary
	switch mode {
	case rename.ModePreview:
		summary, err = mgr.Preview(ctx, files, cfg.Template)
		if err != nil {
			slog.Error("preview", "err", err)
			return
		}

	case rename.ModeExecute:
		id, err := mgr.Start(files, cfg.Template, mode)
		if err != nil {
			slog.Error("start rename", "err", err)
			return
		}
		bar.setID(id)
		go func() {
			<-ctx.Done()
			if ok, _ := mgr.Cancel(id); ok {
				slog.Warn("cancelling, waiting for files in progress")
			}
		}()

		op, err := mgr.Wait(context.Background(), id)
		if err != nil {
			slog.Error("wait for rename", "err", err)
			return
		}
		bar.finish()

		summary = rename.Summary{
			Total: op.Total, Renamed: op.Renamed, Skipped: op.Skipped, Errors: op.Errors,
			Cancelled: op.Status == operation.StatusCancelled,
			Results:   op.Results,
		}
		if op.Status == operation.StatusFailed {
			slog.Error("rename failed", "err", op.Error)
		}

		if *undoOnError && op.Errors > 0 {
			res, err := mgr.Undo(id)
			if err != nil {
				slog.Error("undo", "err", err)
				return
			}
			for _, msg := range res.Messages {
				slog.Error("undo", "err", msg)
			}
			slog.Info("reverted renames after errors", "reverted", res.Reverted, "errors", res.Errors)
		}
	}

	summary.Sort()
	color := isatty.IsTerminal(os.Stdout.Fd())
	if err := writeSummary(os.Stdout, *format, color, newReport(summary, researchLinks)); err != nil {
		slog.Error("write summary", "err", err)
		return
	}

	if summary.Cancelled {
		slog.Error("cancelled", "processed", summary.Processed(), "total", summary.Total)
	}
	if summary.Errors > 0 {
		slog.Error("some files had errors", "errors", summary.Errors)
	}
}

type row struct {
	Source  string `json:"source" yaml:"source"`
	Target  string `json:"target,omitempty" yaml:"target,omitempty"`
	Change  string `json:"change,omitempty" yaml:"change,omitempty"`
	Status  string `json:"status" yaml:"status"`
	Message string `json:"message,omitempty" yaml:"message,omitempty"`
	Artist  string `json:"artist,omitempty" yaml:"artist,omitempty"`
	Title   string `json:"title,omitempty" yaml:"title,omitempty"`
	BPM     string `json:"bpm,omitempty" yaml:"bpm,omitempty"`
	Key     string `json:"key,omitempty" yaml:"key,omitempty"`

	Research []researchlink.SearchResult `json:"research,omitempty" yaml:"research,omitempty"`
}

type report struct {
	Total     int   `json:"total" yaml:"total"`
	Renamed   int   `json:"renamed" yaml:"renamed"`
	Skipped   int   `json:"skipped" yaml:"skipped"`
	Errors    int   `json:"errors" yaml:"errors"`
	Cancelled bool  `json:"cancelled" yaml:"cancelled"`
	Files     []row `json:"files" yaml:"files"`
}

func newReport(s rename.Summary, links *researchlink.Builder) report {
	r := report{Total: s.Total, Renamed: s.Renamed, Skipped: s.Skipped, Errors: s.Errors, Cancelled: s.Cancelled}
	for _, res := range s.Results {
		rw := row{Source: res.SourcePath, Target: res.TargetPath, Status: string(res.Status), Message: res.Message}
		if res.TargetPath != "" {
			rw.Change = diff.Names(filepath.Base(res.SourcePath), filepath.Base(res.TargetPath)).Plain()
		}
		q := researchlink.Query{File: strings.TrimSuffix(filepath.Base(res.SourcePath), filepath.Ext(res.SourcePath))}
		if md := res.Metadata; md != nil {
			rw.Artist, rw.Title, rw.BPM, rw.Key = md.Artist, md.Title, md.BPM, md.Camelot
			q.Artist, q.Title, q.Mix, q.Album = md.Artist, md.Title, md.Mix, md.Album
		}
		if res.Status == rename.StatusError || rw.Artist == "" || rw.Title == "" || rw.BPM == "" || rw.Key == "" {
			var err error
			rw.Research, err = links.Build(q)
			if err != nil {
				slog.Warn("build research links", "file", res.SourcePath, "err", err)
			}
		}
		r.Files = append(r.Files, rw)
	}
	return r
}

func writeSummary(w io.Writer, format string, color bool, r report) error {
	switch format {
	case "yaml":
		data, err := yaml.Marshal(r)
		if err != nil {
			return fmt.Errorf("marshal yaml: %w", err)
		}
		_, err = w.Write(data)
		return err
	case "json":
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(r)
	case "table", "":
		t := table.NewStringWriter()
		for _, rw := range r.Files {
			target := "-"
			if rw.Target != "" {
				target = filepath.Base(rw.Target)
				if color {
					target = diff.Names(filepath.Base(rw.Source), target).Pretty()
				}
			}
			fmt.Fprintf(t, "%s\t%s\t%s\t%s\n", rw.Status, filepath.Base(rw.Source), target, rw.Message)
		}
		if out := strings.TrimRight(t.String(), "\n"); out != "" {
			for _, line := range strings.Split(out, "\n") {
				fmt.Fprintln(w, strings.TrimRight(line, " "))
			}
		}
		for _, rw := range r.Files {
			for _, link := range rw.Research {
				fmt.Fprintf(w, "research %s on %s: %s\n", filepath.Base(rw.Source), link.Name, link.URL)
			}
		}
		fmt.Fprintf(w, "%d renamed, %d skipped, %d errors of %d files\n", r.Renamed, r.Skipped, r.Errors, r.Total)
		return nil
	default:
		return errors.New("unknown format " + format)
	}
}

// progressBar follows one operation. A nil bar does nothing.
type progressBar struct {
	bar *pb.ProgressBar

	mu  sync.Mutex
	mgr *operation.Manager
	id  string
}

func newProgressBar(total int) *progressBar {
	bar := pb.New(total)
	bar.SetWriter(os.Stderr)
	bar.Start()
	return &progressBar{bar: bar}
}

func (p *progressBar) attach(mgr *operation.Manager) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.mgr = mgr
	p.mu.Unlock()
}

func (p *progressBar) setID(id string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	p.id = id
	p.mu.Unlock()
}

func (p *progressBar) update(id string) {
	if p == nil {
		return
	}
	p.mu.Lock()
	mgr, want := p.mgr, p.id
	p.mu.Unlock()
	if mgr == nil || id != want {
		return
	}
	op, err := mgr.Status(id)
	if err != nil {
		return
	}
	p.bar.SetCurrent(int64(op.Processed))
}

func (p *progressBar) finish() {
	if p == nil {
		return
	}
	p.bar.Finish()
}
