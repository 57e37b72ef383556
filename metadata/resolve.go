package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"strconv"
	"strings"
	"unicode"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/zenone/crate-sub001/keys"
	"github.com/zenone/crate-sub001/tags"
)

// ErrUnavailable is returned by enrichment sources that could not produce a result.
// Resolution treats it, and any other enrichment error, as "no value".
var ErrUnavailable = errors.New("enrichment unavailable")

// Fingerprint is the result of a fingerprint lookup. Empty fields are unknown.
type Fingerprint struct {
	BPM        string  `json:"bpm"`
	Key        string  `json:"key"`
	Artist     string  `json:"artist"`
	Title      string  `json:"title"`
	Confidence float64 `json:"confidence"`
}

type Fingerprinter interface {
	Lookup(ctx context.Context, path string) (Fingerprint, error)
}

// Features are the result of audio analysis. Empty fields are unknown.
type Features struct {
	BPM string
	Key string
}

// Extractor analyses audio. It must return once ctx is done.
type Extractor interface {
	Analyze(ctx context.Context, path string) (Features, error)
}

type Policy struct {
	// Threshold is the minimum fingerprint confidence for its values to be used.
	Threshold float64
	// MinBPM and MaxBPM bound a sane tempo, inclusive.
	MinBPM, MaxBPM int
	// FillText lets a confident fingerprint fill a missing artist or title.
	FillText bool
	// AnalysisConfidence is recorded for values filled by audio analysis.
	AnalysisConfidence float64
}

func DefaultPolicy() Policy {
	return Policy{
		Threshold:          0.8,
		MinBPM:             60,
		MaxBPM:             200,
		AnalysisConfidence: 0.5,
	}
}

// Resolver merges tag, fingerprint, and audio analysis output into one [Record].
// Priority per field is tag, then fingerprint at or above the threshold, then analysis.
type Resolver struct {
	Tags        tags.Reader
	Fingerprint Fingerprinter // optional
	Analysis    Extractor     // optional
	Policy      Policy
}

func (r *Resolver) Resolve(ctx context.Context, path string) (*Record, error) {
	raw, err := r.Tags.Read(path)
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}

	pathBase := filepath.Base(path)

	var rec Record
	rec.set(FieldArtist, raw[tags.Artist], SourceTag)
	rec.set(FieldTitle, raw[tags.Title], SourceTag)
	rec.set(FieldAlbum, raw[tags.Album], SourceTag)
	rec.set(FieldGenre, raw[tags.Genre], SourceTag)
	rec.set(FieldYear, tags.Year(raw[tags.Date]), SourceTag)
	if n := tags.TrackNum(raw[tags.TrackNumber]); n > 0 {
		rec.set(FieldTrack, strconv.Itoa(n), SourceTag)
	}

	needBPM := !r.setBPM(&rec, raw[tags.BPM], SourceTag, 1)
	needKey := !r.setKey(&rec, raw[tags.Key], SourceTag, 1)
	if v := raw[tags.BPM]; v != "" && needBPM {
		slog.DebugContext(ctx, "invalid tag value", "file", pathBase, "field", FieldBPM, "value", v)
	}
	if v := raw[tags.Key]; v != "" && needKey {
		slog.DebugContext(ctx, "invalid tag value", "file", pathBase, "field", FieldKey, "value", v)
	}
	needText := r.Policy.FillText && (rec.Artist == "" || rec.Title == "")

	if (needBPM || needKey || needText) && r.Fingerprint != nil {
		fp, err := r.Fingerprint.Lookup(ctx, path)
		switch {
		case err != nil:
			slog.DebugContext(ctx, "fingerprint unavailable", "file", pathBase, "err", err)
		case fp.Confidence < r.Policy.Threshold:
			slog.DebugContext(ctx, "fingerprint below threshold", "file", pathBase, "confidence", fp.Confidence, "threshold", r.Policy.Threshold)
		default:
			if needBPM {
				needBPM = !r.setBPM(&rec, fp.BPM, SourceFingerprint, fp.Confidence)
			}
			if needKey {
				needKey = !r.setKey(&rec, fp.Key, SourceFingerprint, fp.Confidence)
			}
			if needText {
				fillText(&rec, FieldArtist, fp.Artist, fp.Confidence)
				fillText(&rec, FieldTitle, fp.Title, fp.Confidence)
			}
		}
		if err == nil {
			agreement(&rec, FieldArtist, fp.Artist)
			agreement(&rec, FieldTitle, fp.Title)
		}
	}

	if (needBPM || needKey) && r.Analysis != nil {
		feat, err := r.Analysis.Analyze(ctx, path)
		if err != nil {
			slog.DebugContext(ctx, "audio analysis unavailable", "file", pathBase, "err", err)
		} else {
			if needBPM {
				r.setBPM(&rec, feat.BPM, SourceAnalysis, r.Policy.AnalysisConfidence)
			}
			if needKey {
				r.setKey(&rec, feat.Key, SourceAnalysis, r.Policy.AnalysisConfidence)
			}
		}
	}

	if title, mix := SplitMix(rec.Title); mix != "" {
		rec.Title = title
		rec.set(FieldMix, mix, rec.Sources[FieldTitle])
	}

	return &rec, nil
}

func (r *Resolver) setBPM(rec *Record, v string, src Source, conf float64) bool {
	bpm, ok := ParseBPM(v, r.Policy.MinBPM, r.Policy.MaxBPM)
	if !ok {
		return false
	}
	rec.set(FieldBPM, bpm, src)
	rec.confidence(FieldBPM, conf)
	return true
}

func (r *Resolver) setKey(rec *Record, v string, src Source, conf float64) bool {
	musical, camelot, ok := keys.Normalize(v)
	if !ok {
		return false
	}
	rec.set(FieldKey, musical, src)
	rec.set(FieldCamelot, camelot, src)
	rec.confidence(FieldKey, conf)
	return true
}

func fillText(rec *Record, f Field, v string, conf float64) {
	if rec.Get(f) != "" || strings.TrimSpace(v) == "" {
		return
	}
	rec.set(f, strings.TrimSpace(v), SourceFingerprint)
	rec.confidence(f, conf)
}

// agreement records how closely a present tag value matches the fingerprint's, from 0 to 1.
func agreement(rec *Record, f Field, v string) {
	if rec.Sources[f] != SourceTag || v == "" {
		return
	}
	rec.confidence(f, Similarity(rec.Get(f), v))
}

// ParseBPM accepts values like "128", "127.9" or "128 BPM" and returns the rounded
// integer tempo when it falls within [lo, hi].
func ParseBPM(v string, lo, hi int) (string, bool) {
	fields := strings.Fields(v)
	if len(fields) == 0 {
		return "", false
	}
	f, err := strconv.ParseFloat(fields[0], 64)
	if err != nil || math.IsNaN(f) {
		return "", false
	}
	n := int(math.Round(f))
	if n < lo || n > hi {
		return "", false
	}
	return strconv.Itoa(n), true
}

var dmp = diffmatchpatch.New()

// Similarity compares letters and numbers only, ignoring case and punctuation.
func Similarity(a, b string) float64 {
	a, b = norm(a), norm(b)
	total := max(len([]rune(a)), len([]rune(b)))
	if total == 0 {
		return 1
	}
	diffs := dmp.DiffMain(a, b, false)
	dist := dmp.DiffLevenshtein(diffs)
	return 1 - float64(dist)/float64(total)
}

func norm(input string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return unicode.ToLower(r)
		}
		if unicode.IsNumber(r) {
			return r
		}
		return -1
	}, input)
}
