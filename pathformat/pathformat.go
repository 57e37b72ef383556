// pathformat expands "{token}" filename templates from resolved metadata
package pathformat

import (
	"errors"
	"fmt"
	"slices"
	"strconv"
	"strings"

	"github.com/zenone/crate-sub001/fileutil"
	"github.com/zenone/crate-sub001/metadata"
)

var (
	ErrInvalidFormat   = errors.New("invalid format")
	ErrAmbiguousFormat = errors.New("ambiguous format")
)

// Known is every token [Tokens] produces.
var Known = []string{
	"artist", "title", "album", "year", "genre", "track",
	"bpm", "key", "camelot", "mix",
	"key_bpm", "mix_paren",
}

type Config struct {
	// TrackDigits zero pads the track token. Zero means 2.
	TrackDigits int
	// ASCII transliterates token values to ascii.
	ASCII bool
}

// Tokens builds the token values for rec. Missing fields are empty.
func Tokens(rec *metadata.Record, cfg Config) map[string]string {
	if rec == nil {
		rec = &metadata.Record{}
	}
	digits := cfg.TrackDigits
	if digits <= 0 {
		digits = 2
	}

	tokens := map[string]string{
		"artist":  rec.Artist,
		"title":   rec.Title,
		"album":   rec.Album,
		"year":    rec.Year,
		"genre":   rec.Genre,
		"track":   rec.Track,
		"bpm":     rec.BPM,
		"key":     rec.Key,
		"camelot": rec.Camelot,
		"mix":     rec.Mix,
	}
	if n, err := strconv.Atoi(rec.Track); err == nil && n > 0 {
		tokens["track"] = fmt.Sprintf("%0*d", digits, n)
	}
	tokens["key_bpm"] = joinNonEmpty(" ", rec.Camelot, rec.BPM)
	if rec.Mix != "" {
		tokens["mix_paren"] = "(" + rec.Mix + ")"
	} else {
		tokens["mix_paren"] = ""
	}

	if cfg.ASCII {
		for k, v := range tokens {
			tokens[k] = fileutil.SanitizeASCII(v)
		}
	}
	return tokens
}

// Render expands every known "{token}" in template and sanitizes the result so it can be
// used as a single path component. Tokens missing from tokens are left as written,
// braces included. Render never fails, but may return an empty string.
func Render(template string, tokens map[string]string) string {
	var sb strings.Builder
	for rest := template; rest != ""; {
		open := strings.IndexByte(rest, '{')
		if open < 0 {
			sb.WriteString(rest)
			break
		}
		sb.WriteString(rest[:open])
		rest = rest[open:]

		end := strings.IndexAny(rest[1:], "{}")
		if end < 0 || rest[1+end] != '}' {
			// no closing brace before the next opening
			sb.WriteByte('{')
			rest = rest[1:]
			continue
		}
		name := rest[1 : 1+end]
		if v, ok := tokens[strings.TrimSpace(name)]; ok {
			sb.WriteString(v)
		} else {
			sb.WriteString(rest[:end+2])
		}
		rest = rest[end+2:]
	}
	return fileutil.Sanitize(sb.String())
}

// Format is a parsed and validated template.
type Format struct {
	template string
	tokens   []string
}

// Parse validates template. It must be non empty, have balanced braces, describe a single
// path component, and reference at least one known token so that files don't all
// render the same name.
func (f *Format) Parse(template string) error {
	if strings.TrimSpace(template) == "" {
		return fmt.Errorf("%w: empty template", ErrInvalidFormat)
	}
	if strings.ContainsAny(template, `/\`) {
		return fmt.Errorf("%w: template must not contain a path separator", ErrInvalidFormat)
	}

	var names []string
	var depth, start int
	for i, r := range template {
		switch r {
		case '{':
			if depth > 0 {
				return fmt.Errorf("%w: nested brace at %d", ErrInvalidFormat, i)
			}
			depth, start = 1, i
		case '}':
			if depth == 0 {
				return fmt.Errorf("%w: unmatched closing brace at %d", ErrInvalidFormat, i)
			}
			depth = 0
			name := strings.TrimSpace(template[start+1 : i])
			if name == "" {
				return fmt.Errorf("%w: empty token at %d", ErrInvalidFormat, start)
			}
			names = append(names, name)
		}
	}
	if depth > 0 {
		return fmt.Errorf("%w: unclosed brace at %d", ErrInvalidFormat, start)
	}

	if !slices.ContainsFunc(names, func(n string) bool { return slices.Contains(Known, n) }) {
		return fmt.Errorf("%w: no known tokens, every file would get the same name", ErrAmbiguousFormat)
	}

	f.template = template
	f.tokens = names
	return nil
}

func (f *Format) Execute(tokens map[string]string) (string, error) {
	if f.template == "" {
		return "", fmt.Errorf("format not parsed")
	}
	return Render(f.template, tokens), nil
}

// Unknown returns the referenced tokens which [Tokens] never produces.
func (f *Format) Unknown() []string {
	var unknown []string
	for _, n := range f.tokens {
		if !slices.Contains(Known, n) && !slices.Contains(unknown, n) {
			unknown = append(unknown, n)
		}
	}
	return unknown
}

func (f *Format) String() string {
	return f.template
}

func joinNonEmpty(sep string, parts ...string) string {
	return strings.Join(slices.DeleteFunc(parts, func(s string) bool { return s == "" }), sep)
}
