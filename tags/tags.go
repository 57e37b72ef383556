// tags wraps go-taglib to read and write a flat, normalised view of file tags
package tags

import (
	"errors"
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"

	"github.com/araddon/dateparse"
	"go.senan.xyz/taglib"
)

var ErrUnsupported = errors.New("filetype unsupported")

// https://taglib.org/api/p_propertymapping.html
// https://picard-docs.musicbrainz.org/downloads/MusicBrainz_Picard_Tag_Map.html

const (
	Album       = "ALBUM"
	Artist      = "ARTIST"
	Title       = "TITLE"
	Date        = "DATE"
	Genre       = "GENRE"
	TrackNumber = "TRACKNUMBER"
	BPM         = "BPM"
	Key         = "INITIALKEY"
)

// alternatives are other spellings of canonical keys. When a file has several for the
// same key, the earliest here wins.
var alternatives = []struct{ key, canonical string }{
	{"YEAR", Date},
	{"TRACK", TrackNumber},
	{"TRACKC", TrackNumber},
	{"INITIAL_KEY", Key},
	{"TKEY", Key},
	{"KEY", Key},
	{"TBPM", BPM},
	{"TEMPO", BPM},
}

// alternativeRank is one more than a key's index in alternatives
var alternativeRank = func() map[string]int {
	m := make(map[string]int, len(alternatives))
	for i, a := range alternatives {
		m[a.key] = i + 1
	}
	return m
}()

// Reader returns the flat tags of a file. A file without recognisable tags gives an empty map.
type Reader interface {
	Read(path string) (map[string]string, error)
}

// Writer merges fields into a file's existing tags.
type Writer interface {
	Write(path string, fields map[string]string) error
}

func CanRead(absPath string) bool {
	switch ext := strings.ToLower(filepath.Ext(absPath)); ext {
	case ".mp3", ".flac", ".aac", ".aiff", ".aif", ".m4a", ".ogg", ".opus", ".wma", ".wav", ".wv":
		return true
	}
	return false
}

// TagLib is a [Reader] and [Writer] backed by taglib.
type TagLib struct{}

var _ Reader = TagLib{}
var _ Writer = TagLib{}

func (TagLib) Read(path string) (map[string]string, error) {
	if !CanRead(path) {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(path))
	}
	raw, err := taglib.ReadTags(path)
	if err != nil {
		return nil, fmt.Errorf("read tags: %w", err)
	}
	return Flatten(raw), nil
}

func (TagLib) Write(path string, fields map[string]string) error {
	if !CanRead(path) {
		return fmt.Errorf("%w: %q", ErrUnsupported, filepath.Ext(path))
	}
	raw := make(map[string][]string, len(fields))
	for k, v := range fields {
		if v == "" {
			raw[NormKey(k)] = nil
			continue
		}
		raw[NormKey(k)] = []string{v}
	}
	if err := taglib.WriteTags(path, raw, taglib.DiffBeforeWrite); err != nil {
		return fmt.Errorf("write tags: %w", err)
	}
	return nil
}

// Flatten normalises keys and keeps the first non empty value for each.
// A canonical key wins over any of its alternatives, and alternatives win in the
// order they are listed in.
func Flatten(raw map[string][]string) map[string]string {
	type origin struct {
		rank int
		key  string
	}
	out := make(map[string]string, len(raw))
	from := make(map[string]origin, len(raw))
	for k, vs := range raw {
		v := first(vs)
		if v == "" {
			continue
		}
		upper := strings.ToUpper(strings.TrimSpace(k))
		nk := NormKey(upper)
		o := origin{rank: alternativeRank[upper], key: k}
		if prev, ok := from[nk]; ok && (prev.rank < o.rank || prev.rank == o.rank && prev.key < o.key) {
			continue
		}
		out[nk], from[nk] = v, o
	}
	return out
}

func NormKey(k string) string {
	k = strings.ToUpper(strings.TrimSpace(k))
	if r, ok := alternativeRank[k]; ok {
		return alternatives[r-1].canonical
	}
	return k
}

// Year extracts a four digit year from a free form date tag.
func Year(date string) string {
	date = strings.TrimSpace(date)
	if date == "" {
		return ""
	}
	if len(date) == 4 && yearExpr.MatchString(date) {
		return date
	}
	if t, err := dateparse.ParseAny(date); err == nil && !t.IsZero() {
		return strconv.Itoa(t.Year())
	}
	return yearExpr.FindString(date)
}

var yearExpr = regexp.MustCompile(`\b\d{4}\b`)

// TrackNum parses values like "3" or "3/12".
func TrackNum(v string) int {
	v, _, _ = strings.Cut(strings.TrimSpace(v), "/")
	n, _ := strconv.Atoi(strings.TrimSpace(v))
	return n
}

func first(vs []string) string {
	for _, v := range vs {
		if v = strings.TrimSpace(v); v != "" {
			return v
		}
	}
	return ""
}
