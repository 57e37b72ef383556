// keys converts between standard musical key notation and the Camelot wheel
package keys

import (
	"regexp"
	"strconv"
	"strings"
)

// https://mixedinkey.com/camelot-wheel/

// Entry is one slot of the wheel. Musical is the canonical spelling returned by [ToMusical].
type Entry struct {
	Camelot string
	Musical string
}

// Table is the fixed 24 entry mapping, minor keys first.
var Table = [24]Entry{
	{"1A", "Ab min"}, {"2A", "Eb min"}, {"3A", "Bb min"}, {"4A", "F min"},
	{"5A", "C min"}, {"6A", "G min"}, {"7A", "D min"}, {"8A", "A min"},
	{"9A", "E min"}, {"10A", "B min"}, {"11A", "F# min"}, {"12A", "C# min"},

	{"1B", "B maj"}, {"2B", "F# maj"}, {"3B", "Db maj"}, {"4B", "Ab maj"},
	{"5B", "Eb maj"}, {"6B", "Bb maj"}, {"7B", "F maj"}, {"8B", "C maj"},
	{"9B", "G maj"}, {"10B", "D maj"}, {"11B", "A maj"}, {"12B", "E maj"},
}

type pitch struct {
	class int
	minor bool
}

var (
	byCamelot = map[string]string{}
	byPitch   = map[pitch]string{}
)

func init() {
	for _, e := range Table {
		p, ok := parseMusical(e.Musical)
		if !ok {
			panic("keys: bad table entry " + e.Musical)
		}
		byCamelot[e.Camelot] = e.Musical
		byPitch[p] = e.Camelot
	}
}

// ToCamelot maps a musical key such as "F# min", "C major" or "Am" to its Camelot label.
// Input that is already Camelot is returned normalised.
func ToCamelot(key string) (string, bool) {
	if c, ok := parseCamelot(key); ok {
		return c, true
	}
	p, ok := parseMusical(key)
	if !ok {
		return "", false
	}
	c, ok := byPitch[p]
	return c, ok
}

// ToMusical maps a Camelot label such as "11A" to the canonical musical spelling.
func ToMusical(camelot string) (string, bool) {
	c, ok := parseCamelot(camelot)
	if !ok {
		return "", false
	}
	return byCamelot[c], true
}

// Normalize accepts either notation and returns the canonical musical key and its Camelot label.
func Normalize(key string) (musical, camelot string, ok bool) {
	camelot, ok = ToCamelot(key)
	if !ok {
		return "", "", false
	}
	return byCamelot[camelot], camelot, true
}

var camelotExpr = regexp.MustCompile(`^0?([1-9]|1[0-2])\s*([ab])$`)

func parseCamelot(in string) (string, bool) {
	m := camelotExpr.FindStringSubmatch(strings.ToLower(strings.TrimSpace(in)))
	if m == nil {
		return "", false
	}
	n, _ := strconv.Atoi(m[1])
	return strconv.Itoa(n) + strings.ToUpper(m[2]), true
}

var accidentals = strings.NewReplacer(
	"♯", "#",
	"♭", "b",
	"-sharp", "#",
	" sharp", "#",
	"-flat", "b",
	" flat", "b",
)

var musicalExpr = regexp.MustCompile(`^([a-g])([#b]?)\s*(maj|major|min|minor|m)?$`)

var naturals = map[byte]int{'c': 0, 'd': 2, 'e': 4, 'f': 5, 'g': 7, 'a': 9, 'b': 11}

func parseMusical(in string) (pitch, bool) {
	in = strings.ToLower(strings.TrimSpace(in))
	in = accidentals.Replace(in)
	m := musicalExpr.FindStringSubmatch(in)
	if m == nil {
		return pitch{}, false
	}
	class := naturals[m[1][0]]
	switch m[2] {
	case "#":
		class++
	case "b":
		class--
	}
	class = (class + 12) % 12
	switch m[3] {
	case "min", "minor", "m":
		return pitch{class, true}, true
	}
	return pitch{class, false}, true
}
