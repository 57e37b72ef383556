package metadata

import (
	"regexp"
	"strings"
)

const mixWords = `remix|mix|edit|version|dub|rework|bootleg|vip|remaster(?:ed)?|flip|instrumental|acapella`

var (
	mixBracketExpr = regexp.MustCompile(`(?i)^(.*?)\s*[\(\[]([^\(\)\[\]]*\b(?:` + mixWords + `)\b[^\(\)\[\]]*)[\)\]]\s*$`)
	mixDashExpr    = regexp.MustCompile(`(?i)^(.*?)\s+-\s+(.*\b(?:` + mixWords + `)\b.*)$`)
)

// SplitMix separates a trailing mix designation such as "(Extended Mix)", "[Edit]" or
// " - Dub Mix" from a title. The title is returned unchanged with an empty mix when
// nothing recognisable is found.
func SplitMix(title string) (string, string) {
	for _, expr := range []*regexp.Regexp{mixBracketExpr, mixDashExpr} {
		m := expr.FindStringSubmatch(title)
		if m == nil {
			continue
		}
		base, mix := strings.TrimSpace(m[1]), strings.TrimSpace(m[2])
		if base == "" || mix == "" {
			continue
		}
		return base, mix
	}
	return title, ""
}
