// diff shows what a rename changes about a name.
package diff

import (
	"strings"

	"github.com/sergi/go-diff/diffmatchpatch"
)

var dmp = diffmatchpatch.New()

type Diff struct {
	Before, After string
	Changes       []diffmatchpatch.Diff
}

func Names(before, after string) Diff {
	changes := dmp.DiffMain(before, after, false)
	changes = dmp.DiffCleanupSemantic(changes)
	return Diff{Before: before, After: after, Changes: changes}
}

// Equal reports whether the names are the same.
func (d Diff) Equal() bool {
	return d.Before == d.After
}

// Pretty is the changes with insertions and deletions coloured for a terminal.
func (d Diff) Pretty() string {
	if d.Equal() {
		return d.After
	}
	return dmp.DiffPrettyText(d.Changes)
}

// Plain marks deletions as [-text-] and insertions as {+text+}.
func (d Diff) Plain() string {
	var sb strings.Builder
	for _, c := range d.Changes {
		switch c.Type {
		case diffmatchpatch.DiffDelete:
			sb.WriteString("[-" + c.Text + "-]")
		case diffmatchpatch.DiffInsert:
			sb.WriteString("{+" + c.Text + "+}")
		default:
			sb.WriteString(c.Text)
		}
	}
	return sb.String()
}
