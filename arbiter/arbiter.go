// arbiter hands out unique target paths to concurrent workers within one batch
package arbiter

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"golang.org/x/text/cases"
	"golang.org/x/text/unicode/norm"

	"github.com/zenone/crate-sub001/fileutil"
)

var ErrExhausted = errors.New("no free name")

const DefaultMaxSuffix = 1000

type Options struct {
	// Exists reports whether a path is already taken outside of the arbiter, usually
	// by a file on disk. Nil means only reservations count.
	Exists func(path string) bool
	// FoldCase compares paths case insensitively, for filesystems that do.
	FoldCase bool
	// MaxSuffix bounds the " (n)" search. Zero means [DefaultMaxSuffix].
	MaxSuffix int
}

// OnDisk is an Exists func backed by os.Lstat.
func OnDisk(path string) bool {
	_, err := os.Lstat(path)
	return err == nil
}

// Arbiter is a set of claimed paths. A path returned by [Arbiter.Reserve] is never
// returned again by the same Arbiter.
type Arbiter struct {
	opts Options
	fold cases.Caser

	mu      sync.Mutex
	claimed map[string]string // key -> owner
	vacated map[string]struct{}
}

func New(opts Options) *Arbiter {
	if opts.MaxSuffix <= 0 {
		opts.MaxSuffix = DefaultMaxSuffix
	}
	return &Arbiter{
		opts:    opts,
		fold:    cases.Fold(),
		claimed: map[string]string{},
		vacated: map[string]struct{}{},
	}
}

// Reserve claims desired, or the first free "stem (n).ext" sibling of it, for self.
// self is the path of the file being renamed. A file may always claim its own current
// path, which is how an already correctly named file keeps its name.
func (a *Arbiter) Reserve(desired, self string) (string, error) {
	desired = filepath.Clean(desired)

	a.mu.Lock()
	defer a.mu.Unlock()

	if a.free(desired, self) {
		a.claimed[a.key(desired)] = self
		return desired, nil
	}

	dir, base := filepath.Split(desired)
	stem, ext := fileutil.SplitExt(base)
	for n := 1; n <= a.opts.MaxSuffix; n++ {
		candidate := filepath.Join(dir, stem+" ("+strconv.Itoa(n)+")"+ext)
		if a.free(candidate, self) {
			a.claimed[a.key(candidate)] = self
			return candidate, nil
		}
	}
	return "", fmt.Errorf("%w: %q after %d attempts", ErrExhausted, base, a.opts.MaxSuffix)
}

// Release gives up a reservation made by self, for example when its rename failed.
func (a *Arbiter) Release(path, self string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	k := a.key(filepath.Clean(path))
	if a.claimed[k] == self {
		delete(a.claimed, k)
	}
}

// Vacate marks a path as free even though it still exists, for a simulated move away
// from it. It can then be reserved like any path that is not on disk.
func (a *Arbiter) Vacate(path string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.vacated[a.key(filepath.Clean(path))] = struct{}{}
}

// Claimed is the number of paths currently reserved.
func (a *Arbiter) Claimed() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.claimed)
}

func (a *Arbiter) free(path, self string) bool {
	if _, ok := a.claimed[a.key(path)]; ok {
		return false
	}
	if a.key(path) == a.key(self) {
		return true
	}
	if _, ok := a.vacated[a.key(path)]; ok {
		return true
	}
	if a.opts.Exists != nil && a.opts.Exists(path) {
		return false
	}
	return true
}

func (a *Arbiter) key(path string) string {
	path = norm.NFC.String(path)
	if a.opts.FoldCase {
		path = a.fold.String(path)
	}
	return path
}
