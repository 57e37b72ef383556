package fileutil

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"unicode"

	"github.com/rainycape/unidecode"
)

// characters illegal on at least one of windows, macos, linux
const illegal = `/\:*?"<>|`

// Sanitize makes a string safe to use as a single path component on common filesystems.
// Illegal and control characters become a space, then whitespace runs are collapsed and trimmed.
func Sanitize(s string) string {
	s = strings.Map(func(r rune) rune {
		if strings.ContainsRune(illegal, r) || unicode.IsControl(r) {
			return ' '
		}
		return r
	}, s)
	return strings.Join(strings.Fields(s), " ")
}

// SanitizeASCII is [Sanitize] with non ascii text transliterated first.
func SanitizeASCII(s string) string {
	return Sanitize(unidecode.Unidecode(s))
}

// SplitExt splits a file name into its stem and extension, keeping the dot with the extension.
func SplitExt(name string) (stem, ext string) {
	ext = filepath.Ext(name)
	if ext == name {
		// dotfile like ".flac"
		return name, ""
	}
	return strings.TrimSuffix(name, ext), ext
}

// WalkAudio expands paths into absolute regular files. Directories are walked recursively and
// only files accepted by canRead are kept. Plain file arguments are always kept.
func WalkAudio(paths []string, canRead func(string) bool) ([]string, error) {
	var files []string
	var walkErrs []error
	for _, p := range paths {
		p, err := filepath.Abs(p)
		if err != nil {
			walkErrs = append(walkErrs, fmt.Errorf("make abs: %w", err))
			continue
		}
		info, err := os.Stat(p)
		if err != nil {
			walkErrs = append(walkErrs, err)
			continue
		}
		if !info.IsDir() {
			files = append(files, p)
			continue
		}
		err = filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.Type().IsRegular() {
				return nil
			}
			if canRead != nil && !canRead(path) {
				return nil
			}
			files = append(files, path)
			return nil
		})
		if err != nil {
			walkErrs = append(walkErrs, fmt.Errorf("walk: %w", err))
		}
	}
	return files, errors.Join(walkErrs...)
}
