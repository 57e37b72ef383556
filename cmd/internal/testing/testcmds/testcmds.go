// testcmds are small commands and fakes for command script tests. Audio files in
// scripts are plain text, one "KEY=value" tag per line.
package testcmds

import (
	"bufio"
	"bytes"
	"flag"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/zenone/crate-sub001/tags"
)

// TextTags is a [tags.Reader] and [tags.Writer] over "KEY=value" text files.
type TextTags struct{}

var _ tags.Reader = TextTags{}
var _ tags.Writer = TextTags{}

func (TextTags) Read(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string][]string{}
	sc := bufio.NewScanner(bytes.NewReader(data))
	for sc.Scan() {
		k, v, ok := strings.Cut(sc.Text(), "=")
		if !ok {
			continue
		}
		raw[k] = append(raw[k], v)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}
	return tags.Flatten(raw), nil
}

func (tt TextTags) Write(path string, fields map[string]string) error {
	existing, err := tt.Read(path)
	if err != nil {
		return err
	}
	for k, v := range fields {
		existing[tags.NormKey(k)] = v
	}
	keys := make([]string, 0, len(existing))
	for k := range existing {
		keys = append(keys, k)
	}
	slices.Sort(keys)

	var buf bytes.Buffer
	for _, k := range keys {
		fmt.Fprintf(&buf, "%s=%s\n", k, existing[k])
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}

// Tag writes or checks tags in text files.
//
//	tag write <path> KEY=value...
//	tag check <path> KEY=value...
func Tag() {
	flag.Parse()

	op, path := flag.Arg(0), flag.Arg(1)
	switch op {
	case "write", "check":
	default:
		log.Fatalf("bad op %s", op)
	}
	if path == "" {
		log.Fatalf("no path")
	}

	pairs := map[string]string{}
	for _, arg := range flag.Args()[2:] {
		k, v, ok := strings.Cut(arg, "=")
		if !ok {
			log.Fatalf("bad pair %q", arg)
		}
		pairs[tags.NormKey(k)] = v
	}

	var tt TextTags
	switch op {
	case "write":
		if err := os.MkdirAll(filepath.Dir(path), os.ModePerm); err != nil {
			log.Fatalf("mkdirall: %v", err)
		}
		if _, err := os.Stat(path); err != nil {
			if err := os.WriteFile(path, nil, 0o644); err != nil {
				log.Fatalf("create: %v", err)
			}
		}
		if err := tt.Write(path, pairs); err != nil {
			log.Fatalf("write tags: %v", err)
		}
	case "check":
		got, err := tt.Read(path)
		if err != nil {
			log.Fatalf("read tags: %v", err)
		}
		var exit int
		for k, v := range pairs {
			if got[k] != v {
				log.Printf("%s exp %s=%q got %q", path, k, v, got[k])
				exit = 1
			}
		}
		os.Exit(exit)
	}
}

func Find() {
	maxDepth := flag.Int("max-depth", -1, "")
	flag.Parse()

	paths := flag.Args()
	sort.Strings(paths)

	for _, p := range paths {
		err := filepath.WalkDir(p, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			path = filepath.Clean(path)
			if *maxDepth != -1 && strings.Count(path, string(filepath.Separator)) > *maxDepth {
				return nil
			}
			fmt.Println(path)
			return nil
		})
		if err != nil {
			log.Fatal(err)
		}
	}
}

func Touch() {
	flag.Parse()

	for _, p := range flag.Args() {
		if err := os.MkdirAll(filepath.Dir(p), os.ModePerm); err != nil {
			log.Fatalf("mkdirall: %v", err)
		}
		if _, err := os.Create(p); err != nil {
			log.Fatalf("err creating: %v", err)
		}
	}
}
