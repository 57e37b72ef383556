// researchlink builds search links for files which couldn't be fully resolved, so that
// the missing details can be looked up by hand.
package researchlink

import (
	"errors"
	"fmt"
	"iter"
	"net/url"
	"strings"
	texttemplate "text/template"
)

type source struct {
	name     string
	template *texttemplate.Template
}

type Builder struct {
	sources []source
}

func (b *Builder) IterSources() iter.Seq2[string, *texttemplate.Template] {
	return func(yield func(string, *texttemplate.Template) bool) {
		if b == nil {
			return
		}
		for _, s := range b.sources {
			if !yield(s.name, s.template) {
				break
			}
		}
	}
}

func (b *Builder) AddSource(name, templRaw string) error {
	if name == "" {
		return fmt.Errorf("no name")
	}
	templ, err := texttemplate.New("template").Funcs(funcMap).Option("missingkey=error").Parse(templRaw)
	if err != nil {
		return fmt.Errorf("parse template: %w", err)
	}
	b.sources = append(b.sources, source{
		name:     name,
		template: templ,
	})
	return nil
}

// Query is what's known about a file. File is its base name without extension.
type Query struct {
	Artist string
	Title  string
	Mix    string
	Album  string
	File   string
}

// Terms are the words to search for, the artist and title when known, else the file name.
func (q Query) Terms() string {
	if q.Artist == "" && q.Title == "" {
		return q.File
	}
	return strings.Join(filter(q.Artist, q.Title, q.Mix), " ")
}

type SearchResult struct {
	Name string `json:"name" yaml:"name"`
	URL  string `json:"url" yaml:"url"`
}

func (b *Builder) Build(query Query) ([]SearchResult, error) {
	if b == nil {
		return nil, nil
	}
	var results []SearchResult
	var buildErrs []error
	for _, s := range b.sources {
		var buff strings.Builder
		if err := s.template.Execute(&buff, query); err != nil {
			buildErrs = append(buildErrs, fmt.Errorf("%s: %w", s.name, err))
			continue
		}
		results = append(results, SearchResult{Name: s.name, URL: buff.String()})
	}
	return results, errors.Join(buildErrs...)
}

var funcMap = texttemplate.FuncMap{
	"join":  func(delim string, items ...string) string { return strings.Join(filter(items...), delim) },
	"query": url.QueryEscape,
	"path":  url.PathEscape,
}

func filter(items ...string) []string {
	var r []string
	for _, i := range items {
		if i = strings.TrimSpace(i); i != "" {
			r = append(r, i)
		}
	}
	return r
}
