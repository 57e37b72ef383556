package researchlink

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuild(t *testing.T) {
	t.Parallel()

	var b Builder
	require.NoError(t, b.AddSource("beatport", `https://www.beatport.com/search?q={{ query .Terms }}`))
	require.NoError(t, b.AddSource("discogs", `https://www.discogs.com/search/?q={{ query (join " " .Artist .Album) }}&type=all`))

	results, err := b.Build(Query{Artist: "Bicep", Title: "Glue", Mix: "Extended Mix", Album: "Bicep"})
	require.NoError(t, err)
	assert.Equal(t, []SearchResult{
		{Name: "beatport", URL: "https://www.beatport.com/search?q=Bicep+Glue+Extended+Mix"},
		{Name: "discogs", URL: "https://www.discogs.com/search/?q=Bicep+Bicep&type=all"},
	}, results)

	results, err = b.Build(Query{File: "01 untitled"})
	require.NoError(t, err)
	assert.Equal(t, "https://www.beatport.com/search?q=01+untitled", results[0].URL)

	var names []string
	for name := range b.IterSources() {
		names = append(names, name)
	}
	assert.Equal(t, []string{"beatport", "discogs"}, names)
}

func TestAddSourceErrors(t *testing.T) {
	t.Parallel()

	var b Builder
	assert.Error(t, b.AddSource("", "x"))
	assert.Error(t, b.AddSource("bad", "{{ .Nope"))
}

func TestBuildError(t *testing.T) {
	t.Parallel()

	var b Builder
	require.NoError(t, b.AddSource("bad", "{{ .Nope }}"))
	require.NoError(t, b.AddSource("good", "{{ query .Terms }}"))

	results, err := b.Build(Query{Title: "Glue"})
	assert.Error(t, err)
	assert.Equal(t, []SearchResult{{Name: "good", URL: "Glue"}}, results)
}

func TestNil(t *testing.T) {
	t.Parallel()

	var b *Builder
	results, err := b.Build(Query{Title: "Glue"})
	assert.NoError(t, err)
	assert.Nil(t, results)
}
