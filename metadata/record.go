package metadata

// Field names a resolved attribute of a [Record].
type Field string

const (
	FieldArtist  Field = "artist"
	FieldTitle   Field = "title"
	FieldAlbum   Field = "album"
	FieldYear    Field = "year"
	FieldGenre   Field = "genre"
	FieldTrack   Field = "track"
	FieldBPM     Field = "bpm"
	FieldKey     Field = "key"
	FieldCamelot Field = "camelot"
	FieldMix     Field = "mix"
)

// Source is where a resolved value came from.
type Source string

const (
	SourceTag         Source = "tag"
	SourceFingerprint Source = "fingerprint"
	SourceAnalysis    Source = "audio_analysis"
)

// Record is the canonical metadata for one file. Unknown values are empty.
// Records are built by [Resolver.Resolve] and not modified afterwards.
type Record struct {
	Artist  string `json:"artist"`
	Title   string `json:"title"`
	Album   string `json:"album"`
	Year    string `json:"year"`
	Genre   string `json:"genre"`
	Track   string `json:"track"`
	BPM     string `json:"bpm"`
	Key     string `json:"key"`
	Camelot string `json:"camelot"`
	Mix     string `json:"mix"`

	Sources    map[Field]Source  `json:"sources"`
	Confidence map[Field]float64 `json:"confidence,omitempty"`
}

// Enriched returns the fields whose value came from a source other than the file's own tags.
func (r *Record) Enriched() []Field {
	var fields []Field
	for _, f := range []Field{FieldArtist, FieldTitle, FieldBPM, FieldKey} {
		if s, ok := r.Sources[f]; ok && s != SourceTag {
			fields = append(fields, f)
		}
	}
	return fields
}

func (r *Record) Get(f Field) string {
	switch f {
	case FieldArtist:
		return r.Artist
	case FieldTitle:
		return r.Title
	case FieldAlbum:
		return r.Album
	case FieldYear:
		return r.Year
	case FieldGenre:
		return r.Genre
	case FieldTrack:
		return r.Track
	case FieldBPM:
		return r.BPM
	case FieldKey:
		return r.Key
	case FieldCamelot:
		return r.Camelot
	case FieldMix:
		return r.Mix
	}
	return ""
}

func (r *Record) set(f Field, v string, src Source) {
	switch f {
	case FieldArtist:
		r.Artist = v
	case FieldTitle:
		r.Title = v
	case FieldAlbum:
		r.Album = v
	case FieldYear:
		r.Year = v
	case FieldGenre:
		r.Genre = v
	case FieldTrack:
		r.Track = v
	case FieldBPM:
		r.BPM = v
	case FieldKey:
		r.Key = v
	case FieldCamelot:
		r.Camelot = v
	case FieldMix:
		r.Mix = v
	}
	if v == "" {
		return
	}
	if r.Sources == nil {
		r.Sources = map[Field]Source{}
	}
	r.Sources[f] = src
}

func (r *Record) confidence(f Field, c float64) {
	if r.Confidence == nil {
		r.Confidence = map[Field]float64{}
	}
	r.Confidence[f] = c
}
