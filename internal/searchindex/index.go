// Package searchindex derives a compact, name-sorted lookup table of veredas
// with a representative point for each, from a GeoJSON FeatureCollection.
package searchindex

import (
	"encoding/json"
	"io"
	"sort"
	"strings"

	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/veredas-cli/internal/geodata"
)

// Entry is one row of the search index.
type Entry struct {
	Vereda       string  `json:"vereda"`
	Department   string  `json:"department"`
	Municipality string  `json:"municipality"`
	Lon          float64 `json:"lon"`
	Lat          float64 `json:"lat"`
	Code         string  `json:"code"`
}

// Fields names the feature properties an Entry is read from.
type Fields struct {
	Name         string
	Department   string
	Municipality string
	Code         string
}

// DefaultFields matches the VEREDAS_2016 layer schema.
func DefaultFields() Fields {
	return Fields{
		Name:         "NOMBRE_VER",
		Department:   "NOM_DEP",
		Municipality: "NOMB_MPIO",
		Code:         "CODIGO_VER",
	}
}

// Stats counts how the input features were handled.
type Stats struct {
	Total       int
	Indexed     int
	Excluded    int
	MissingName int // empty name or department
	BadGeometry int // not a polygon, undecodable, or empty first ring
}

// Build converts every eligible feature into an Entry and returns the entries
// sorted by vereda name. Features are excluded when the name or department
// is empty, or when the geometry is not a Polygon with a non-empty first ring.
func Build(fc *geodata.FeatureCollection, fields Fields) ([]Entry, Stats) {
	log := zap.L().With(zap.String("component", "searchindex"))

	entries := make([]Entry, 0, fc.Len())
	var st Stats
	for i, f := range fc.Features {
		st.Total++
		if f == nil {
			st.BadGeometry++
			continue
		}

		attrs, err := f.Attributes()
		if err != nil {
			log.Debug("skipping feature with unreadable properties", zap.Int("feature", i), zap.Error(err))
			st.MissingName++
			continue
		}
		name := Text(attrs[fields.Name])
		dept := Text(attrs[fields.Department])
		if name == "" || dept == "" {
			st.MissingName++
			continue
		}

		poly, ok := f.Geometry.Polygon()
		if !ok {
			st.BadGeometry++
			continue
		}
		lon, lat, ok := Centroid(poly)
		if !ok {
			st.BadGeometry++
			continue
		}

		entries = append(entries, Entry{
			Vereda:       name,
			Department:   dept,
			Municipality: Text(attrs[fields.Municipality]),
			Lon:          lon,
			Lat:          lat,
			Code:         Text(attrs[fields.Code]),
		})
	}

	sort.SliceStable(entries, func(a, b int) bool {
		return entries[a].Vereda < entries[b].Vereda
	})

	st.Indexed = len(entries)
	st.Excluded = st.Total - st.Indexed
	return entries, st
}

// Centroid returns the unweighted mean of the first ring's vertices. The
// second result is false when the polygon has no rings or the first ring has
// no vertices.
func Centroid(p *geom.Polygon) (lon, lat float64, ok bool) {
	if p == nil || p.NumLinearRings() == 0 {
		return 0, 0, false
	}
	// An empty ring decodes without a layout, so read the flat coordinates
	// rather than asking the ring for its coordinate count.
	ring := p.LinearRing(0)
	flat, stride := ring.FlatCoords(), ring.Stride()
	if stride < 2 || len(flat) < stride {
		return 0, 0, false
	}
	var sumX, sumY float64
	n := 0
	for i := 0; i+stride <= len(flat); i += stride {
		sumX += flat[i]
		sumY += flat[i+1]
		n++
	}
	return sumX / float64(n), sumY / float64(n), true
}

// Text renders a property value as a string. Strings are returned as is,
// null becomes empty, and anything else is rendered as its JSON text.
func Text(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return strings.TrimSpace(string(b))
	}
}

// Write stores entries at path as a pretty-printed JSON array. Non-ASCII
// text is written literally.
func Write(path string, entries []Entry) error {
	if entries == nil {
		entries = []Entry{}
	}
	return geodata.WriteAtomic(path, func(w io.Writer) error {
		return encode(w, entries)
	})
}

func encode(w io.Writer, entries []Entry) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	enc.SetEscapeHTML(false)
	return enc.Encode(entries)
}
