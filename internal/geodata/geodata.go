// Package geodata holds the GeoJSON FeatureCollection persisted by the
// fetcher and read by the indexer and exporter.
package geodata

import (
	"bufio"
	"encoding/json"
	"io"
	"os"
	"path/filepath"

	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"github.com/twpayne/go-geom/encoding/geojson"
)

const (
	// TypeFeatureCollection is the GeoJSON type of the aggregate file.
	TypeFeatureCollection = "FeatureCollection"
	// TypeFeature is the GeoJSON type of each record.
	TypeFeature = "Feature"
	// TypePolygon is the geometry type the fetcher emits.
	TypePolygon = "Polygon"
)

// FeatureCollection is the aggregate file. Features keep fetch order.
type FeatureCollection struct {
	Type     string     `json:"type"`
	Features []*Feature `json:"features"`
}

// Feature is a single GeoJSON feature. Properties are kept as raw JSON so the
// remote attributes pass through byte for byte.
type Feature struct {
	Type       string          `json:"type"`
	Properties json.RawMessage `json:"properties"`
	Geometry   *Geometry       `json:"geometry"`
}

// Geometry is a GeoJSON geometry with undecoded coordinates.
type Geometry struct {
	Type        string          `json:"type"`
	Coordinates json.RawMessage `json:"coordinates"`
}

// NewCollection returns an empty FeatureCollection.
func NewCollection() *FeatureCollection {
	return &FeatureCollection{Type: TypeFeatureCollection, Features: []*Feature{}}
}

// Len returns the number of features.
func (c *FeatureCollection) Len() int {
	return len(c.Features)
}

// Append adds features in order.
func (c *FeatureCollection) Append(features ...*Feature) {
	c.Features = append(c.Features, features...)
}

// NewPolygonFeature builds a Polygon feature from attributes and rings,
// copying both verbatim. Missing rings become an empty coordinate list.
func NewPolygonFeature(attributes, rings json.RawMessage) *Feature {
	if len(rings) == 0 || string(rings) == "null" {
		rings = json.RawMessage("[]")
	}
	if len(attributes) == 0 {
		attributes = json.RawMessage("null")
	}
	return &Feature{
		Type:       TypeFeature,
		Properties: attributes,
		Geometry:   &Geometry{Type: TypePolygon, Coordinates: rings},
	}
}

// Attributes decodes the feature properties. A null or absent properties
// object yields an empty map.
func (f *Feature) Attributes() (map[string]any, error) {
	attrs := map[string]any{}
	if len(f.Properties) == 0 || string(f.Properties) == "null" {
		return attrs, nil
	}
	if err := json.Unmarshal(f.Properties, &attrs); err != nil {
		return nil, eris.Wrap(err, "geodata: decode properties")
	}
	return attrs, nil
}

// Decode parses the geometry into a go-geom value.
func (g *Geometry) Decode() (geom.T, error) {
	if g == nil {
		return nil, eris.New("geodata: missing geometry")
	}
	raw, err := json.Marshal(g)
	if err != nil {
		return nil, eris.Wrap(err, "geodata: encode geometry")
	}
	var t geom.T
	if err := geojson.Unmarshal(raw, &t); err != nil {
		return nil, eris.Wrapf(err, "geodata: decode %s geometry", g.Type)
	}
	return t, nil
}

// Polygon decodes the geometry and returns it when it is a Polygon.
func (g *Geometry) Polygon() (*geom.Polygon, bool) {
	if g == nil || g.Type != TypePolygon {
		return nil, false
	}
	t, err := g.Decode()
	if err != nil {
		return nil, false
	}
	p, ok := t.(*geom.Polygon)
	return p, ok
}

// Load reads a FeatureCollection file fully into memory.
func Load(path string) (*FeatureCollection, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "geodata: read %s", path)
	}
	var fc FeatureCollection
	if err := json.Unmarshal(data, &fc); err != nil {
		return nil, eris.Wrapf(err, "geodata: decode %s", path)
	}
	if fc.Type == "" {
		fc.Type = TypeFeatureCollection
	}
	if fc.Features == nil {
		fc.Features = []*Feature{}
	}
	return &fc, nil
}

// Save writes the whole collection to path, replacing it atomically.
func Save(path string, fc *FeatureCollection) error {
	return WriteAtomic(path, func(w io.Writer) error {
		enc := json.NewEncoder(w)
		enc.SetEscapeHTML(false)
		return enc.Encode(fc)
	})
}

// Exists reports whether path names an existing regular file.
func Exists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}

// WriteAtomic streams write into a temp file beside path and renames it
// into place, so readers never observe a half-written file.
func WriteAtomic(path string, write func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return eris.Wrapf(err, "geodata: create temp file for %s", path)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) //nolint:errcheck

	bw := bufio.NewWriter(tmp)
	if err := write(bw); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "geodata: write %s", path)
	}
	if err := bw.Flush(); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "geodata: flush %s", path)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		return eris.Wrapf(err, "geodata: chmod %s", path)
	}
	if err := tmp.Close(); err != nil {
		return eris.Wrapf(err, "geodata: close %s", path)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return eris.Wrapf(err, "geodata: rename into %s", path)
	}
	return nil
}
