// Package shpexport writes vereda polygons to an ESRI shapefile.
package shpexport

import (
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/jonas-p/go-shp"
	"github.com/rotisserie/eris"
	"github.com/twpayne/go-geom"
	"go.uber.org/zap"

	"github.com/sells-group/veredas-cli/internal/geodata"
	"github.com/sells-group/veredas-cli/internal/searchindex"
)

// Attribute columns and their DBF widths.
const (
	FieldVereda = "VEREDA"
	FieldDepto  = "DEPTO"
	FieldMpio   = "MPIO"
	FieldCodigo = "CODIGO"
)

var columns = []shp.Field{
	shp.StringField(FieldVereda, 120),
	shp.StringField(FieldDepto, 80),
	shp.StringField(FieldMpio, 80),
	shp.StringField(FieldCodigo, 24),
}

// Stats reports how many features were written and skipped.
type Stats struct {
	Written int
	Skipped int
}

// Export writes every feature whose geometry decodes to a non-empty Polygon
// to the shapefile at path, which must end in .shp. Rings are written in
// their stored order and orientation. A .cpg sidecar declares UTF-8
// attribute text.
func Export(fc *geodata.FeatureCollection, path string, fields searchindex.Fields) (Stats, error) {
	if !strings.EqualFold(filepath.Ext(path), ".shp") {
		return Stats{}, eris.Errorf("shpexport: output %q must have a .shp extension", path)
	}
	log := zap.L().With(zap.String("component", "shpexport"))

	w, err := shp.Create(path, shp.POLYGON)
	if err != nil {
		return Stats{}, eris.Wrapf(err, "shpexport: create %s", path)
	}
	defer w.Close()

	if err := w.SetFields(columns); err != nil {
		return Stats{}, eris.Wrap(err, "shpexport: set fields")
	}

	var st Stats
	for i, f := range fc.Features {
		if f == nil {
			st.Skipped++
			continue
		}
		poly, ok := f.Geometry.Polygon()
		if !ok {
			st.Skipped++
			continue
		}
		shape, ok := toShape(poly)
		if !ok {
			st.Skipped++
			continue
		}
		attrs, err := f.Attributes()
		if err != nil {
			log.Debug("skipping feature with unreadable properties", zap.Int("feature", i), zap.Error(err))
			st.Skipped++
			continue
		}

		row := int(w.Write(shape))
		values := []string{
			searchindex.Text(attrs[fields.Name]),
			searchindex.Text(attrs[fields.Department]),
			searchindex.Text(attrs[fields.Municipality]),
			searchindex.Text(attrs[fields.Code]),
		}
		for col, v := range values {
			if err := w.WriteAttribute(row, col, truncate(v, int(columns[col].Size))); err != nil {
				return st, eris.Wrapf(err, "shpexport: write attribute %s of record %d", strings.TrimRight(columns[col].String(), "\x00"), row)
			}
		}
		st.Written++
	}

	cpg := strings.TrimSuffix(path, filepath.Ext(path)) + ".cpg"
	if err := os.WriteFile(cpg, []byte("UTF-8"), 0o644); err != nil {
		return st, eris.Wrapf(err, "shpexport: write %s", cpg)
	}

	log.Info("shapefile written",
		zap.String("path", path),
		zap.Int("written", st.Written),
		zap.Int("skipped", st.Skipped),
	)
	return st, nil
}

// toShape converts every ring of p into a shapefile part. Empty rings are
// dropped; a polygon with no remaining parts is rejected.
func toShape(p *geom.Polygon) (*shp.Polygon, bool) {
	var parts [][]shp.Point
	for i := range p.NumLinearRings() {
		ring := p.LinearRing(i)
		flat, stride := ring.FlatCoords(), ring.Stride()
		if stride < 2 || len(flat) < stride {
			continue
		}
		pts := make([]shp.Point, 0, len(flat)/stride)
		for j := 0; j+stride <= len(flat); j += stride {
			pts = append(pts, shp.Point{X: flat[j], Y: flat[j+1]})
		}
		parts = append(parts, pts)
	}
	if len(parts) == 0 {
		return nil, false
	}
	pl := shp.NewPolyLine(parts)
	poly := shp.Polygon(*pl)
	return &poly, true
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}
