// Package arcgis queries an ArcGIS REST feature layer and converts its
// ESRI JSON features into GeoJSON.
package arcgis

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/veredas-cli/internal/fetcher"
	"github.com/sells-group/veredas-cli/internal/geodata"
)

// QueryResponse is the subset of a layer query response the fetcher reads.
type QueryResponse struct {
	Features              []RemoteFeature `json:"features"`
	ExceededTransferLimit bool            `json:"exceededTransferLimit,omitempty"`
	Error                 *ServiceError   `json:"error,omitempty"`
}

// RemoteFeature is one ESRI JSON feature.
type RemoteFeature struct {
	Attributes json.RawMessage `json:"attributes"`
	Geometry   *RemoteGeometry `json:"geometry"`
}

// RemoteGeometry holds polygon rings as [lon, lat] pairs.
type RemoteGeometry struct {
	Rings json.RawMessage `json:"rings"`
}

// ServiceError is the error object ArcGIS embeds in an HTTP 200 body.
type ServiceError struct {
	Code    int      `json:"code"`
	Message string   `json:"message"`
	Details []string `json:"details,omitempty"`
}

func (e *ServiceError) Error() string {
	msg := fmt.Sprintf("arcgis: service error %d: %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	return msg
}

// HTTPStatus returns the status-like code ArcGIS put in the body, so retry
// logging can classify it.
func (e *ServiceError) HTTPStatus() int { return e.Code }

// ToGeoJSON converts the feature to a Polygon feature. Attributes pass
// through untouched and rings are copied as the coordinate list.
func (f RemoteFeature) ToGeoJSON() *geodata.Feature {
	var rings json.RawMessage
	if f.Geometry != nil {
		rings = f.Geometry.Rings
	}
	return geodata.NewPolygonFeature(f.Attributes, rings)
}

// Client issues paged queries against one layer's /query endpoint.
type Client struct {
	url     string
	fetcher fetcher.Fetcher
}

// NewClient creates a Client for the given query URL.
func NewClient(queryURL string, f fetcher.Fetcher) *Client {
	return &Client{url: queryURL, fetcher: f}
}

// PageParams returns the form values for one page: every record, all
// fields, with geometry.
func PageParams(offset, count int) url.Values {
	return url.Values{
		"f":                 {"json"},
		"where":             {"1=1"},
		"outFields":         {"*"},
		"returnGeometry":    {"true"},
		"resultOffset":      {strconv.Itoa(offset)},
		"resultRecordCount": {strconv.Itoa(count)},
	}
}

// QueryPage requests count records starting at offset. A body that does not
// decode, or that carries an ArcGIS error object, is returned as an error.
func (c *Client) QueryPage(ctx context.Context, offset, count int) (*QueryResponse, error) {
	body, err := c.fetcher.PostForm(ctx, c.url, PageParams(offset, count))
	if err != nil {
		return nil, eris.Wrapf(err, "arcgis: query offset %d", offset)
	}
	defer body.Close() //nolint:errcheck

	resp, err := fetcher.DecodeJSONObject[QueryResponse](body)
	if err != nil {
		return nil, eris.Wrapf(err, "arcgis: malformed response at offset %d", offset)
	}
	if resp.Error != nil {
		return nil, eris.Wrapf(resp.Error, "arcgis: query offset %d", offset)
	}
	return resp, nil
}
