// Package overpass fetches OSM data from an Overpass API endpoint: the
// road network as OSM XML and points of interest as GeoJSON, both clipped
// to a bounding box.
package overpass

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
)

// DefaultEndpoint is the public Overpass API instance.
const DefaultEndpoint = "https://overpass-api.de/api/interpreter"

var (
	// ErrAreaTooComplex means the server gave up on the query, usually
	// because the bounding box covers too much data.
	ErrAreaTooComplex = errors.New("area too complex for overpass query")
	// ErrNoData means the query matched nothing.
	ErrNoData = errors.New("no data returned for area")
)

// Client queries an Overpass endpoint. Requests hitting the rate limit are
// retried with exponential backoff.
type Client struct {
	endpoint string
	http     *http.Client
	logger   *slog.Logger
	// maxRetryTime caps the backoff loop. Shortened in tests.
	maxRetryTime time.Duration
}

// Option customizes a Client.
type Option func(*Client)

// WithRetryTimeout caps how long rate-limited queries keep retrying.
func WithRetryTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.maxRetryTime = d
	}
}

// NewClient creates a client for the given endpoint; empty means the
// public instance.
func NewClient(endpoint string, logger *slog.Logger, opts ...Option) *Client {
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}

	c := &Client{
		endpoint:     endpoint,
		http:         &http.Client{Timeout: 5 * time.Minute},
		logger:       logger,
		maxRetryTime: 10 * time.Minute,
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// Query runs a raw Overpass QL query and returns the response body.
func (c *Client) Query(ctx context.Context, query string) ([]byte, error) {
	policy := backoff.WithContext(backoff.NewExponentialBackOff(
		backoff.WithMaxElapsedTime(c.maxRetryTime)), ctx)

	attempt := 0

	return backoff.RetryWithData(func() ([]byte, error) {
		attempt++
		c.logger.DebugContext(ctx, "querying overpass", "attempt", attempt)

		body, err := c.doQuery(ctx, query)
		if err != nil {
			var rateLimited *rateLimitError
			if errors.As(err, &rateLimited) {
				return nil, err
			}

			return nil, backoff.Permanent(err)
		}

		return body, nil
	}, policy)
}

type rateLimitError struct{}

func (*rateLimitError) Error() string { return "overpass rate limit hit" }

func (c *Client) doQuery(ctx context.Context, query string) ([]byte, error) {
	form := url.Values{"data": {query}}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, err
	}

	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("querying overpass: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests {
		return nil, &rateLimitError{}
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("overpass returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading overpass response: %w", err)
	}

	return body, nil
}

// BBox formats a [minX, minY, maxX, maxY] bounding box the way Overpass
// wants it: "S,W,N,E".
func BBox(bbox []float64) string {
	return fmt.Sprintf("%v,%v,%v,%v", bbox[1], bbox[0], bbox[3], bbox[2])
}

// FeatureCollectionBBox computes the Overpass bbox of a feature collection.
func FeatureCollectionBBox(fc *geojson.FeatureCollection) string {
	bound := fc.Features[0].Geometry.Bound()
	for _, f := range fc.Features[1:] {
		bound = bound.Union(f.Geometry.Bound())
	}

	return BBox([]float64{bound.Min[0], bound.Min[1], bound.Max[0], bound.Max[1]})
}

// RoadNetwork fetches the road network inside a bbox as OSM XML, suitable
// for the routing profile tooling.
func (c *Client) RoadNetwork(ctx context.Context, bbox string) ([]byte, error) {
	ql := fmt.Sprintf(`[out:xml];(
  way["highway"~"motorway|primary|secondary|tertiary|service|residential"](%s);
  >;
); out body;`, bbox)

	body, err := c.Query(ctx, ql)
	if err != nil {
		return nil, err
	}

	if remark := xmlRemark(body); remark != "" {
		return nil, fmt.Errorf("%w: %s", ErrAreaTooComplex, remark)
	}

	return body, nil
}

// Default tag selectors per POI type. Unlisted types match their value as
// a plain amenity tag.
var poiSelectors = map[string]string{
	"health":    `"amenity"~"clinic|doctors|hospital|health_post|pharmacy"`,
	"education": `"amenity"~"college|kindergarten|school|university"`,
	"financial": `"amenity"~"atm|bank|bureau_de_change|microfinance"`,
}

// POI fetches points of interest of the given types inside a bbox and
// returns a feature collection per type. Ways are reduced to their
// centroid so every feature is a point.
func (c *Client) POI(ctx context.Context, bbox string, poiTypes []string) (map[string]*geojson.FeatureCollection, error) {
	results := make(map[string]*geojson.FeatureCollection, len(poiTypes))

	for _, poiType := range poiTypes {
		selector, ok := poiSelectors[poiType]
		if !ok {
			selector = fmt.Sprintf(`"amenity"=%q`, poiType)
		}

		ql := fmt.Sprintf(`[out:json];(
  node[%s](%s);
  way[%s](%s);
  >;
); out body;`, selector, bbox, selector, bbox)

		body, err := c.Query(ctx, ql)
		if err != nil {
			return nil, fmt.Errorf("fetching %s pois: %w", poiType, err)
		}

		fc, err := elementsToPoints(body)
		if err != nil {
			return nil, fmt.Errorf("converting %s pois: %w", poiType, err)
		}

		results[poiType] = fc
	}

	return results, nil
}

type overpassResponse struct {
	Remark   string    `json:"remark"`
	Elements []element `json:"elements"`
}

type element struct {
	Type  string            `json:"type"`
	ID    int64             `json:"id"`
	Lat   float64           `json:"lat"`
	Lon   float64           `json:"lon"`
	Nodes []int64           `json:"nodes"`
	Tags  map[string]string `json:"tags"`
}

// elementsToPoints converts an Overpass JSON response into a point feature
// collection. Tagged nodes become points directly; ways become the
// centroid of their member nodes.
func elementsToPoints(body []byte) (*geojson.FeatureCollection, error) {
	var resp overpassResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("decoding overpass response: %w", err)
	}

	if resp.Remark != "" {
		return nil, fmt.Errorf("%w: %s", ErrAreaTooComplex, resp.Remark)
	}

	nodes := make(map[int64]orb.Point)

	for _, el := range resp.Elements {
		if el.Type == "node" {
			nodes[el.ID] = orb.Point{el.Lon, el.Lat}
		}
	}

	fc := geojson.NewFeatureCollection()

	for _, el := range resp.Elements {
		switch el.Type {
		case "node":
			if len(el.Tags) == 0 {
				// Bare way members.
				continue
			}

			fc.Append(newPOIFeature(nodes[el.ID], el.Tags))
		case "way":
			ring := make(orb.Ring, 0, len(el.Nodes))

			for _, id := range el.Nodes {
				if pt, ok := nodes[id]; ok {
					ring = append(ring, pt)
				}
			}

			if len(ring) == 0 {
				continue
			}

			centroid, _ := planar.CentroidArea(ring)
			fc.Append(newPOIFeature(centroid, el.Tags))
		}
	}

	return fc, nil
}

func newPOIFeature(pt orb.Point, tags map[string]string) *geojson.Feature {
	f := geojson.NewFeature(pt)

	if name, ok := tags["name"]; ok {
		f.Properties["name"] = name
	}

	if amenity, ok := tags["amenity"]; ok {
		f.Properties["amenity"] = amenity
	}

	return f
}

// xmlRemark extracts the error remark sometimes embedded in XML
// responses when the server gives up mid-query.
func xmlRemark(body []byte) string {
	const openTag, closeTag = "<remark>", "</remark>"

	s := string(body)

	start := strings.Index(s, openTag)
	if start < 0 {
		return ""
	}

	end := strings.Index(s[start:], closeTag)
	if end < 0 {
		return ""
	}

	return strings.TrimSpace(s[start+len(openTag) : start+end])
}
