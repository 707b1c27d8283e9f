package editstore_test

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/WorldBank-Transport/ram-backend-sub000/pkg/editstore"
)

const sampleOSM = `<?xml version="1.0" encoding="UTF-8"?>
<osm version="0.6">
  <node id="1" lat="-2.0" lon="36.6"/>
  <node id="2" lat="-2.1" lon="36.7"/>
  <node id="3" lat="-2.2" lon="36.8"/>
  <way id="10">
    <nd ref="1"/>
    <nd ref="2"/>
    <nd ref="3"/>
    <tag k="highway" v="primary"/>
    <tag k="name" v="Main Road"/>
  </way>
</osm>`

func newStore(t *testing.T) *editstore.Store {
	t.Helper()

	store, err := editstore.NewStore(t.TempDir(), slog.Default())
	require.NoError(t, err)

	return store
}

func TestImportRoadNetwork(t *testing.T) {
	store := newStore(t)

	stats, err := store.ImportRoadNetwork(t.Context(), 1200, 1200, strings.NewReader(sampleOSM))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Nodes)
	assert.Equal(t, 1, stats.Ways)

	// A re-import replaces, not appends.
	stats, err = store.ImportRoadNetwork(t.Context(), 1200, 1200, strings.NewReader(sampleOSM))
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Nodes)

	counted, err := store.RoadNetworkStats(t.Context(), 1200, 1200)
	require.NoError(t, err)
	assert.Equal(t, stats, counted)

	assert.Positive(t, store.Size(1200, 1200))
	assert.Zero(t, store.Size(1200, 9999))
}

func TestImportRoadNetworkBadXML(t *testing.T) {
	store := newStore(t)

	_, err := store.ImportRoadNetwork(t.Context(), 1200, 1200, strings.NewReader("not xml"))
	assert.ErrorContains(t, err, "parsing osm xml")
}

func TestExportRoadNetworkRoundTrip(t *testing.T) {
	store := newStore(t)

	_, err := store.ImportRoadNetwork(t.Context(), 1200, 1200, strings.NewReader(sampleOSM))
	require.NoError(t, err)

	var out bytes.Buffer

	require.NoError(t, store.ExportRoadNetwork(t.Context(), 1200, 1200, &out))

	exported := out.String()
	assert.Contains(t, exported, `<node id="1"`)
	assert.Contains(t, exported, `<nd ref="2"`)
	assert.Contains(t, exported, `k="highway" v="primary"`)

	// The export parses back to the same shape.
	stats, err := store.ImportRoadNetwork(t.Context(), 1200, 1300, strings.NewReader(exported))
	require.NoError(t, err)
	assert.Equal(t, editstore.Stats{Nodes: 3, Ways: 1}, stats)
}

func TestImportPOI(t *testing.T) {
	store := newStore(t)

	fc := geojson.NewFeatureCollection()
	hospital := geojson.NewFeature(orb.Point{36.6, -2.0})
	hospital.Properties["name"] = "District Hospital"
	fc.Append(hospital)
	fc.Append(geojson.NewFeature(orb.LineString{{36.6, -2.0}, {36.7, -2.1}}))

	count, err := store.ImportPOI(t.Context(), 1200, 1200, "health", fc)
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	stored, err := store.POIs(t.Context(), 1200, 1200, "health")
	require.NoError(t, err)
	require.Len(t, stored.Features, 1)
	assert.Equal(t, "District Hospital", stored.Features[0].Properties["name"])
	assert.Equal(t, orb.Point{36.6, -2.0}, stored.Features[0].Point())

	empty, err := store.POIs(t.Context(), 1200, 1200, "education")
	require.NoError(t, err)
	assert.Empty(t, empty.Features)
}

func TestClone(t *testing.T) {
	store := newStore(t)

	_, err := store.ImportRoadNetwork(t.Context(), 1200, 1200, strings.NewReader(sampleOSM))
	require.NoError(t, err)

	require.NoError(t, store.Clone(t.Context(), 1200, 1200, 1300))

	stats, err := store.RoadNetworkStats(t.Context(), 1200, 1300)
	require.NoError(t, err)
	assert.Equal(t, editstore.Stats{Nodes: 3, Ways: 1}, stats)
}

func TestRemove(t *testing.T) {
	store := newStore(t)

	_, err := store.ImportRoadNetwork(t.Context(), 1200, 1200, strings.NewReader(sampleOSM))
	require.NoError(t, err)

	require.NoError(t, store.Remove(t.Context(), 1200, 1200))
	assert.Zero(t, store.Size(1200, 1200))

	// Removing again is fine.
	require.NoError(t, store.Remove(t.Context(), 1200, 1200))
}
