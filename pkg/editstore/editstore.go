// Package editstore holds the editable copy of a scenario's road network
// and points of interest. Each scenario gets its own SQLite database file,
// so cloning a scenario is a file copy and deleting one removes the file.
package editstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS road_nodes (
	id INTEGER PRIMARY KEY,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	tags TEXT
);
CREATE TABLE IF NOT EXISTS road_ways (
	id INTEGER PRIMARY KEY,
	node_ids TEXT NOT NULL,
	tags TEXT
);
CREATE TABLE IF NOT EXISTS pois (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	poi_type TEXT NOT NULL,
	lon REAL NOT NULL,
	lat REAL NOT NULL,
	properties TEXT
);
CREATE INDEX IF NOT EXISTS idx_pois_type ON pois (poi_type);
`

// Stats summarizes an imported road network.
type Stats struct {
	Nodes int
	Ways  int
}

// Store manages the per-scenario database files under a base directory.
type Store struct {
	baseDir string
	logger  *slog.Logger
}

// NewStore creates the base directory if needed.
func NewStore(baseDir string, logger *slog.Logger) (*Store, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating edit store dir: %w", err)
	}

	return &Store{baseDir: baseDir, logger: logger}, nil
}

// Path returns the database file of a scenario.
func (s *Store) Path(projectID, scenarioID int64) string {
	return filepath.Join(s.baseDir, fmt.Sprintf("p%d-s%d.sqlite", projectID, scenarioID))
}

func (s *Store) open(ctx context.Context, projectID, scenarioID int64) (*sql.DB, error) {
	db, err := sql.Open("sqlite", s.Path(projectID, scenarioID))
	if err != nil {
		return nil, fmt.Errorf("opening edit store: %w", err)
	}

	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("preparing edit store schema: %w", err)
	}

	return db, nil
}

type osmFile struct {
	Nodes []osmNode `xml:"node"`
	Ways  []osmWay  `xml:"way"`
}

type osmNode struct {
	ID   int64    `xml:"id,attr"`
	Lat  float64  `xml:"lat,attr"`
	Lon  float64  `xml:"lon,attr"`
	Tags []osmTag `xml:"tag"`
}

type osmWay struct {
	ID   int64    `xml:"id,attr"`
	Refs []osmRef `xml:"nd"`
	Tags []osmTag `xml:"tag"`
}

type osmRef struct {
	Ref int64 `xml:"ref,attr"`
}

type osmTag struct {
	Key   string `xml:"k,attr"`
	Value string `xml:"v,attr"`
}

// nodeElement and wayElement wrap the parse structs so the encoder emits
// the right element names.
func nodeElement(n osmNode) any {
	return struct {
		XMLName xml.Name `xml:"node"`
		osmNode
	}{osmNode: n}
}

func wayElement(w osmWay) any {
	return struct {
		XMLName xml.Name `xml:"way"`
		osmWay
	}{osmWay: w}
}

func tagMap(tags []osmTag) map[string]string {
	if len(tags) == 0 {
		return nil
	}

	m := make(map[string]string, len(tags))
	for _, t := range tags {
		m[t.Key] = t.Value
	}

	return m
}

// ImportRoadNetwork replaces the scenario's road network with the parsed
// OSM XML.
func (s *Store) ImportRoadNetwork(ctx context.Context, projectID, scenarioID int64, osmXML io.Reader) (Stats, error) {
	var parsed osmFile
	if err := xml.NewDecoder(osmXML).Decode(&parsed); err != nil {
		return Stats{}, fmt.Errorf("parsing osm xml: %w", err)
	}

	db, err := s.open(ctx, projectID, scenarioID)
	if err != nil {
		return Stats{}, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return Stats{}, err
	}
	defer tx.Rollback()

	for _, table := range []string{"road_nodes", "road_ways"} {
		if _, err := tx.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return Stats{}, fmt.Errorf("clearing %s: %w", table, err)
		}
	}

	for _, node := range parsed.Nodes {
		tags, err := json.Marshal(tagMap(node.Tags))
		if err != nil {
			return Stats{}, err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO road_nodes (id, lon, lat, tags) VALUES ($1, $2, $3, $4)",
			node.ID, node.Lon, node.Lat, string(tags))
		if err != nil {
			return Stats{}, fmt.Errorf("inserting node %d: %w", node.ID, err)
		}
	}

	for _, way := range parsed.Ways {
		ids := make([]int64, len(way.Refs))
		for i, ref := range way.Refs {
			ids[i] = ref.Ref
		}

		nodeIDs, err := json.Marshal(ids)
		if err != nil {
			return Stats{}, err
		}

		tags, err := json.Marshal(tagMap(way.Tags))
		if err != nil {
			return Stats{}, err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO road_ways (id, node_ids, tags) VALUES ($1, $2, $3)",
			way.ID, string(nodeIDs), string(tags))
		if err != nil {
			return Stats{}, fmt.Errorf("inserting way %d: %w", way.ID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return Stats{}, err
	}

	stats := Stats{Nodes: len(parsed.Nodes), Ways: len(parsed.Ways)}
	s.logger.DebugContext(ctx, "road network imported",
		"project_id", projectID, "scenario_id", scenarioID,
		"nodes", stats.Nodes, "ways", stats.Ways)

	return stats, nil
}

// ImportPOI replaces the scenario's points of interest of one type with the
// features of a collection. Non-point geometries are skipped.
func (s *Store) ImportPOI(ctx context.Context, projectID, scenarioID int64, poiType string, fc *geojson.FeatureCollection) (int, error) {
	db, err := s.open(ctx, projectID, scenarioID)
	if err != nil {
		return 0, err
	}
	defer db.Close()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM pois WHERE poi_type = $1", poiType); err != nil {
		return 0, fmt.Errorf("clearing pois: %w", err)
	}

	inserted := 0

	for _, f := range fc.Features {
		point, ok := f.Geometry.(orb.Point)
		if !ok {
			continue
		}

		props, err := json.Marshal(f.Properties)
		if err != nil {
			return 0, err
		}

		_, err = tx.ExecContext(ctx,
			"INSERT INTO pois (poi_type, lon, lat, properties) VALUES ($1, $2, $3, $4)",
			poiType, point[0], point[1], string(props))
		if err != nil {
			return 0, fmt.Errorf("inserting poi: %w", err)
		}

		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, err
	}

	return inserted, nil
}

// RoadNetworkStats counts the stored road network elements.
func (s *Store) RoadNetworkStats(ctx context.Context, projectID, scenarioID int64) (Stats, error) {
	db, err := s.open(ctx, projectID, scenarioID)
	if err != nil {
		return Stats{}, err
	}
	defer db.Close()

	var stats Stats

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM road_nodes").Scan(&stats.Nodes); err != nil {
		return Stats{}, err
	}

	if err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM road_ways").Scan(&stats.Ways); err != nil {
		return Stats{}, err
	}

	return stats, nil
}

// POIs returns the stored points of one type as a feature collection.
func (s *Store) POIs(ctx context.Context, projectID, scenarioID int64, poiType string) (*geojson.FeatureCollection, error) {
	db, err := s.open(ctx, projectID, scenarioID)
	if err != nil {
		return nil, err
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		"SELECT lon, lat, properties FROM pois WHERE poi_type = $1 ORDER BY id", poiType)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	fc := geojson.NewFeatureCollection()

	for rows.Next() {
		var (
			lon, lat float64
			props    string
		)

		if err := rows.Scan(&lon, &lat, &props); err != nil {
			return nil, err
		}

		f := geojson.NewFeature(orb.Point{lon, lat})
		if props != "" && props != "null" {
			if err := json.Unmarshal([]byte(props), &f.Properties); err != nil {
				return nil, fmt.Errorf("decoding poi properties: %w", err)
			}
		}

		fc.Append(f)
	}

	return fc, rows.Err()
}

// ExportRoadNetwork writes the stored road network back out as OSM XML.
func (s *Store) ExportRoadNetwork(ctx context.Context, projectID, scenarioID int64, w io.Writer) error {
	db, err := s.open(ctx, projectID, scenarioID)
	if err != nil {
		return err
	}
	defer db.Close()

	enc := xml.NewEncoder(w)
	enc.Indent("", "  ")

	root := xml.StartElement{
		Name: xml.Name{Local: "osm"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "version"}, Value: "0.6"}},
	}

	if err := enc.EncodeToken(root); err != nil {
		return err
	}

	if err := s.exportNodes(ctx, db, enc); err != nil {
		return err
	}

	if err := s.exportWays(ctx, db, enc); err != nil {
		return err
	}

	if err := enc.EncodeToken(root.End()); err != nil {
		return err
	}

	return enc.Flush()
}

func (s *Store) exportNodes(ctx context.Context, db *sql.DB, enc *xml.Encoder) error {
	rows, err := db.QueryContext(ctx, "SELECT id, lon, lat, tags FROM road_nodes ORDER BY id")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			node osmNode
			tags string
		)

		if err := rows.Scan(&node.ID, &node.Lon, &node.Lat, &tags); err != nil {
			return err
		}

		var tagValues map[string]string
		if err := json.Unmarshal([]byte(tags), &tagValues); err != nil {
			return err
		}

		for k, v := range tagValues {
			node.Tags = append(node.Tags, osmTag{Key: k, Value: v})
		}

		if err := enc.Encode(nodeElement(node)); err != nil {
			return err
		}
	}

	return rows.Err()
}

func (s *Store) exportWays(ctx context.Context, db *sql.DB, enc *xml.Encoder) error {
	rows, err := db.QueryContext(ctx, "SELECT id, node_ids, tags FROM road_ways ORDER BY id")
	if err != nil {
		return err
	}
	defer rows.Close()

	for rows.Next() {
		var (
			way           osmWay
			nodeIDs, tags string
		)

		if err := rows.Scan(&way.ID, &nodeIDs, &tags); err != nil {
			return err
		}

		var ids []int64
		if err := json.Unmarshal([]byte(nodeIDs), &ids); err != nil {
			return err
		}

		for _, id := range ids {
			way.Refs = append(way.Refs, osmRef{Ref: id})
		}

		var tagValues map[string]string
		if err := json.Unmarshal([]byte(tags), &tagValues); err != nil {
			return err
		}

		for k, v := range tagValues {
			way.Tags = append(way.Tags, osmTag{Key: k, Value: v})
		}

		if err := enc.Encode(wayElement(way)); err != nil {
			return err
		}
	}

	return rows.Err()
}

// Clone copies the source scenario's database file to the destination,
// replacing whatever was there.
func (s *Store) Clone(ctx context.Context, projectID, srcScenarioID, dstScenarioID int64) error {
	src, err := os.Open(s.Path(projectID, srcScenarioID))
	if err != nil {
		return fmt.Errorf("opening source edit store: %w", err)
	}
	defer src.Close()

	dst, err := os.Create(s.Path(projectID, dstScenarioID))
	if err != nil {
		return fmt.Errorf("creating cloned edit store: %w", err)
	}

	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()

		return fmt.Errorf("cloning edit store: %w", err)
	}

	if err := dst.Close(); err != nil {
		return err
	}

	s.logger.DebugContext(ctx, "edit store cloned",
		"project_id", projectID,
		"from_scenario", srcScenarioID, "to_scenario", dstScenarioID)

	return nil
}

// Remove deletes a scenario's database file. Removing a scenario that was
// never imported is not an error.
func (s *Store) Remove(ctx context.Context, projectID, scenarioID int64) error {
	err := os.Remove(s.Path(projectID, scenarioID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing edit store: %w", err)
	}

	return nil
}

// Size returns the scenario database file size in bytes, 0 when absent.
func (s *Store) Size(projectID, scenarioID int64) int64 {
	info, err := os.Stat(s.Path(projectID, scenarioID))
	if err != nil {
		return 0
	}

	return info.Size()
}
