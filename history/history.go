// Package history provides the SQLite-backed store of node position
// observations over time. It enables trajectory visualization, historical
// playback, and growth statistics. Recording is throttled per node; a
// retention task prunes ageing rows. The database opens in WAL mode for
// concurrent-read semantics and every statement is parameterized.
package history

import (
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/Nursedude/meshforge-maps/errors"
	"github.com/Nursedude/meshforge-maps/geo"
)

// Store defaults.
const (
	DefaultThrottle     = 60 * time.Second
	DefaultRetention    = 30 * 24 * time.Hour
	MaxTrajectoryPoints = 1000
)

const schema = `
CREATE TABLE IF NOT EXISTS observations (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    node_id TEXT NOT NULL,
    timestamp INTEGER NOT NULL,
    latitude REAL NOT NULL,
    longitude REAL NOT NULL,
    altitude REAL,
    network TEXT,
    snr REAL,
    battery INTEGER,
    name TEXT
);
CREATE INDEX IF NOT EXISTS idx_obs_node_time ON observations (node_id, timestamp);
CREATE INDEX IF NOT EXISTS idx_obs_time ON observations (timestamp);
`

// Observation is one recorded position row.
type Observation struct {
	Timestamp int64    `json:"timestamp"`
	Latitude  float64  `json:"latitude"`
	Longitude float64  `json:"longitude"`
	Altitude  *float64 `json:"altitude,omitempty"`
	Network   string   `json:"network,omitempty"`
	SNR       *float64 `json:"snr,omitempty"`
	Battery   *int64   `json:"battery,omitempty"`
	Name      string   `json:"name,omitempty"`
}

// TrackedNode summarizes one node's observation history.
type TrackedNode struct {
	NodeID           string `json:"node_id"`
	ObservationCount int64  `json:"observation_count"`
	FirstSeen        int64  `json:"first_seen"`
	LastSeen         int64  `json:"last_seen"`
}

// DensityPoint is one heatmap grid cell.
type DensityPoint struct {
	Lat   float64 `json:"lat"`
	Lon   float64 `json:"lon"`
	Count int64   `json:"count"`
}

// Record carries the optional fields of a recorded observation.
type Record struct {
	Altitude  *float64
	Network   string
	SNR       *float64
	Battery   *int64
	Name      string
	Timestamp int64 // 0 means now
}

// Store is the node history database. A single connection serializes all
// access behind the store mutex; the throttle check and the insert happen
// under the same lock so concurrent callers cannot write duplicates.
type Store struct {
	throttle  time.Duration
	retention time.Duration
	logger    *slog.Logger

	mu           sync.Mutex
	conn         *sqlite.Conn
	lastRecorded map[string]int64
}

// Open creates or opens the history database at path. An empty path is
// rejected; use ":memory:" for tests.
func Open(path string, throttle, retention time.Duration, logger *slog.Logger) (*Store, error) {
	if path == "" {
		return nil, errors.WrapInvalid(errors.ErrMissingConfig, "history", "Open", "empty database path")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if throttle <= 0 {
		throttle = DefaultThrottle
	}
	if retention <= 0 {
		retention = DefaultRetention
	}

	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, errors.WrapFatal(err, "history", "Open", "data dir create")
		}
	}

	conn, err := sqlite.OpenConn(path)
	if err != nil {
		return nil, errors.WrapFatal(err, "history", "Open", "database open")
	}
	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "history", "Open", "schema create")
	}
	if err := sqlitex.ExecuteTransient(conn, "PRAGMA busy_timeout=5000;", nil); err != nil {
		conn.Close()
		return nil, errors.WrapFatal(err, "history", "Open", "pragma")
	}

	logger.Info("node history store opened", "path", path)
	return &Store{
		throttle:     throttle,
		retention:    retention,
		logger:       logger,
		conn:         conn,
		lastRecorded: make(map[string]int64),
	}, nil
}

// Close closes the database connection.
func (s *Store) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn != nil {
		if err := s.conn.Close(); err != nil {
			s.logger.Debug("history store close error", "error", err)
		}
		s.conn = nil
	}
}

// RecordObservation appends a position observation unless the node was
// recorded within the throttle window. Returns true when a row was written.
func (s *Store) RecordObservation(nodeID string, lat, lon float64, rec Record) bool {
	now := rec.Timestamp
	if now == 0 {
		now = time.Now().Unix()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return false
	}

	if last, ok := s.lastRecorded[nodeID]; ok && now-last < int64(s.throttle.Seconds()) {
		return false
	}

	err := sqlitex.Execute(s.conn,
		`INSERT INTO observations
		   (node_id, timestamp, latitude, longitude, altitude, network, snr, battery, name)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		&sqlitex.ExecOptions{
			Args: []any{
				nodeID, now, lat, lon,
				nullableFloat(rec.Altitude), rec.Network,
				nullableFloat(rec.SNR), nullableInt(rec.Battery), rec.Name,
			},
		})
	if err != nil {
		s.logger.Debug("failed to record observation", "node_id", nodeID, "error", err)
		return false
	}
	s.lastRecorded[nodeID] = now
	return true
}

// Trajectory returns a node's ordered observations within [since, until] as
// a GeoJSON Feature: a LineString for multiple points, a Point for exactly
// one, an empty FeatureCollection for none.
func (s *Store) Trajectory(nodeID string, since, until *int64, limit int) *geo.FeatureCollection {
	if limit <= 0 || limit > MaxTrajectoryPoints {
		limit = MaxTrajectoryPoints
	}

	query := "SELECT timestamp, latitude, longitude, altitude FROM observations WHERE node_id = ?"
	args := []any{nodeID}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	if until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *until)
	}
	query += " ORDER BY timestamp ASC, id ASC LIMIT ?"
	args = append(args, limit)

	type point struct {
		ts       int64
		lat, lon float64
		alt      *float64
	}
	var points []point

	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				p := point{
					ts:  stmt.ColumnInt64(0),
					lat: stmt.ColumnFloat(1),
					lon: stmt.ColumnFloat(2),
				}
				if stmt.ColumnType(3) != sqlite.TypeNull {
					alt := stmt.ColumnFloat(3)
					p.alt = &alt
				}
				points = append(points, p)
				return nil
			},
		})
	})

	if len(points) == 0 {
		return geo.NewFeatureCollection(nil, "trajectory")
	}

	coords := make([][]float64, 0, len(points))
	for _, p := range points {
		coord := []float64{p.lon, p.lat}
		if p.alt != nil {
			coord = append(coord, *p.alt)
		}
		coords = append(coords, coord)
	}

	var geometry *geo.Geometry
	if len(coords) == 1 {
		geometry = &geo.Geometry{Type: "Point", Coordinates: coords[0]}
	} else {
		geometry = geo.NewLineString(coords)
	}

	timeSpan := int64(0)
	if len(points) > 1 {
		timeSpan = points[len(points)-1].ts - points[0].ts
	}
	feature := &geo.Feature{
		Type:     "Feature",
		Geometry: geometry,
		Properties: map[string]any{
			"node_id":           nodeID,
			"point_count":       len(coords),
			"first_seen":        points[0].ts,
			"last_seen":         points[len(points)-1].ts,
			"time_span_seconds": timeSpan,
		},
	}
	fc := geo.NewFeatureCollection([]*geo.Feature{feature}, "trajectory")
	return fc
}

// NodeHistory returns a node's observations, most recent first, bounded by
// limit.
func (s *Store) NodeHistory(nodeID string, since *int64, limit int) []Observation {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT timestamp, latitude, longitude, altitude, network, snr, battery, name
	          FROM observations WHERE node_id = ?`
	args := []any{nodeID}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	query += " ORDER BY timestamp DESC, id DESC LIMIT ?"
	args = append(args, limit)

	observations := make([]Observation, 0)
	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				observations = append(observations, scanObservation(stmt))
				return nil
			},
		})
	})
	return observations
}

// TrackedNodes lists all nodes with observation counts and time ranges,
// most recently seen first.
func (s *Store) TrackedNodes() []TrackedNode {
	nodes := make([]TrackedNode, 0)
	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT node_id, COUNT(*), MIN(timestamp), MAX(timestamp)
			 FROM observations GROUP BY node_id ORDER BY MAX(timestamp) DESC`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					nodes = append(nodes, TrackedNode{
						NodeID:           stmt.ColumnText(0),
						ObservationCount: stmt.ColumnInt64(1),
						FirstSeen:        stmt.ColumnInt64(2),
						LastSeen:         stmt.ColumnInt64(3),
					})
					return nil
				},
			})
	})
	return nodes
}

// Snapshot returns, for every tracked node, the most recent observation at
// or before the timestamp, as a FeatureCollection of Points. Ties on
// timestamp are broken by the monotonic primary key so a node can never
// appear twice.
func (s *Store) Snapshot(timestamp int64) *geo.FeatureCollection {
	features := make([]*geo.Feature, 0)
	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT o.node_id, o.timestamp, o.latitude, o.longitude,
			        o.altitude, o.network, o.snr, o.battery, o.name
			 FROM observations o
			 INNER JOIN (
			     SELECT MAX(id) AS max_id
			     FROM observations
			     WHERE timestamp <= ?
			     GROUP BY node_id
			 ) latest ON o.id = latest.max_id`,
			&sqlitex.ExecOptions{
				Args: []any{timestamp},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					nodeID := stmt.ColumnText(0)
					obs := scanObservationFrom(stmt, 1)

					props := map[string]any{
						"id":        nodeID,
						"last_seen": obs.Timestamp,
					}
					if obs.Name != "" {
						props["name"] = obs.Name
					} else {
						props["name"] = nodeID
					}
					if obs.Network != "" {
						props["network"] = obs.Network
					} else {
						props["network"] = "unknown"
					}
					if obs.SNR != nil {
						props["snr"] = *obs.SNR
					}
					if obs.Battery != nil {
						props["battery"] = *obs.Battery
					}
					if obs.Altitude != nil {
						props["altitude"] = *obs.Altitude
					}

					var geometry *geo.Geometry
					if obs.Altitude != nil {
						geometry = geo.NewPointWithAltitude(obs.Latitude, obs.Longitude, *obs.Altitude)
					} else {
						geometry = geo.NewPoint(obs.Latitude, obs.Longitude)
					}
					features = append(features, &geo.Feature{
						Type:       "Feature",
						Geometry:   geometry,
						Properties: props,
					})
					return nil
				},
			})
	})

	fc := geo.NewFeatureCollection(features, "snapshot")
	fc.Properties["snapshot_time"] = timestamp
	fc.Properties["node_count"] = len(features)
	return fc
}

// DensityPoints groups observations into lat/lon grid cells (rounded to
// precision decimal places) for heatmap rendering, densest first.
func (s *Store) DensityPoints(since, until *int64, precision int, network string) []DensityPoint {
	if precision <= 0 || precision > 7 {
		precision = 4
	}

	query := `SELECT ROUND(latitude, ?), ROUND(longitude, ?), COUNT(*) AS cnt
	          FROM observations WHERE 1=1`
	args := []any{precision, precision}
	if since != nil {
		query += " AND timestamp >= ?"
		args = append(args, *since)
	}
	if until != nil {
		query += " AND timestamp <= ?"
		args = append(args, *until)
	}
	if network != "" {
		query += " AND network = ?"
		args = append(args, network)
	}
	query += " GROUP BY 1, 2 ORDER BY cnt DESC"

	points := make([]DensityPoint, 0)
	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, query, &sqlitex.ExecOptions{
			Args: args,
			ResultFunc: func(stmt *sqlite.Stmt) error {
				points = append(points, DensityPoint{
					Lat:   stmt.ColumnFloat(0),
					Lon:   stmt.ColumnFloat(1),
					Count: stmt.ColumnInt64(2),
				})
				return nil
			},
		})
	})
	return points
}

// PruneOldData deletes observations older than the retention period (or the
// explicit cutoff when non-zero). Returns the number of rows deleted.
func (s *Store) PruneOldData(before int64) int {
	if before == 0 {
		before = time.Now().Add(-s.retention).Unix()
	}

	deleted := 0
	s.withConn(func(conn *sqlite.Conn) error {
		err := sqlitex.Execute(conn,
			"DELETE FROM observations WHERE timestamp < ?",
			&sqlitex.ExecOptions{Args: []any{before}})
		if err != nil {
			return err
		}
		deleted = conn.Changes()
		return nil
	})
	if deleted > 0 {
		s.logger.Info("pruned old observations", "deleted", deleted)
	}
	return deleted
}

// ObservationCount returns the total number of stored observations.
func (s *Store) ObservationCount() int64 {
	var count int64
	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(*) FROM observations", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	return count
}

// NodeCount returns the number of distinct nodes with observations.
func (s *Store) NodeCount() int64 {
	var count int64
	s.withConn(func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn, "SELECT COUNT(DISTINCT node_id) FROM observations", &sqlitex.ExecOptions{
			ResultFunc: func(stmt *sqlite.Stmt) error {
				count = stmt.ColumnInt64(0)
				return nil
			},
		})
	})
	return count
}

// Query runs a parameterized read-only query under the store lock, invoking
// fn per row. The analytics module is the intended caller; no connection is
// ever exposed.
func (s *Store) Query(query string, args []any, fn func(stmt *sqlite.Stmt) error) error {
	var outerErr error
	s.withConn(func(conn *sqlite.Conn) error {
		outerErr = sqlitex.Execute(conn, query, &sqlitex.ExecOptions{Args: args, ResultFunc: fn})
		return outerErr
	})
	return outerErr
}

// withConn runs fn with the connection under the store lock. A closed store
// is a silent no-op; query errors are logged.
func (s *Store) withConn(fn func(conn *sqlite.Conn) error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return
	}
	if err := fn(s.conn); err != nil {
		s.logger.Error("history query failed", "error", err)
	}
}

func scanObservation(stmt *sqlite.Stmt) Observation {
	return scanObservationFrom(stmt, 0)
}

// scanObservationFrom reads (timestamp, lat, lon, altitude, network, snr,
// battery, name) starting at column base.
func scanObservationFrom(stmt *sqlite.Stmt, base int) Observation {
	obs := Observation{
		Timestamp: stmt.ColumnInt64(base),
		Latitude:  stmt.ColumnFloat(base + 1),
		Longitude: stmt.ColumnFloat(base + 2),
		Network:   stmt.ColumnText(base + 4),
		Name:      stmt.ColumnText(base + 7),
	}
	if stmt.ColumnType(base+3) != sqlite.TypeNull {
		alt := stmt.ColumnFloat(base + 3)
		obs.Altitude = &alt
	}
	if stmt.ColumnType(base+5) != sqlite.TypeNull {
		snr := stmt.ColumnFloat(base + 5)
		obs.SNR = &snr
	}
	if stmt.ColumnType(base+6) != sqlite.TypeNull {
		battery := stmt.ColumnInt64(base + 6)
		obs.Battery = &battery
	}
	return obs
}

func nullableFloat(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableInt(v *int64) any {
	if v == nil {
		return nil
	}
	return *v
}

// PathFor returns the conventional database path under a data directory.
func PathFor(dataDir string) string {
	return filepath.Join(dataDir, "maps_node_history.db")
}
