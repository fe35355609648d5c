// Package stats persists per-turn simulation statistics to a local
// sqlite database. The runtime never writes here; example simulations
// record through it from their island callbacks.
package stats

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS turn_stats (
	island TEXT NOT NULL,
	turn INTEGER NOT NULL,
	metric TEXT NOT NULL,
	value REAL NOT NULL,
	PRIMARY KEY (island, turn, metric)
);
`

// Store is a sqlite-backed statistics sink. Safe for use from a single
// island; give each island its own store or its own metric names.
type Store struct {
	db *sql.DB
}

// Open creates or opens the database at path and ensures the schema.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open stats database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("initialize stats schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Record upserts one metric value for an island turn.
func (s *Store) Record(island string, turn uint32, metric string, value float64) error {
	_, err := s.db.Exec(`
		INSERT INTO turn_stats (island, turn, metric, value)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(island, turn, metric) DO UPDATE SET value = excluded.value`,
		island, turn, metric, value)
	if err != nil {
		return fmt.Errorf("record %s for island %s turn %d: %w", metric, island, turn, err)
	}
	return nil
}

// Point is one recorded value in turn order.
type Point struct {
	Turn  uint32
	Value float64
}

// Series returns every recorded value of a metric for an island,
// ordered by turn.
func (s *Store) Series(island, metric string) ([]Point, error) {
	rows, err := s.db.Query(`
		SELECT turn, value FROM turn_stats
		WHERE island = ? AND metric = ?
		ORDER BY turn`, island, metric)
	if err != nil {
		return nil, fmt.Errorf("query %s for island %s: %w", metric, island, err)
	}
	defer rows.Close()

	var points []Point
	for rows.Next() {
		var p Point
		if err := rows.Scan(&p.Turn, &p.Value); err != nil {
			return nil, err
		}
		points = append(points, p)
	}
	return points, rows.Err()
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}
