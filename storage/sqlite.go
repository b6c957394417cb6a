package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"tidbyt.dev/predictions/model"
)

type SQLiteConfig struct {
	OnDisk    bool
	Directory string
}

type SQLiteArchive struct {
	SQLiteConfig

	db *sql.DB
}

func NewSQLiteArchive(cfg ...SQLiteConfig) (*SQLiteArchive, error) {
	onDisk := false
	directory := ""
	if len(cfg) > 0 {
		onDisk = cfg[0].OnDisk
		directory = cfg[0].Directory
	}

	sourceName := ":memory:"
	if onDisk {
		sourceName = directory + "/predictions.db"
	}

	db, err := sql.Open("sqlite3", sourceName)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// Each connection to :memory: is a separate database.
	if !onDisk {
		db.SetMaxOpenConns(1)
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT NOT NULL,
    url TEXT NOT NULL,
    retrieved_at INTEGER NOT NULL,
    timezone TEXT NOT NULL,
    num_routes INTEGER NOT NULL,
    num_stops INTEGER NOT NULL,
    num_trips INTEGER NOT NULL,
    max_departure TEXT NOT NULL,
PRIMARY KEY (hash, url)
);

CREATE TABLE IF NOT EXISTS predictions (
    vehicle_id TEXT NOT NULL,
    stop_id TEXT NOT NULL,
    stop_sequence INTEGER NOT NULL,
    route_id TEXT NOT NULL,
    route_short_name TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    block_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    prediction_time INTEGER NOT NULL,
    avl_time INTEGER NOT NULL,
    creation_time INTEGER NOT NULL,
    affected_by_wait_stop BOOLEAN NOT NULL,
    driver_id TEXT NOT NULL,
    passenger_count INTEGER NOT NULL,
    passenger_fullness REAL,
    is_arrival BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS predictions_time ON predictions (prediction_time);
CREATE INDEX IF NOT EXISTS predictions_stop ON predictions (stop_id, route_id);`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &SQLiteArchive{
		SQLiteConfig: SQLiteConfig{
			OnDisk:    onDisk,
			Directory: directory,
		},
		db: db,
	}, nil
}

func (a *SQLiteArchive) WritePredictions(preds []*model.Prediction) error {
	if len(preds) == 0 {
		return nil
	}

	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(predictionColumns)), ", ")
	stmt, err := tx.Prepare(fmt.Sprintf(
		"INSERT INTO predictions (%s) VALUES (%s)",
		strings.Join(predictionColumns, ", "),
		placeholders,
	))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range preds {
		_, err = stmt.Exec(predictionRow(p)...)
		if err != nil {
			return fmt.Errorf("inserting prediction: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (a *SQLiteArchive) ListPredictions(filter PredictionFilter) ([]*model.Prediction, error) {
	query := fmt.Sprintf("SELECT %s FROM predictions", strings.Join(predictionColumns, ", "))

	conditions := []string{}
	params := []interface{}{}
	if len(filter.VehicleIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf(
			"vehicle_id IN (%s)",
			strings.TrimSuffix(strings.Repeat("?, ", len(filter.VehicleIDs)), ", "),
		))
		for _, id := range filter.VehicleIDs {
			params = append(params, id)
		}
	}
	if filter.StopID != "" {
		conditions = append(conditions, "stop_id = ?")
		params = append(params, filter.StopID)
	}
	if filter.RouteID != "" {
		conditions = append(conditions, "route_id = ?")
		params = append(params, filter.RouteID)
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, "prediction_time >= ?")
		params = append(params, toMillis(filter.Start))
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, "prediction_time <= ?")
		params = append(params, toMillis(filter.End))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY prediction_time ASC, vehicle_id ASC, stop_sequence ASC"

	rows, err := a.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing predictions: %w", err)
	}
	defer rows.Close()

	preds := []*model.Prediction{}
	for rows.Next() {
		p, err := scanPrediction(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning prediction: %w", err)
		}
		preds = append(preds, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating predictions: %w", err)
	}

	return preds, nil
}

func (a *SQLiteArchive) DeletePredictionsBefore(t time.Time) (int64, error) {
	res, err := a.db.Exec("DELETE FROM predictions WHERE prediction_time < ?", toMillis(t))
	if err != nil {
		return 0, fmt.Errorf("deleting predictions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted predictions: %w", err)
	}

	return n, nil
}

func (a *SQLiteArchive) WriteFeed(feed *Feed) error {
	_, err := a.db.Exec(`
INSERT INTO feed (
    hash,
    url,
    retrieved_at,
    timezone,
    num_routes,
    num_stops,
    num_trips,
    max_departure
)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (hash, url) DO UPDATE SET
    retrieved_at = excluded.retrieved_at,
    timezone = excluded.timezone,
    num_routes = excluded.num_routes,
    num_stops = excluded.num_stops,
    num_trips = excluded.num_trips,
    max_departure = excluded.max_departure
`,
		feed.Hash,
		feed.URL,
		toMillis(feed.RetrievedAt),
		feed.Timezone,
		feed.NumRoutes,
		feed.NumStops,
		feed.NumTrips,
		feed.MaxDeparture,
	)
	if err != nil {
		return fmt.Errorf("writing feed: %w", err)
	}
	return nil
}

func (a *SQLiteArchive) ListFeeds(filter ListFeedsFilter) ([]*Feed, error) {
	query := `
SELECT
    hash,
    url,
    retrieved_at,
    timezone,
    num_routes,
    num_stops,
    num_trips,
    max_departure
FROM feed`

	conditions := []string{}
	params := []interface{}{}
	if filter.URL != "" {
		conditions = append(conditions, "url = ?")
		params = append(params, filter.URL)
	}
	if filter.Hash != "" {
		conditions = append(conditions, "hash = ?")
		params = append(params, filter.Hash)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	query += " ORDER BY retrieved_at DESC"

	rows, err := a.db.Query(query, params...)
	if err != nil {
		return nil, fmt.Errorf("listing feeds: %w", err)
	}
	defer rows.Close()

	feeds := []*Feed{}
	for rows.Next() {
		var feed Feed
		var retrievedAt int64
		err := rows.Scan(
			&feed.Hash,
			&feed.URL,
			&retrievedAt,
			&feed.Timezone,
			&feed.NumRoutes,
			&feed.NumStops,
			&feed.NumTrips,
			&feed.MaxDeparture,
		)
		if err != nil {
			return nil, fmt.Errorf("scanning feed: %w", err)
		}
		feed.RetrievedAt = fromMillis(retrievedAt)
		feeds = append(feeds, &feed)
	}

	return feeds, nil
}

func (a *SQLiteArchive) Close() error {
	if err := a.db.Close(); err != nil {
		return fmt.Errorf("closing db: %w", err)
	}
	return nil
}
