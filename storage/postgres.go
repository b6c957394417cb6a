package storage

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/lib/pq"

	"tidbyt.dev/predictions/model"
)

const (
	PSQLPredictionBatchSize = 5000
)

type PSQLArchive struct {
	db *sql.DB
}

// Creates a new Postgres Archive using the provided connection string.
//
// If clearDB is true, the database will be cleared on startup. You
// probably only want this for testing.
func NewPSQLArchive(connStr string, clearDB bool) (*PSQLArchive, error) {
	db, err := sql.Open("postgres", connStr)
	if err != nil {
		return nil, fmt.Errorf("failed to open db: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping db: %w", err)
	}

	if clearDB {
		_, err = db.Exec(`
DROP TABLE IF EXISTS feed;
DROP TABLE IF EXISTS predictions;
`)
		if err != nil {
			return nil, fmt.Errorf("clearing db: %w", err)
		}
	}

	_, err = db.Exec(`
CREATE TABLE IF NOT EXISTS feed (
    hash TEXT NOT NULL,
    url TEXT NOT NULL,
    retrieved_at BIGINT NOT NULL,
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
    stop_sequence BIGINT NOT NULL,
    route_id TEXT NOT NULL,
    route_short_name TEXT NOT NULL,
    trip_id TEXT NOT NULL,
    block_id TEXT NOT NULL,
    headsign TEXT NOT NULL,
    prediction_time BIGINT NOT NULL,
    avl_time BIGINT NOT NULL,
    creation_time BIGINT NOT NULL,
    affected_by_wait_stop BOOLEAN NOT NULL,
    driver_id TEXT NOT NULL,
    passenger_count INTEGER NOT NULL,
    passenger_fullness DOUBLE PRECISION,
    is_arrival BOOLEAN NOT NULL
);

CREATE INDEX IF NOT EXISTS predictions_time ON predictions (prediction_time);
CREATE INDEX IF NOT EXISTS predictions_stop ON predictions (stop_id, route_id);`)
	if err != nil {
		return nil, fmt.Errorf("creating tables: %w", err)
	}

	return &PSQLArchive{
		db: db,
	}, nil
}

func (a *PSQLArchive) Close() error {
	err := a.db.Close()
	if err != nil {
		return fmt.Errorf("failed to close db: %w", err)
	}
	return nil
}

func (a *PSQLArchive) WritePredictions(preds []*model.Prediction) error {
	for len(preds) > 0 {
		n := min(len(preds), PSQLPredictionBatchSize)
		if err := a.copyPredictions(preds[:n]); err != nil {
			return err
		}
		preds = preds[n:]
	}
	return nil
}

func (a *PSQLArchive) copyPredictions(preds []*model.Prediction) error {
	tx, err := a.db.Begin()
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(pq.CopyIn("predictions", predictionColumns...))
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	for _, p := range preds {
		_, err = stmt.Exec(predictionRow(p)...)
		if err != nil {
			return fmt.Errorf("COPY prediction: %w", err)
		}
	}

	_, err = stmt.Exec()
	if err != nil {
		return fmt.Errorf("executing statement: %w", err)
	}

	err = tx.Commit()
	if err != nil {
		return fmt.Errorf("committing: %w", err)
	}

	return nil
}

func (a *PSQLArchive) ListPredictions(filter PredictionFilter) ([]*model.Prediction, error) {
	query := fmt.Sprintf("SELECT %s FROM predictions", strings.Join(predictionColumns, ", "))

	conditions := []string{}
	params := []interface{}{}
	paramCount := 1

	if len(filter.VehicleIDs) > 0 {
		conditions = append(conditions, fmt.Sprintf("vehicle_id = ANY($%d)", paramCount))
		params = append(params, pq.Array(filter.VehicleIDs))
		paramCount++
	}
	if filter.StopID != "" {
		conditions = append(conditions, fmt.Sprintf("stop_id = $%d", paramCount))
		params = append(params, filter.StopID)
		paramCount++
	}
	if filter.RouteID != "" {
		conditions = append(conditions, fmt.Sprintf("route_id = $%d", paramCount))
		params = append(params, filter.RouteID)
		paramCount++
	}
	if !filter.Start.IsZero() {
		conditions = append(conditions, fmt.Sprintf("prediction_time >= $%d", paramCount))
		params = append(params, toMillis(filter.Start))
		paramCount++
	}
	if !filter.End.IsZero() {
		conditions = append(conditions, fmt.Sprintf("prediction_time <= $%d", paramCount))
		params = append(params, toMillis(filter.End))
		paramCount++
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

func (a *PSQLArchive) DeletePredictionsBefore(t time.Time) (int64, error) {
	res, err := a.db.Exec("DELETE FROM predictions WHERE prediction_time < $1", toMillis(t))
	if err != nil {
		return 0, fmt.Errorf("deleting predictions: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("counting deleted predictions: %w", err)
	}

	return n, nil
}

func (a *PSQLArchive) WriteFeed(feed *Feed) error {
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
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
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

func (a *PSQLArchive) ListFeeds(filter ListFeedsFilter) ([]*Feed, error) {
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
	paramCount := 1

	if filter.URL != "" {
		conditions = append(conditions, fmt.Sprintf("url = $%d", paramCount))
		params = append(params, filter.URL)
		paramCount++
	}
	if filter.Hash != "" {
		conditions = append(conditions, fmt.Sprintf("hash = $%d", paramCount))
		params = append(params, filter.Hash)
		paramCount++
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
