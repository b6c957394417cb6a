package storage

import (
	"database/sql"
	"math"
	"time"

	"tidbyt.dev/predictions/model"
)

// Columns of the predictions table, in insert order.
var predictionColumns = []string{
	"vehicle_id",
	"stop_id",
	"stop_sequence",
	"route_id",
	"route_short_name",
	"trip_id",
	"block_id",
	"headsign",
	"prediction_time",
	"avl_time",
	"creation_time",
	"affected_by_wait_stop",
	"driver_id",
	"passenger_count",
	"passenger_fullness",
	"is_arrival",
}

// Timestamps are stored as epoch milliseconds, with 0 for the zero
// time.
func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}

func toNullFloat(f float64) sql.NullFloat64 {
	if math.IsNaN(f) {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: f, Valid: true}
}

func fromNullFloat(f sql.NullFloat64) float64 {
	if !f.Valid {
		return math.NaN()
	}
	return f.Float64
}

// Row values of a prediction, matching predictionColumns.
func predictionRow(p *model.Prediction) []interface{} {
	return []interface{}{
		p.VehicleID,
		p.StopID,
		int64(p.StopSequence),
		p.RouteID,
		p.RouteShortName,
		p.TripID,
		p.BlockID,
		p.Headsign,
		toMillis(p.PredictionTime),
		toMillis(p.AVLTime),
		toMillis(p.CreationTime),
		p.AffectedByWaitStop,
		p.DriverID,
		int64(p.PassengerCount),
		toNullFloat(p.PassengerFullness),
		p.IsArrival,
	}
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPrediction(row rowScanner) (*model.Prediction, error) {
	var p model.Prediction
	var stopSequence, predictionTime, avlTime, creationTime, passengerCount int64
	var fullness sql.NullFloat64

	err := row.Scan(
		&p.VehicleID,
		&p.StopID,
		&stopSequence,
		&p.RouteID,
		&p.RouteShortName,
		&p.TripID,
		&p.BlockID,
		&p.Headsign,
		&predictionTime,
		&avlTime,
		&creationTime,
		&p.AffectedByWaitStop,
		&p.DriverID,
		&passengerCount,
		&fullness,
		&p.IsArrival,
	)
	if err != nil {
		return nil, err
	}

	p.StopSequence = uint32(stopSequence)
	p.PredictionTime = fromMillis(predictionTime)
	p.AVLTime = fromMillis(avlTime)
	p.CreationTime = fromMillis(creationTime)
	p.PassengerCount = int(passengerCount)
	p.PassengerFullness = fromNullFloat(fullness)

	return &p, nil
}
