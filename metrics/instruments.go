package metrics

import (
	"go.opentelemetry.io/otel/metric"
)

// Ingest metrics
var (
	// IngestDuration measures time spent turning feeds into predictions
	IngestDuration metric.Float64Histogram

	// PredictionsIngested counts predictions handed to the cache
	PredictionsIngested metric.Int64Counter

	// TripUpdatesSkipped counts trip updates that couldn't be
	// matched to the schedule
	TripUpdatesSkipped metric.Int64Counter

	// VehiclesRemoved counts vehicles dropped for cancellation or
	// disappearing from the feed
	VehiclesRemoved metric.Int64Counter
)

// Refresh metrics
var (
	// RefreshTotal counts refresh cycles by status
	RefreshTotal metric.Int64Counter

	// RefreshDuration measures the duration of refresh cycles
	RefreshDuration metric.Float64Histogram

	// PredictionsExpired counts predictions removed by the sweep
	PredictionsExpired metric.Int64Counter
)

// API metrics
var (
	// APIRequestsTotal counts API requests by endpoint and status
	APIRequestsTotal metric.Int64Counter
)

func initializeInstruments() error {
	var err error

	IngestDuration, err = Meter.Float64Histogram(
		"ingest.duration",
		metric.WithDescription("Duration of realtime feed ingestion"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1.0, 2.5),
	)
	if err != nil {
		return err
	}

	PredictionsIngested, err = Meter.Int64Counter(
		"ingest.predictions",
		metric.WithDescription("Predictions handed to the cache"),
		metric.WithUnit("{prediction}"),
	)
	if err != nil {
		return err
	}

	TripUpdatesSkipped, err = Meter.Int64Counter(
		"ingest.trip_updates.skipped",
		metric.WithDescription("Trip updates not matching the static schedule"),
		metric.WithUnit("{trip_update}"),
	)
	if err != nil {
		return err
	}

	VehiclesRemoved, err = Meter.Int64Counter(
		"ingest.vehicles.removed",
		metric.WithDescription("Vehicles whose predictions were dropped"),
		metric.WithUnit("{vehicle}"),
	)
	if err != nil {
		return err
	}

	RefreshTotal, err = Meter.Int64Counter(
		"refresh.total",
		metric.WithDescription("Refresh cycles by status"),
		metric.WithUnit("{cycle}"),
	)
	if err != nil {
		return err
	}

	RefreshDuration, err = Meter.Float64Histogram(
		"refresh.duration",
		metric.WithDescription("Duration of refresh cycles"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.1, 0.25, 0.5, 1.0, 2.5, 5.0, 10.0, 30.0),
	)
	if err != nil {
		return err
	}

	PredictionsExpired, err = Meter.Int64Counter(
		"cache.predictions.expired",
		metric.WithDescription("Expired predictions removed by the sweep"),
		metric.WithUnit("{prediction}"),
	)
	if err != nil {
		return err
	}

	APIRequestsTotal, err = Meter.Int64Counter(
		"api.requests.total",
		metric.WithDescription("API requests by endpoint and status"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return err
	}

	return nil
}
