package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tidbyt.dev/predictions"
	"tidbyt.dev/predictions/metrics"
)

const (
	DefaultRadius    = 500.0
	DefaultMaxRadius = 5000.0
)

type Options struct {
	// Radius in meters for nearby queries without one.
	DefaultRadius float64

	// Upper bound on the radius parameter.
	MaxRadius float64

	// Overridable in tests.
	TimeNow func() time.Time
}

type server struct {
	cache *predictions.Cache
	opts  Options
}

// Creates the HTTP API on top of cache.
func NewServer(cache *predictions.Cache, opts Options) http.Handler {
	if opts.DefaultRadius <= 0 {
		opts.DefaultRadius = DefaultRadius
	}
	if opts.MaxRadius <= 0 {
		opts.MaxRadius = DefaultMaxRadius
	}
	if opts.TimeNow == nil {
		opts.TimeNow = time.Now
	}

	s := &server{cache: cache, opts: opts}

	mux := http.NewServeMux()
	mux.Handle("GET /api/health", s.instrument("health", s.handleHealth))
	mux.Handle("GET /api/predictions", s.instrument("predictions", s.handlePredictions))
	mux.Handle("GET /api/predictions/nearby", s.instrument("nearby", s.handleNearby))
	mux.Handle("GET /gtfs-rt/trip-updates", s.instrument("trip_updates", s.handleTripUpdates))

	return otelhttp.NewHandler(withCORS(mux), "predictions-api")
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "*")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *server) instrument(endpoint string, h http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		h(rec, r)
		metrics.APIRequestsTotal.Add(r.Context(), 1, metric.WithAttributes(
			attribute.String("endpoint", endpoint),
			attribute.Int("status", rec.status),
		))
	})
}

func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Keys:          s.cache.Len(),
		CatalogLoaded: s.cache.Catalog() != nil,
	})
}

func (s *server) handlePredictions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	stopID := q.Get("stop")
	if stopID == "" {
		writeError(w, http.StatusBadRequest, "stop is required")
		return
	}

	maxPredictions, err := parseMax(q.Get("max"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	maxTime, err := s.parseHorizon(q.Get("horizon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.cache.Predictions(predictions.Query{
		RouteID:        q.Get("route"),
		StopID:         stopID,
		MaxPredictions: maxPredictions,
		MaxTime:        maxTime,
	})

	writeJSON(w, http.StatusOK, predictionsResponse{
		Time:        s.opts.TimeNow(),
		Predictions: toStopPredictionsJSON(result),
	})
}

func (s *server) handleNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	lat, err := parseCoordinate(q.Get("lat"), "lat", 90)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	lon, err := parseCoordinate(q.Get("lon"), "lon", 180)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	radius := s.opts.DefaultRadius
	if v := q.Get("radius"); v != "" {
		radius, err = strconv.ParseFloat(v, 64)
		if err != nil || math.IsNaN(radius) || radius <= 0 || radius > s.opts.MaxRadius {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("radius must be in (0, %g]", s.opts.MaxRadius))
			return
		}
	}

	maxPredictions, err := parseMax(q.Get("max"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if maxPredictions == 0 {
		maxPredictions = predictions.MaxPredictions
	}

	maxTime, err := s.parseHorizon(q.Get("horizon"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	result := s.cache.Nearby(lat, lon, radius, maxPredictions, maxTime)

	writeJSON(w, http.StatusOK, predictionsResponse{
		Time:        s.opts.TimeNow(),
		Predictions: toStopPredictionsJSON(result),
	})
}

func (s *server) handleTripUpdates(w http.ResponseWriter, r *http.Request) {
	now := s.opts.TimeNow()

	buf, err := predictions.ExportRealtime(s.cache.All(predictions.MaxPredictions, time.Time{}), now)
	if err != nil {
		slog.Error("exporting trip updates", "error", err)
		writeError(w, http.StatusInternalServerError, "export failed")
		return
	}

	w.Header().Set("Content-Type", "application/x-protobuf")
	w.WriteHeader(http.StatusOK)
	w.Write(buf)
}

// 0 if unset.
func parseMax(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 1 || n > predictions.MaxPredictions {
		return 0, fmt.Errorf("max must be between 1 and %d", predictions.MaxPredictions)
	}
	return n, nil
}

// Zero time (no bound) if unset.
func (s *server) parseHorizon(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return time.Time{}, fmt.Errorf("horizon must be a positive duration")
	}
	return s.opts.TimeNow().Add(d), nil
}

func parseCoordinate(v, name string, bound float64) (float64, error) {
	if v == "" {
		return 0, fmt.Errorf("%s is required", name)
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || math.IsNaN(f) || f < -bound || f > bound {
		return 0, fmt.Errorf("%s must be a number in [-%g, %g]", name, bound, bound)
	}
	return f, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("writing response", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
