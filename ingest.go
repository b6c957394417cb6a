package predictions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"tidbyt.dev/predictions/metrics"
	"tidbyt.dev/predictions/model"
	"tidbyt.dev/predictions/parse"
	"tidbyt.dev/predictions/storage"
)

var ErrNoCatalog = errors.New("no static catalog loaded")

// Summary of a single Ingest call.
type IngestResult struct {
	FeedTimestamp time.Time

	// Vehicles with predictions in this ingest.
	Vehicles int

	Predictions int

	// Vehicles whose predictions were dropped, due to cancellation
	// or no longer appearing in the feed.
	RemovedVehicles int

	// Trip updates that couldn't be matched against the schedule.
	SkippedTrips int
}

// Ingester turns GTFS-rt feeds into predictions, and keeps a Cache up
// to date with them.
//
// Feeds are treated as full datasets: a vehicle absent from one ingest
// has all its predictions dropped.
type Ingester struct {
	cache   *Cache
	archive storage.Archive
	catalog *Catalog

	// Used for expiry and CreationTime. Overridable in tests.
	TimeNow func() time.Time

	mutex    sync.Mutex
	vehicles map[string]bool
}

// Creates an Ingester updating cache. The archive is optional.
func NewIngester(cache *Cache, catalog *Catalog, archive storage.Archive) *Ingester {
	return &Ingester{
		cache:    cache,
		archive:  archive,
		catalog:  catalog,
		TimeNow:  time.Now,
		vehicles: map[string]bool{},
	}
}

// Swaps in a new catalog for resolving trips.
func (i *Ingester) SetCatalog(catalog *Catalog) {
	i.mutex.Lock()
	defer i.mutex.Unlock()
	i.catalog = catalog
}

func (i *Ingester) Ingest(ctx context.Context, feeds [][]byte) (*IngestResult, error) {
	// One ingest at a time, so that vehicle bookkeeping stays
	// consistent.
	i.mutex.Lock()
	defer i.mutex.Unlock()

	started := time.Now()

	if i.catalog == nil {
		return nil, ErrNoCatalog
	}

	rt, err := parse.ParseRealtime(ctx, feeds)
	if err != nil {
		return nil, fmt.Errorf("parsing realtime: %w", err)
	}

	now := i.TimeNow()
	result := &IngestResult{FeedTimestamp: rt.Timestamp}

	byTrip := map[string]*parse.VehiclePosition{}
	for _, vp := range rt.Vehicles {
		if vp.TripID != "" {
			byTrip[vp.TripID] = vp
		}
	}

	byVehicle := map[string][]*model.Prediction{}
	canceled := map[string]bool{}
	for _, tu := range rt.TripUpdates {
		vehicleID := vehicleIDFor(tu)

		if tu.Canceled {
			canceled[vehicleID] = true
			continue
		}

		vp := rt.Vehicles[vehicleID]
		if vp == nil {
			vp = byTrip[tu.TripID]
		}

		preds, err := i.predictTrip(tu, vehicleID, vp, rt.Timestamp, now)
		if err != nil {
			slog.Debug("skipping trip update", "trip_id", tu.TripID, "error", err)
			result.SkippedTrips++
			continue
		}

		byVehicle[vehicleID] = append(byVehicle[vehicleID], preds...)
	}

	all := []*model.Prediction{}
	for vehicleID, preds := range byVehicle {
		i.cache.UpdateVehicle(vehicleID, preds, now)
		all = append(all, preds...)
	}

	removed := map[string]bool{}
	for vehicleID := range canceled {
		if _, found := byVehicle[vehicleID]; !found {
			removed[vehicleID] = true
		}
	}
	for vehicleID := range i.vehicles {
		if _, found := byVehicle[vehicleID]; !found {
			removed[vehicleID] = true
		}
	}
	for vehicleID := range removed {
		i.cache.RemoveVehicle(vehicleID)
	}

	i.vehicles = map[string]bool{}
	for vehicleID := range byVehicle {
		i.vehicles[vehicleID] = true
	}

	result.Vehicles = len(byVehicle)
	result.Predictions = len(all)
	result.RemovedVehicles = len(removed)

	metrics.PredictionsIngested.Add(ctx, int64(result.Predictions))
	metrics.TripUpdatesSkipped.Add(ctx, int64(result.SkippedTrips))
	metrics.VehiclesRemoved.Add(ctx, int64(result.RemovedVehicles))
	metrics.IngestDuration.Record(ctx, time.Since(started).Seconds(),
		metric.WithAttributes(attribute.Int("feeds", len(feeds))),
	)

	slog.Debug("ingested realtime",
		"vehicles", result.Vehicles,
		"predictions", result.Predictions,
		"removed_vehicles", result.RemovedVehicles,
		"skipped_trips", result.SkippedTrips,
	)

	if i.archive != nil && len(all) > 0 {
		sort.SliceStable(all, func(a, b int) bool {
			return all[a].PredictionTime.Before(all[b].PredictionTime)
		})
		if err := i.archive.WritePredictions(all); err != nil {
			return result, fmt.Errorf("archiving predictions: %w", err)
		}
	}

	return result, nil
}

func vehicleIDFor(tu *parse.TripUpdate) string {
	if tu.VehicleID != "" {
		return tu.VehicleID
	}
	if tu.VehicleLabel != "" {
		return tu.VehicleLabel
	}
	return "trip_" + tu.TripID
}

// Computes predictions for the stops of a trip update.
//
// Stops before the first stop time update get nothing. From there on
// each update sets the delay, which carries over to the following
// stops until the next update. NO_DATA stops the carry over. SKIPPED
// stops get no prediction.
func (i *Ingester) predictTrip(
	tu *parse.TripUpdate,
	vehicleID string,
	vp *parse.VehiclePosition,
	feedTimestamp time.Time,
	now time.Time,
) ([]*model.Prediction, error) {
	trip, found := i.catalog.Trip(tu.TripID)
	if !found {
		return nil, fmt.Errorf("unknown trip")
	}

	stopTimes := i.catalog.StopTimes(trip.ID)
	if len(stopTimes) == 0 {
		return nil, fmt.Errorf("trip has no stop times")
	}

	serviceDay, err := serviceDayStart(tu.StartDate, i.catalog.Location(), now)
	if err != nil {
		return nil, err
	}

	updates := map[int]*parse.StopTimeUpdate{}
	next := 0
	for _, su := range tu.StopUpdates {
		idx := resolveStopTime(stopTimes, next, su)
		if idx == -1 {
			slog.Debug("unresolved stop time update",
				"trip_id", trip.ID,
				"stop_id", su.StopID,
				"stop_sequence", su.StopSequence,
			)
			continue
		}
		updates[idx] = su
		next = idx + 1
	}
	if len(updates) == 0 {
		return nil, fmt.Errorf("no stop time updates matched")
	}

	routeShortName := ""
	if route, found := i.catalog.Route(trip.RouteID); found {
		routeShortName = route.ShortName
	}

	avlTime := feedTimestamp
	if !tu.Timestamp.IsZero() {
		avlTime = tu.Timestamp
	}
	fullness := math.NaN()
	if vp != nil {
		if !vp.Timestamp.IsZero() {
			avlTime = vp.Timestamp
		}
		if vp.OccupancyPercentage >= 0 {
			fullness = float64(vp.OccupancyPercentage) / 100
		}
	}

	preds := []*model.Prediction{}

	var delay time.Duration
	predicting := false
	afterWaitStop := false

	for idx, st := range stopTimes {
		scheduledArrival := serviceDay.Add(st.ArrivalTime())
		scheduledDeparture := serviceDay.Add(st.DepartureTime())

		var arrival, departure time.Time

		su := updates[idx]
		switch {
		case su != nil && su.Type == parse.StopTimeUpdateSkipped:
			continue

		case su != nil && su.Type == parse.StopTimeUpdateNoData:
			predicting = false
			continue

		case su != nil && (su.ArrivalIsSet || su.DepartureIsSet):
			arrival, departure = applyStopTimeUpdate(su, scheduledArrival, scheduledDeparture)
			predicting = true

		case predicting:
			arrival = scheduledArrival.Add(delay)
			departure = scheduledDeparture.Add(delay)

		default:
			continue
		}

		isFirst := idx == 0
		isLast := idx == len(stopTimes)-1

		// The vehicle is held at a wait stop until its scheduled
		// departure, absorbing any earliness.
		if !isFirst && !isLast && st.IsWaitStop() && departure.Before(scheduledDeparture) {
			departure = scheduledDeparture
		}
		if departure.Before(arrival) {
			departure = arrival
		}
		delay = departure.Sub(scheduledDeparture)

		p := &model.Prediction{
			VehicleID:          vehicleID,
			StopID:             st.StopID,
			StopSequence:       st.StopSequence,
			RouteID:            trip.RouteID,
			RouteShortName:     routeShortName,
			TripID:             trip.ID,
			BlockID:            trip.BlockID,
			Headsign:           i.catalog.Headsign(trip.ID, st.StopSequence),
			AVLTime:            avlTime,
			CreationTime:       now,
			AffectedByWaitStop: afterWaitStop,
			PassengerCount:     model.PassengerCountUnknown,
			PassengerFullness:  fullness,
			IsArrival:          !isFirst,
		}
		if p.IsArrival {
			p.PredictionTime = arrival
		} else {
			p.PredictionTime = departure
		}

		if !isFirst && !isLast && st.IsWaitStop() {
			afterWaitStop = true
		}

		if p.PredictionTime.Before(now) {
			continue
		}

		preds = append(preds, p)
	}

	return preds, nil
}

// Index of the stop time matching su, searching from index from.
func resolveStopTime(stopTimes []model.StopTime, from int, su *parse.StopTimeUpdate) int {
	for idx := from; idx < len(stopTimes); idx++ {
		st := stopTimes[idx]
		if su.StopID != "" && st.StopID != su.StopID {
			continue
		}
		if su.StopSequenceIsSet && st.StopSequence != su.StopSequence {
			continue
		}
		return idx
	}
	return -1
}

// Absolute times win over delays. A missing arrival or departure is
// derived from the other's delay.
func applyStopTimeUpdate(su *parse.StopTimeUpdate, scheduledArrival, scheduledDeparture time.Time) (time.Time, time.Time) {
	var arrival, departure time.Time

	if su.ArrivalIsSet {
		if !su.ArrivalTime.IsZero() {
			arrival = su.ArrivalTime
		} else {
			arrival = scheduledArrival.Add(su.ArrivalDelay)
		}
	}

	if su.DepartureIsSet {
		if !su.DepartureTime.IsZero() {
			departure = su.DepartureTime
		} else {
			departure = scheduledDeparture.Add(su.DepartureDelay)
		}
	}

	if !su.ArrivalIsSet {
		arrival = scheduledArrival.Add(departure.Sub(scheduledDeparture))
	}
	if !su.DepartureIsSet {
		departure = scheduledDeparture.Add(arrival.Sub(scheduledArrival))
	}

	return arrival, departure
}

// Start of the GTFS service day, which is noon minus 12h. This is
// midnight except on days with DST transitions.
func serviceDayStart(startDate string, loc *time.Location, now time.Time) (time.Time, error) {
	var day time.Time
	if startDate == "" {
		day = now.In(loc)
	} else {
		var err error
		day, err = time.ParseInLocation("20060102", startDate, loc)
		if err != nil {
			return time.Time{}, fmt.Errorf("parsing start_date %q: %w", startDate, err)
		}
	}

	noon := time.Date(day.Year(), day.Month(), day.Day(), 12, 0, 0, 0, loc)
	return noon.Add(-12 * time.Hour), nil
}
