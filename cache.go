package predictions

import (
	"log/slog"
	"math"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"tidbyt.dev/predictions/model"
)

// Cache is the registry of Aggregators, one per route, stop and
// headsign. Aggregators are created on first use and live for the
// lifetime of the Cache.
//
// The Cache's own lock only guards its maps. Aggregators are always
// mutated after that lock has been released.
type Cache struct {
	catalog atomic.Pointer[Catalog]

	mutex       sync.Mutex
	aggregators map[model.LookupKey]*Aggregator
	byStop      map[string][]*Aggregator

	// Each vehicle's most recent predictions, so that keys it no
	// longer serves can be cleaned up.
	vehicleMutex sync.Mutex
	vehicles     map[string][]*model.Prediction
}

// Filter for Cache.Predictions. StopID and RouteID may each be blank
// to match any. MaxPredictions of 0 means MaxPredictions. A zero
// MaxTime means no horizon.
type Query struct {
	RouteID        string
	StopID         string
	MaxPredictions int
	MaxTime        time.Time
}

// Creates an empty Cache. The catalog is used to describe new keys,
// and may be nil.
func NewCache(catalog *Catalog) *Cache {
	c := &Cache{
		aggregators: map[model.LookupKey]*Aggregator{},
		byStop:      map[string][]*Aggregator{},
		vehicles:    map[string][]*model.Prediction{},
	}
	if catalog != nil {
		c.catalog.Store(catalog)
	}
	return c
}

// Swaps in a new catalog. Only keys created after this call pick up
// its metadata.
func (c *Cache) SetCatalog(catalog *Catalog) {
	c.catalog.Store(catalog)
}

func (c *Cache) Catalog() *Catalog {
	return c.catalog.Load()
}

// Returns the Aggregator for key, creating it if needed. Concurrent
// callers with the same key always get the same Aggregator.
func (c *Cache) Aggregator(key model.PredictionKey) *Aggregator {
	lk := key.Lookup()

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if agg, found := c.aggregators[lk]; found {
		return agg
	}

	key.DistanceToStop = math.NaN()
	agg := NewAggregator(key)
	c.aggregators[lk] = agg
	c.byStop[lk.StopID] = append(c.byStop[lk.StopID], agg)

	return agg
}

func (c *Cache) Lookup(routeID, stopID, headsign string) (*Aggregator, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	agg, found := c.aggregators[model.LookupKey{
		RouteID:  routeID,
		StopID:   stopID,
		Headsign: headsign,
	}]
	return agg, found
}

// Number of keys.
func (c *Cache) Len() int {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	return len(c.aggregators)
}

// Replaces everything known about a vehicle with preds.
//
// Predictions are grouped by key and handed to each key's Aggregator.
// Keys the vehicle contributed to previously, but not in preds, have
// its old predictions removed. Predictions for other vehicles are
// ignored.
func (c *Cache) UpdateVehicle(vehicleID string, preds []*model.Prediction, now time.Time) {
	groups := map[model.LookupKey][]*model.Prediction{}
	owned := make([]*model.Prediction, 0, len(preds))
	for _, p := range preds {
		if p.VehicleID != vehicleID {
			slog.Warn(
				"ignoring prediction for other vehicle",
				"vehicle_id", vehicleID,
				"other_vehicle_id", p.VehicleID,
			)
			continue
		}
		lk := p.Key()
		groups[lk] = append(groups[lk], p)
		owned = append(owned, p)
	}

	c.vehicleMutex.Lock()
	defer c.vehicleMutex.Unlock()

	for lk, group := range groups {
		sort.SliceStable(group, func(i, j int) bool {
			return group[i].PredictionTime.Before(group[j].PredictionTime)
		})
		c.Aggregator(c.key(lk)).Update(group, now)
	}

	for _, p := range c.vehicles[vehicleID] {
		if _, found := groups[p.Key()]; found {
			continue
		}
		if agg, found := c.Lookup(p.RouteID, p.StopID, p.Headsign); found {
			agg.Remove(p)
		}
	}

	if len(owned) == 0 {
		delete(c.vehicles, vehicleID)
	} else {
		c.vehicles[vehicleID] = owned
	}
}

// Drops all predictions for a vehicle. Returns the number removed.
func (c *Cache) RemoveVehicle(vehicleID string) int {
	c.vehicleMutex.Lock()
	defer c.vehicleMutex.Unlock()

	removed := 0
	for _, p := range c.vehicles[vehicleID] {
		agg, found := c.Lookup(p.RouteID, p.StopID, p.Headsign)
		if found && agg.Remove(p) {
			removed++
		}
	}
	delete(c.vehicles, vehicleID)

	return removed
}

// IDs of vehicles currently holding predictions, sorted.
func (c *Cache) Vehicles() []string {
	c.vehicleMutex.Lock()
	defer c.vehicleMutex.Unlock()

	ids := make([]string, 0, len(c.vehicles))
	for id := range c.vehicles {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Removes predictions with time before now from every key. Returns
// the number removed.
//
// Aggregator.Update only expires predictions on the key being
// updated, so keys that stop receiving updates hold on to stale
// predictions until this runs.
func (c *Cache) RemoveExpired(now time.Time) int {
	c.vehicleMutex.Lock()
	defer c.vehicleMutex.Unlock()

	removed := 0
	for _, agg := range c.snapshot() {
		for _, p := range agg.Clone(MaxPredictions, math.NaN()).Predictions {
			if p.PredictionTime.Before(now) && agg.Remove(p) {
				removed++
			}
		}
	}

	for vehicleID, preds := range c.vehicles {
		live := preds[:0]
		for _, p := range preds {
			if !p.PredictionTime.Before(now) {
				live = append(live, p)
			}
		}
		if len(live) == 0 {
			delete(c.vehicles, vehicleID)
		} else {
			c.vehicles[vehicleID] = live
		}
	}

	return removed
}

// Predictions matching q, ordered for display.
func (c *Cache) Predictions(q Query) []model.StopPredictions {
	maxPredictions := q.MaxPredictions
	if maxPredictions == 0 {
		maxPredictions = MaxPredictions
	}

	var candidates []*Aggregator
	if q.StopID != "" {
		c.mutex.Lock()
		candidates = append(candidates, c.byStop[q.StopID]...)
		c.mutex.Unlock()
	} else {
		candidates = c.snapshot()
	}

	result := []model.StopPredictions{}
	for _, agg := range candidates {
		if q.RouteID != "" && agg.Key().RouteID != q.RouteID {
			continue
		}
		sp := agg.CloneUntil(maxPredictions, q.MaxTime, math.NaN())
		if len(sp.Predictions) == 0 {
			continue
		}
		result = append(result, sp)
	}

	sortForDisplay(result)

	return result
}

// Predictions for stops within radius meters of lat/lon, nearest stop
// first. Requires a catalog for stop locations.
func (c *Cache) Nearby(lat, lon, radius float64, maxPredictions int, maxTime time.Time) []model.StopPredictions {
	result := []model.StopPredictions{}

	catalog := c.catalog.Load()
	if catalog == nil {
		return result
	}

	for _, stop := range catalog.NearbyStops(lat, lon, radius) {
		c.mutex.Lock()
		aggs := append([]*Aggregator(nil), c.byStop[stop.StopID]...)
		c.mutex.Unlock()

		group := []model.StopPredictions{}
		for _, agg := range aggs {
			sp := agg.CloneUntil(maxPredictions, maxTime, stop.Distance)
			if len(sp.Predictions) == 0 {
				continue
			}
			group = append(group, sp)
		}
		sortForDisplay(group)
		result = append(result, group...)
	}

	return result
}

// Every non-empty key, ordered by stop and then for display.
func (c *Cache) All(maxPredictions int, maxTime time.Time) []model.StopPredictions {
	result := []model.StopPredictions{}
	for _, agg := range c.snapshot() {
		sp := agg.CloneUntil(maxPredictions, maxTime, math.NaN())
		if len(sp.Predictions) == 0 {
			continue
		}
		result = append(result, sp)
	}

	sort.Slice(result, func(i, j int) bool {
		if result[i].Key.StopID != result[j].Key.StopID {
			return result[i].Key.StopID < result[j].Key.StopID
		}
		return displayLess(result[i].Key, result[j].Key)
	})

	return result
}

func (c *Cache) snapshot() []*Aggregator {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	aggs := make([]*Aggregator, 0, len(c.aggregators))
	for _, agg := range c.aggregators {
		aggs = append(aggs, agg)
	}
	return aggs
}

func (c *Cache) key(lk model.LookupKey) model.PredictionKey {
	if catalog := c.catalog.Load(); catalog != nil {
		return catalog.Key(lk.RouteID, lk.StopID, lk.Headsign)
	}
	return model.NewPredictionKey(lk.RouteID, lk.StopID, lk.Headsign)
}

func displayLess(a, b model.PredictionKey) bool {
	if a.RouteOrder != b.RouteOrder {
		return a.RouteOrder < b.RouteOrder
	}
	if a.RouteShortName != b.RouteShortName {
		return a.RouteShortName < b.RouteShortName
	}
	if a.RouteID != b.RouteID {
		return a.RouteID < b.RouteID
	}
	if a.Headsign != b.Headsign {
		return a.Headsign < b.Headsign
	}
	return a.StopID < b.StopID
}

func sortForDisplay(sps []model.StopPredictions) {
	sort.Slice(sps, func(i, j int) bool {
		return displayLess(sps[i].Key, sps[j].Key)
	})
}
