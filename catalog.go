package predictions

import (
	"fmt"
	"sort"
	"time"

	"tidbyt.dev/predictions/model"
	"tidbyt.dev/predictions/parse"
)

// Catalog holds the static GTFS data needed to describe prediction
// keys, and to resolve realtime updates against the schedule.
//
// A Catalog is populated once (it implements parse.StaticWriter) and
// is read-only after that, so it can be shared freely.
type Catalog struct {
	Info *parse.StaticInfo

	agencies        []model.Agency
	routes          map[string]*model.Route
	stops           map[string]*model.Stop
	trips           map[string]*model.Trip
	stopTimesByTrip map[string][]model.StopTime
	directions      map[routeHeadsign]int8
	location        *time.Location
}

type routeHeadsign struct {
	routeID  string
	headsign string
}

func NewCatalog() *Catalog {
	return &Catalog{
		routes:          map[string]*model.Route{},
		stops:           map[string]*model.Stop{},
		trips:           map[string]*model.Trip{},
		stopTimesByTrip: map[string][]model.StopTime{},
		directions:      map[routeHeadsign]int8{},
		location:        time.UTC,
	}
}

// Parses a static GTFS zip archive into a new Catalog.
func LoadCatalog(buf []byte) (*Catalog, error) {
	c := NewCatalog()

	info, err := parse.ParseStatic(c, buf)
	if err != nil {
		return nil, fmt.Errorf("parsing static: %w", err)
	}

	location, err := time.LoadLocation(info.Timezone)
	if err != nil {
		return nil, fmt.Errorf("loading timezone: %w", err)
	}

	c.Info = info
	c.location = location

	// Direction is a property of trips. Map it by route and
	// headsign, with the lowest trip ID winning on conflict.
	tripIDs := make([]string, 0, len(c.trips))
	for id := range c.trips {
		tripIDs = append(tripIDs, id)
	}
	sort.Strings(tripIDs)
	for _, id := range tripIDs {
		trip := c.trips[id]
		rh := routeHeadsign{trip.RouteID, trip.Headsign}
		if _, found := c.directions[rh]; !found {
			c.directions[rh] = trip.DirectionID
		}
	}

	for _, sts := range c.stopTimesByTrip {
		sort.Slice(sts, func(i, j int) bool {
			return sts[i].StopSequence < sts[j].StopSequence
		})
	}

	return c, nil
}

func (c *Catalog) WriteAgency(agency model.Agency) error {
	c.agencies = append(c.agencies, agency)
	return nil
}

func (c *Catalog) WriteRoute(route model.Route) error {
	c.routes[route.ID] = &route
	return nil
}

func (c *Catalog) WriteStop(stop model.Stop) error {
	c.stops[stop.ID] = &stop
	return nil
}

func (c *Catalog) WriteTrip(trip model.Trip) error {
	c.trips[trip.ID] = &trip
	return nil
}

func (c *Catalog) WriteStopTime(stopTime model.StopTime) error {
	c.stopTimesByTrip[stopTime.TripID] = append(c.stopTimesByTrip[stopTime.TripID], stopTime)
	return nil
}

// The feed's timezone. UTC for an empty catalog.
func (c *Catalog) Location() *time.Location {
	return c.location
}

func (c *Catalog) Agencies() []model.Agency {
	return c.agencies
}

func (c *Catalog) Route(id string) (*model.Route, bool) {
	r, ok := c.routes[id]
	return r, ok
}

func (c *Catalog) Stop(id string) (*model.Stop, bool) {
	s, ok := c.stops[id]
	return s, ok
}

func (c *Catalog) Trip(id string) (*model.Trip, bool) {
	t, ok := c.trips[id]
	return t, ok
}

// Stop times for a trip, ordered by stop_sequence.
func (c *Catalog) StopTimes(tripID string) []model.StopTime {
	return c.stopTimesByTrip[tripID]
}

// Destination label for a trip at a stop. Headsign can be set on
// stop_time, in which case it overrides the trip's.
func (c *Catalog) Headsign(tripID string, stopSequence uint32) string {
	for _, st := range c.stopTimesByTrip[tripID] {
		if st.StopSequence == stopSequence && st.Headsign != "" {
			return st.Headsign
		}
	}
	if trip, ok := c.trips[tripID]; ok {
		return trip.Headsign
	}
	return ""
}

// Builds a PredictionKey with descriptive metadata filled in from
// the catalog. Unknown routes or stops leave the corresponding
// fields blank.
func (c *Catalog) Key(routeID, stopID, headsign string) model.PredictionKey {
	key := model.NewPredictionKey(routeID, stopID, headsign)

	if route, ok := c.routes[routeID]; ok {
		key.RouteShortName = route.ShortName
		key.RouteName = route.Name()
		key.RouteOrder = route.SortOrder
	}

	if stop, ok := c.stops[stopID]; ok {
		key.StopName = stop.Name
	}

	if dir, ok := c.directions[routeHeadsign{routeID, headsign}]; ok {
		key.DirectionID = dir
	}

	return key
}

type StopDistance struct {
	StopID   string
	Distance float64
}

// Stops within radius meters of lat/lon, nearest first.
func (c *Catalog) NearbyStops(lat, lon, radius float64) []StopDistance {
	nearby := []StopDistance{}
	for _, stop := range c.stops {
		d := haversineDistance(lat, lon, stop.Lat, stop.Lon)
		if d > radius {
			continue
		}
		nearby = append(nearby, StopDistance{StopID: stop.ID, Distance: d})
	}

	sort.Slice(nearby, func(i, j int) bool {
		if nearby[i].Distance == nearby[j].Distance {
			return nearby[i].StopID < nearby[j].StopID
		}
		return nearby[i].Distance < nearby[j].Distance
	})

	return nearby
}
