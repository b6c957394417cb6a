package model

import (
	"fmt"
	"math"
	"strconv"
	"time"
)

// Holds all external facing types and constants.

// PassengerCount value for vehicles without passenger counters.
const PassengerCountUnknown = -1

// A single vehicle's predicted arrival (or departure) at a stop.
//
// Predictions are never modified after construction. The cache
// replaces whole records, so pointers handed out to readers stay
// valid and unchanged.
type Prediction struct {
	VehicleID      string
	StopID         string
	StopSequence   uint32
	RouteID        string
	RouteShortName string
	TripID         string
	BlockID        string
	Headsign       string

	// Predicted arrival/departure instant.
	PredictionTime time.Time

	// Time of the location fix the prediction was derived from.
	AVLTime time.Time

	// When the prediction was computed.
	CreationTime time.Time

	// Set when the prediction crosses a scheduled hold (wait stop)
	// and is therefore less reliable.
	AffectedByWaitStop bool

	DriverID string

	// PassengerCountUnknown if not equipped.
	PassengerCount int

	// Ratio of capacity in use, NaN if not available.
	PassengerFullness float64

	// True for arrivals, false for departures.
	IsArrival bool
}

// Key identifying the aggregator this prediction belongs to.
func (p *Prediction) Key() LookupKey {
	return LookupKey{
		RouteID:  p.RouteID,
		StopID:   p.StopID,
		Headsign: p.Headsign,
	}
}

func (p *Prediction) HasPassengerCount() bool {
	return p.PassengerCount >= 0
}

func (p *Prediction) HasPassengerFullness() bool {
	return !math.IsNaN(p.PassengerFullness)
}

// Value equality. Two NaN fullness values are considered equal.
func (p *Prediction) Equal(o *Prediction) bool {
	if p == o {
		return true
	}
	if p == nil || o == nil {
		return false
	}

	if p.HasPassengerFullness() != o.HasPassengerFullness() {
		return false
	}
	if p.HasPassengerFullness() && p.PassengerFullness != o.PassengerFullness {
		return false
	}

	return p.VehicleID == o.VehicleID &&
		p.StopID == o.StopID &&
		p.StopSequence == o.StopSequence &&
		p.RouteID == o.RouteID &&
		p.RouteShortName == o.RouteShortName &&
		p.TripID == o.TripID &&
		p.BlockID == o.BlockID &&
		p.Headsign == o.Headsign &&
		p.PredictionTime.Equal(o.PredictionTime) &&
		p.AVLTime.Equal(o.AVLTime) &&
		p.CreationTime.Equal(o.CreationTime) &&
		p.AffectedByWaitStop == o.AffectedByWaitStop &&
		p.DriverID == o.DriverID &&
		p.PassengerCount == o.PassengerCount &&
		p.IsArrival == o.IsArrival
}

func (p *Prediction) String() string {
	kind := "departure"
	if p.IsArrival {
		kind = "arrival"
	}
	return fmt.Sprintf(
		"%s vehicle=%s route=%s stop=%s trip=%s at %s",
		kind, p.VehicleID, p.RouteID, p.StopID, p.TripID,
		p.PredictionTime.Format(time.RFC3339),
	)
}

// Lookup identity of a PredictionKey.
type LookupKey struct {
	RouteID  string
	StopID   string
	Headsign string
}

// Identifies a route/stop/destination grouping of predictions, along
// with descriptive metadata for presenting it.
//
// Only the fields in LookupKey make up the identity. DistanceToStop
// is set per query and never used for lookups.
type PredictionKey struct {
	RouteID        string
	RouteShortName string
	RouteName      string

	// Display sort hint. -1 if unknown.
	RouteOrder int

	StopID   string
	StopName string
	Headsign string

	// -1 if unknown.
	DirectionID int8

	// Meters from the query location to the stop. NaN when the
	// query isn't location based.
	DistanceToStop float64
}

// Returns a key carrying nothing but the lookup identity.
func NewPredictionKey(routeID, stopID, headsign string) PredictionKey {
	return PredictionKey{
		RouteID:        routeID,
		RouteOrder:     -1,
		StopID:         stopID,
		Headsign:       headsign,
		DirectionID:    -1,
		DistanceToStop: math.NaN(),
	}
}

func (k PredictionKey) Lookup() LookupKey {
	return LookupKey{
		RouteID:  k.RouteID,
		StopID:   k.StopID,
		Headsign: k.Headsign,
	}
}

// Point in time copy of the predictions for a single key.
type StopPredictions struct {
	Key         PredictionKey
	Predictions []*Prediction
}

type Agency struct {
	ID       string
	Name     string
	URL      string
	Timezone string
}

type Stop struct {
	ID            string
	Code          string
	Name          string
	Lat           float64
	Lon           float64
	ParentStation string
}

type Route struct {
	ID        string
	AgencyID  string
	ShortName string
	LongName  string
	SortOrder int
}

// Name suitable for display. Falls back on the short name.
func (r *Route) Name() string {
	if r.LongName != "" {
		return r.LongName
	}
	return r.ShortName
}

type Trip struct {
	ID          string
	RouteID     string
	ServiceID   string
	Headsign    string
	ShortName   string
	BlockID     string
	DirectionID int8
}

// Arrival and Departure are stored as HHMMSS. Hours may exceed 23.
type StopTime struct {
	TripID       string
	StopID       string
	Headsign     string
	StopSequence uint32
	Arrival      string
	Departure    string
}

func (st *StopTime) ArrivalTime() time.Duration {
	return hhmmss(st.Arrival)
}

func (st *StopTime) DepartureTime() time.Duration {
	return hhmmss(st.Departure)
}

// A wait stop holds the vehicle until its scheduled departure.
func (st *StopTime) IsWaitStop() bool {
	return st.DepartureTime() > st.ArrivalTime()
}

func hhmmss(s string) time.Duration {
	if len(s) != 6 {
		return 0
	}
	h, _ := strconv.Atoi(s[0:2])
	m, _ := strconv.Atoi(s[2:4])
	sec, _ := strconv.Atoi(s[4:6])
	return time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second
}
