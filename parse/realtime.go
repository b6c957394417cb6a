package parse

import (
	"context"
	"fmt"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"
)

type StopTimeUpdateScheduleRelationship int

const (
	StopTimeUpdateScheduled StopTimeUpdateScheduleRelationship = iota
	StopTimeUpdateSkipped
	StopTimeUpdateNoData
)

type StopTimeUpdate struct {
	StopID            string
	StopSequence      uint32
	StopSequenceIsSet bool
	ArrivalIsSet      bool
	ArrivalTime       time.Time
	ArrivalDelay      time.Duration
	DepartureIsSet    bool
	DepartureTime     time.Time
	DepartureDelay    time.Duration
	Type              StopTimeUpdateScheduleRelationship
}

// A single trip's updates, along with whatever the feed says about
// the vehicle serving it.
type TripUpdate struct {
	TripID       string
	RouteID      string
	StartDate    string
	VehicleID    string
	VehicleLabel string
	Timestamp    time.Time
	Canceled     bool
	StopUpdates  []*StopTimeUpdate
}

// The bits of a VehiclePosition relevant to predictions.
type VehiclePosition struct {
	VehicleID string
	TripID    string
	Timestamp time.Time

	// 0-100, or -1 when not provided.
	OccupancyPercentage int32
}

// Contains key data from a GTFS Realtime feed
type Realtime struct {
	// Timestamp of the feed. If loaded from multiple feeds, the
	// last one wins.
	Timestamp time.Time

	TripUpdates []*TripUpdate

	// Keyed by vehicle ID
	Vehicles map[string]*VehiclePosition

	// These exist to simplify debugging down the road
	NumScheduledTrips   int
	NumAddedTrips       int
	NumUnscheduledTrips int
	NumCanceledTrips    int
	NumDuplicatedTrips  int
}

func ParseRealtime(ctx context.Context, feeds [][]byte) (*Realtime, error) {
	rt := &Realtime{
		TripUpdates: []*TripUpdate{},
		Vehicles:    map[string]*VehiclePosition{},
	}

	for _, feed := range feeds {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		f := &gtfsproto.FeedMessage{}
		err := proto.Unmarshal(feed, f)
		if err != nil {
			return nil, fmt.Errorf("unmarshaling protobuf: %w", err)
		}

		header := f.GetHeader()

		version := header.GetGtfsRealtimeVersion()
		if version != "2.0" && version != "1.0" {
			return nil, fmt.Errorf("version %s not supported", version)
		}

		if header.GetIncrementality() != gtfsproto.FeedHeader_FULL_DATASET {
			return nil, fmt.Errorf("feed incrementality %s not supported", header.GetIncrementality())
		}

		if ts := header.GetTimestamp(); ts != 0 {
			rt.Timestamp = time.Unix(int64(ts), 0).UTC()
		}

		err = processEntities(rt, f.GetEntity())
		if err != nil {
			return nil, fmt.Errorf("processing entities: %w", err)
		}
	}

	return rt, nil
}

func processEntities(rt *Realtime, entities []*gtfsproto.FeedEntity) error {
	for _, entity := range entities {
		if entity.GetIsDeleted() {
			continue
		}

		if entity.Vehicle != nil {
			processVehiclePosition(rt, entity.Vehicle)
		}

		if entity.TripUpdate == nil {
			continue
		}

		trip := entity.TripUpdate.Trip
		if trip == nil {
			return fmt.Errorf("trip_update missing trip")
		}

		// Blank trip ID is allowed when (route_id,
		// direction_id, start_time, start_date) is provided
		// and uniquely identifies the trip in the static
		// schedule. Also allowed for frequency based trips.
		//
		// That said, we don't support it.
		if trip.GetTripId() == "" {
			continue
		}

		tu := &TripUpdate{
			TripID:       trip.GetTripId(),
			RouteID:      trip.GetRouteId(),
			StartDate:    trip.GetStartDate(),
			VehicleID:    entity.TripUpdate.GetVehicle().GetId(),
			VehicleLabel: entity.TripUpdate.GetVehicle().GetLabel(),
			StopUpdates:  []*StopTimeUpdate{},
		}
		if ts := entity.TripUpdate.GetTimestamp(); ts != 0 {
			tu.Timestamp = time.Unix(int64(ts), 0).UTC()
		}

		switch trip.GetScheduleRelationship() {

		case gtfsproto.TripDescriptor_SCHEDULED:
			// Trip running in accordance with GTFS schedule
			for _, update := range entity.TripUpdate.GetStopTimeUpdate() {
				stup, err := processStopTimeUpdate(update)
				if err != nil {
					return fmt.Errorf("processing stop time update: %w", err)
				}
				if stup != nil {
					tu.StopUpdates = append(tu.StopUpdates, stup)
				}
			}
			rt.TripUpdates = append(rt.TripUpdates, tu)
			rt.NumScheduledTrips++

		case gtfsproto.TripDescriptor_ADDED:
			// An extra trip that's been added. Not supported!
			rt.NumAddedTrips++

		case gtfsproto.TripDescriptor_UNSCHEDULED:
			// For frequency based trips only. Not supported!
			rt.NumUnscheduledTrips++

		case gtfsproto.TripDescriptor_CANCELED:
			// Kept, so that predictions for the trip can be
			// dropped.
			tu.Canceled = true
			rt.TripUpdates = append(rt.TripUpdates, tu)
			rt.NumCanceledTrips++

		case gtfsproto.TripDescriptor_DUPLICATED:
			// Copy of a trip in GTFS schedule. Not supported!
			rt.NumDuplicatedTrips++
		}
	}

	return nil
}

func processVehiclePosition(rt *Realtime, vp *gtfsproto.VehiclePosition) {
	vehicleID := vp.GetVehicle().GetId()
	if vehicleID == "" {
		vehicleID = vp.GetVehicle().GetLabel()
	}
	if vehicleID == "" {
		return
	}

	pos := &VehiclePosition{
		VehicleID:           vehicleID,
		TripID:              vp.GetTrip().GetTripId(),
		OccupancyPercentage: -1,
	}
	if ts := vp.GetTimestamp(); ts != 0 {
		pos.Timestamp = time.Unix(int64(ts), 0).UTC()
	}
	if vp.OccupancyPercentage != nil {
		pos.OccupancyPercentage = int32(vp.GetOccupancyPercentage())
	}

	rt.Vehicles[vehicleID] = pos
}

func processStopTimeUpdate(update *gtfsproto.TripUpdate_StopTimeUpdate) (*StopTimeUpdate, error) {
	stup := &StopTimeUpdate{
		StopID:            update.GetStopId(),
		StopSequence:      update.GetStopSequence(),
		StopSequenceIsSet: update.StopSequence != nil,
	}

	if update.Arrival != nil {
		stup.ArrivalIsSet = true
		if t := update.GetArrival().GetTime(); t != 0 {
			stup.ArrivalTime = time.Unix(t, 0).UTC()
		}
		stup.ArrivalDelay = time.Duration(update.GetArrival().GetDelay()) * time.Second
	}

	if update.Departure != nil {
		stup.DepartureIsSet = true
		if t := update.GetDeparture().GetTime(); t != 0 {
			stup.DepartureTime = time.Unix(t, 0).UTC()
		}
		stup.DepartureDelay = time.Duration(update.GetDeparture().GetDelay()) * time.Second
	}

	if stup.StopID == "" && !stup.StopSequenceIsSet {
		return nil, fmt.Errorf("stop_time_update missing stop_id and stop_sequence")
	}

	switch update.GetScheduleRelationship() {
	case gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED:
		stup.Type = StopTimeUpdateScheduled
	case gtfsproto.TripUpdate_StopTimeUpdate_SKIPPED:
		stup.Type = StopTimeUpdateSkipped
	case gtfsproto.TripUpdate_StopTimeUpdate_NO_DATA:
		stup.Type = StopTimeUpdateNoData
	default:
		// UNSCHEDULED is for frequency based trips. Not
		// supported!
		return nil, nil
	}

	return stup, nil
}
