package predictions

import (
	"fmt"
	"sort"
	"time"

	gtfsproto "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	proto "google.golang.org/protobuf/proto"

	"tidbyt.dev/predictions/model"
)

type vehicleTrip struct {
	vehicleID string
	tripID    string
}

// Encodes predictions as a FULL_DATASET GTFS-rt TripUpdates feed.
//
// There's one TripUpdate entity per vehicle and trip, with a
// StopTimeUpdate per stop in stop_sequence order. Arrival predictions
// become arrival events, departure predictions departure events.
func ExportRealtime(stopPredictions []model.StopPredictions, now time.Time) ([]byte, error) {
	groups := map[vehicleTrip]map[uint32]*model.Prediction{}
	for _, sp := range stopPredictions {
		for _, p := range sp.Predictions {
			vt := vehicleTrip{p.VehicleID, p.TripID}
			if groups[vt] == nil {
				groups[vt] = map[uint32]*model.Prediction{}
			}
			groups[vt][p.StopSequence] = p
		}
	}

	keys := make([]vehicleTrip, 0, len(groups))
	for vt := range groups {
		keys = append(keys, vt)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].vehicleID != keys[j].vehicleID {
			return keys[i].vehicleID < keys[j].vehicleID
		}
		return keys[i].tripID < keys[j].tripID
	})

	feed := &gtfsproto.FeedMessage{
		Header: &gtfsproto.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      gtfsproto.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(uint64(now.Unix())),
		},
		Entity: make([]*gtfsproto.FeedEntity, 0, len(keys)),
	}

	for _, vt := range keys {
		feed.Entity = append(feed.Entity, tripUpdateEntity(vt, groups[vt]))
	}

	buf, err := proto.Marshal(feed)
	if err != nil {
		return nil, fmt.Errorf("marshaling feed: %w", err)
	}

	return buf, nil
}

func tripUpdateEntity(vt vehicleTrip, bySequence map[uint32]*model.Prediction) *gtfsproto.FeedEntity {
	sequences := make([]uint32, 0, len(bySequence))
	for seq := range bySequence {
		sequences = append(sequences, seq)
	}
	sort.Slice(sequences, func(i, j int) bool { return sequences[i] < sequences[j] })

	first := bySequence[sequences[0]]

	update := &gtfsproto.TripUpdate{
		Trip: &gtfsproto.TripDescriptor{
			TripId:               proto.String(vt.tripID),
			RouteId:              proto.String(first.RouteID),
			ScheduleRelationship: gtfsproto.TripDescriptor_SCHEDULED.Enum(),
		},
		Vehicle: &gtfsproto.VehicleDescriptor{
			Id: proto.String(vt.vehicleID),
		},
	}

	var latestAVL time.Time
	for _, seq := range sequences {
		p := bySequence[seq]

		if p.AVLTime.After(latestAVL) {
			latestAVL = p.AVLTime
		}

		event := &gtfsproto.TripUpdate_StopTimeEvent{
			Time: proto.Int64(p.PredictionTime.Unix()),
		}
		stu := &gtfsproto.TripUpdate_StopTimeUpdate{
			StopSequence:         proto.Uint32(p.StopSequence),
			StopId:               proto.String(p.StopID),
			ScheduleRelationship: gtfsproto.TripUpdate_StopTimeUpdate_SCHEDULED.Enum(),
		}
		if p.IsArrival {
			stu.Arrival = event
		} else {
			stu.Departure = event
		}
		update.StopTimeUpdate = append(update.StopTimeUpdate, stu)
	}

	if !latestAVL.IsZero() {
		update.Timestamp = proto.Uint64(uint64(latestAVL.Unix()))
	}

	return &gtfsproto.FeedEntity{
		Id:         proto.String(fmt.Sprintf("%s_%s", vt.vehicleID, vt.tripID)),
		TripUpdate: update,
	}
}
