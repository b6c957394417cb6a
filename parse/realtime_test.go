package parse

import (
	"context"
	"testing"
	"time"

	p "github.com/MobilityData/gtfs-realtime-bindings/golang/gtfs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	proto "google.golang.org/protobuf/proto"
)

func TestParseRealtimeBadHeader(t *testing.T) {
	// This one's fine
	incrementality := p.FeedHeader_FULL_DATASET
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)
	_, err = ParseRealtime(context.Background(), [][]byte{data})
	assert.NoError(t, err)

	// Unsupported version
	data, err = proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("3.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)
	_, err = ParseRealtime(context.Background(), [][]byte{data})
	assert.Error(t, err)

	// Unsupported incrementality
	incrementality = p.FeedHeader_DIFFERENTIAL
	data, err = proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      &incrementality,
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)
	_, err = ParseRealtime(context.Background(), [][]byte{data})
	assert.Error(t, err)

	// Not a protobuf at all
	_, err = ParseRealtime(context.Background(), [][]byte{[]byte("garbage")})
	assert.Error(t, err)
}

func TestParseRealtimeNoUpdates(t *testing.T) {
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Incrementality:      p.FeedHeader_FULL_DATASET.Enum(),
			Timestamp:           proto.Uint64(1702473763),
		},
	})
	require.NoError(t, err)

	rt, err := ParseRealtime(context.Background(), [][]byte{data})
	require.NoError(t, err)
	assert.Equal(t, 0, len(rt.TripUpdates))
	assert.Equal(t, 0, len(rt.Vehicles))
	assert.Equal(t, time.Unix(1702473763, 0).UTC(), rt.Timestamp)
}

func TestParseRealtimeStopTimeUpdates(t *testing.T) {
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: []*p.FeedEntity{
			{
				Id: proto.String("entity1"),
				TripUpdate: &p.TripUpdate{
					Trip: &p.TripDescriptor{
						TripId:               proto.String("trip1"),
						RouteId:              proto.String("route1"),
						StartDate:            proto.String("20150102"),
						ScheduleRelationship: p.TripDescriptor_SCHEDULED.Enum(),
					},
					Vehicle: &p.VehicleDescriptor{
						Id:    proto.String("v1"),
						Label: proto.String("Bus 1"),
					},
					Timestamp: proto.Uint64(1420167780),
					StopTimeUpdate: []*p.TripUpdate_StopTimeUpdate{
						// Both arrival and departure set
						{
							StopSequence: proto.Uint32(4),
							StopId:       proto.String("stop1"),
							Arrival: &p.TripUpdate_StopTimeEvent{
								Time:  proto.Int64(time.Date(2015, 1, 2, 3, 3, 2, 0, time.UTC).Unix()),
								Delay: proto.Int32(47),
							},
							Departure: &p.TripUpdate_StopTimeEvent{
								Time:  proto.Int64(time.Date(2015, 1, 2, 3, 3, 4, 0, time.UTC).Unix()),
								Delay: proto.Int32(48),
							},
						},
						// Only arrival set, skipped
						{
							StopSequence:         proto.Uint32(5),
							StopId:               proto.String("stop2"),
							ScheduleRelationship: p.TripUpdate_StopTimeUpdate_SKIPPED.Enum(),
							Arrival: &p.TripUpdate_StopTimeEvent{
								Delay: proto.Int32(49),
							},
						},
						// Only departure set, no data
						{
							StopId:               proto.String("stop3"),
							ScheduleRelationship: p.TripUpdate_StopTimeUpdate_NO_DATA.Enum(),
							Departure: &p.TripUpdate_StopTimeEvent{
								Delay: proto.Int32(50),
							},
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	rt, err := ParseRealtime(context.Background(), [][]byte{data})
	require.NoError(t, err)
	require.Equal(t, 1, len(rt.TripUpdates))
	assert.Equal(t, 1, rt.NumScheduledTrips)

	tu := rt.TripUpdates[0]
	assert.Equal(t, "trip1", tu.TripID)
	assert.Equal(t, "route1", tu.RouteID)
	assert.Equal(t, "20150102", tu.StartDate)
	assert.Equal(t, "v1", tu.VehicleID)
	assert.Equal(t, "Bus 1", tu.VehicleLabel)
	assert.Equal(t, time.Unix(1420167780, 0).UTC(), tu.Timestamp)
	assert.False(t, tu.Canceled)
	require.Equal(t, 3, len(tu.StopUpdates))

	assert.Equal(t, &StopTimeUpdate{
		StopID:            "stop1",
		StopSequence:      4,
		StopSequenceIsSet: true,
		ArrivalIsSet:      true,
		ArrivalTime:       time.Date(2015, 1, 2, 3, 3, 2, 0, time.UTC),
		ArrivalDelay:      47 * time.Second,
		DepartureIsSet:    true,
		DepartureTime:     time.Date(2015, 1, 2, 3, 3, 4, 0, time.UTC),
		DepartureDelay:    48 * time.Second,
		Type:              StopTimeUpdateScheduled,
	}, tu.StopUpdates[0])

	assert.Equal(t, &StopTimeUpdate{
		StopID:            "stop2",
		StopSequence:      5,
		StopSequenceIsSet: true,
		ArrivalIsSet:      true,
		ArrivalDelay:      49 * time.Second,
		Type:              StopTimeUpdateSkipped,
	}, tu.StopUpdates[1])

	assert.Equal(t, &StopTimeUpdate{
		StopID:         "stop3",
		DepartureIsSet: true,
		DepartureDelay: 50 * time.Second,
		Type:           StopTimeUpdateNoData,
	}, tu.StopUpdates[2])
}

func TestParseRealtimeMissingStopReference(t *testing.T) {
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: []*p.FeedEntity{
			{
				Id: proto.String("entity1"),
				TripUpdate: &p.TripUpdate{
					Trip: &p.TripDescriptor{TripId: proto.String("trip1")},
					StopTimeUpdate: []*p.TripUpdate_StopTimeUpdate{
						{Arrival: &p.TripUpdate_StopTimeEvent{Delay: proto.Int32(1)}},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	_, err = ParseRealtime(context.Background(), [][]byte{data})
	assert.Error(t, err)
}

func TestParseRealtimeStopSequenceZero(t *testing.T) {
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: []*p.FeedEntity{
			{
				Id: proto.String("entity1"),
				TripUpdate: &p.TripUpdate{
					Trip: &p.TripDescriptor{TripId: proto.String("trip1")},
					StopTimeUpdate: []*p.TripUpdate_StopTimeUpdate{
						{
							StopSequence: proto.Uint32(0),
							Arrival:      &p.TripUpdate_StopTimeEvent{Delay: proto.Int32(1)},
						},
					},
				},
			},
		},
	})
	require.NoError(t, err)

	rt, err := ParseRealtime(context.Background(), [][]byte{data})
	require.NoError(t, err)
	require.Equal(t, 1, len(rt.TripUpdates))
	require.Equal(t, 1, len(rt.TripUpdates[0].StopUpdates))

	su := rt.TripUpdates[0].StopUpdates[0]
	assert.Equal(t, uint32(0), su.StopSequence)
	assert.True(t, su.StopSequenceIsSet)
}

func TestParseRealtimeCanceledTrip(t *testing.T) {
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
		},
		Entity: []*p.FeedEntity{
			{
				Id: proto.String("entity1"),
				TripUpdate: &p.TripUpdate{
					Trip: &p.TripDescriptor{
						TripId:               proto.String("trip1"),
						RouteId:              proto.String("route1"),
						ScheduleRelationship: p.TripDescriptor_CANCELED.Enum(),
					},
					Vehicle: &p.VehicleDescriptor{Id: proto.String("v1")},
				},
			},
			{
				Id: proto.String("entity2"),
				TripUpdate: &p.TripUpdate{
					Trip: &p.TripDescriptor{
						TripId:               proto.String("trip2"),
						ScheduleRelationship: p.TripDescriptor_ADDED.Enum(),
					},
				},
			},
		},
	})
	require.NoError(t, err)

	rt, err := ParseRealtime(context.Background(), [][]byte{data})
	require.NoError(t, err)

	require.Equal(t, 1, len(rt.TripUpdates))
	assert.True(t, rt.TripUpdates[0].Canceled)
	assert.Equal(t, "v1", rt.TripUpdates[0].VehicleID)
	assert.Equal(t, 1, rt.NumCanceledTrips)
	assert.Equal(t, 1, rt.NumAddedTrips)
}

func TestParseRealtimeVehiclePositions(t *testing.T) {
	data, err := proto.Marshal(&p.FeedMessage{
		Header: &p.FeedHeader{
			GtfsRealtimeVersion: proto.String("2.0"),
			Timestamp:           proto.Uint64(1337),
		},
		Entity: []*p.FeedEntity{
			{
				Id: proto.String("vp1"),
				Vehicle: &p.VehiclePosition{
					Vehicle:             &p.VehicleDescriptor{Id: proto.String("v1")},
					Trip:                &p.TripDescriptor{TripId: proto.String("trip1")},
					Timestamp:           proto.Uint64(1330),
					OccupancyPercentage: proto.Uint32(42),
				},
			},
			{
				// Label only
				Id: proto.String("vp2"),
				Vehicle: &p.VehiclePosition{
					Vehicle: &p.VehicleDescriptor{Label: proto.String("Bus 2")},
				},
			},
			{
				// Neither id nor label, ignored
				Id:      proto.String("vp3"),
				Vehicle: &p.VehiclePosition{},
			},
		},
	})
	require.NoError(t, err)

	rt, err := ParseRealtime(context.Background(), [][]byte{data})
	require.NoError(t, err)

	assert.Equal(t, 2, len(rt.Vehicles))
	assert.Equal(t, &VehiclePosition{
		VehicleID:           "v1",
		TripID:              "trip1",
		Timestamp:           time.Unix(1330, 0).UTC(),
		OccupancyPercentage: 42,
	}, rt.Vehicles["v1"])
	assert.Equal(t, int32(-1), rt.Vehicles["Bus 2"].OccupancyPercentage)
	assert.True(t, rt.Vehicles["Bus 2"].Timestamp.IsZero())
}

func TestParseRealtimeMultipleFeeds(t *testing.T) {
	feed := func(ts uint64, tripID string) []byte {
		data, err := proto.Marshal(&p.FeedMessage{
			Header: &p.FeedHeader{
				GtfsRealtimeVersion: proto.String("2.0"),
				Timestamp:           proto.Uint64(ts),
			},
			Entity: []*p.FeedEntity{
				{
					Id: proto.String(tripID),
					TripUpdate: &p.TripUpdate{
						Trip: &p.TripDescriptor{TripId: proto.String(tripID)},
						StopTimeUpdate: []*p.TripUpdate_StopTimeUpdate{
							{
								StopSequence: proto.Uint32(1),
								Arrival:      &p.TripUpdate_StopTimeEvent{Delay: proto.Int32(47)},
							},
						},
					},
				},
			},
		})
		require.NoError(t, err)
		return data
	}

	rt, err := ParseRealtime(context.Background(), [][]byte{
		feed(1337, "trip1"),
		feed(1339, "trip2"),
		feed(1338, "trip3"),
	})
	require.NoError(t, err)

	require.Equal(t, 3, len(rt.TripUpdates))
	assert.Equal(t, "trip1", rt.TripUpdates[0].TripID)
	assert.Equal(t, "trip2", rt.TripUpdates[1].TripID)
	assert.Equal(t, "trip3", rt.TripUpdates[2].TripID)

	// Timestamp is taken from the last feed
	assert.Equal(t, time.Unix(1338, 0).UTC(), rt.Timestamp)
}

func TestParseRealtimeCanceledContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ParseRealtime(ctx, [][]byte{{}})
	assert.ErrorIs(t, err, context.Canceled)
}
