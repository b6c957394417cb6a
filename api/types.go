package api

import (
	"math"
	"time"

	"tidbyt.dev/predictions/model"
)

type errorResponse struct {
	Error string `json:"error"`
}

type healthResponse struct {
	Status        string `json:"status"`
	Keys          int    `json:"keys"`
	CatalogLoaded bool   `json:"catalog_loaded"`
}

type predictionsResponse struct {
	Time        time.Time             `json:"time"`
	Predictions []StopPredictionsJSON `json:"predictions"`
}

// Predictions for one route, stop and headsign.
type StopPredictionsJSON struct {
	RouteID        string `json:"route_id"`
	RouteShortName string `json:"route_short_name,omitempty"`
	RouteName      string `json:"route_name,omitempty"`
	StopID         string `json:"stop_id"`
	StopName       string `json:"stop_name,omitempty"`
	Headsign       string `json:"headsign"`

	// Omitted when unknown.
	DirectionID *int8 `json:"direction_id,omitempty"`

	// Meters. Only set for nearby queries.
	DistanceToStop *float64 `json:"distance_to_stop,omitempty"`

	Predictions []PredictionJSON `json:"predictions"`
}

type PredictionJSON struct {
	VehicleID          string    `json:"vehicle_id"`
	TripID             string    `json:"trip_id"`
	BlockID            string    `json:"block_id,omitempty"`
	StopSequence       uint32    `json:"stop_sequence"`
	Time               time.Time `json:"time"`
	IsArrival          bool      `json:"is_arrival"`
	AVLTime            time.Time `json:"avl_time"`
	AffectedByWaitStop bool      `json:"affected_by_wait_stop"`
	DriverID           string    `json:"driver_id,omitempty"`
	PassengerCount     *int      `json:"passenger_count,omitempty"`
	PassengerFullness  *float64  `json:"passenger_fullness,omitempty"`
}

func toStopPredictionsJSON(sps []model.StopPredictions) []StopPredictionsJSON {
	out := make([]StopPredictionsJSON, 0, len(sps))
	for _, sp := range sps {
		k := sp.Key
		j := StopPredictionsJSON{
			RouteID:        k.RouteID,
			RouteShortName: k.RouteShortName,
			RouteName:      k.RouteName,
			StopID:         k.StopID,
			StopName:       k.StopName,
			Headsign:       k.Headsign,
			Predictions:    make([]PredictionJSON, 0, len(sp.Predictions)),
		}
		if k.DirectionID >= 0 {
			direction := k.DirectionID
			j.DirectionID = &direction
		}
		if !math.IsNaN(k.DistanceToStop) {
			distance := k.DistanceToStop
			j.DistanceToStop = &distance
		}

		for _, p := range sp.Predictions {
			pj := PredictionJSON{
				VehicleID:          p.VehicleID,
				TripID:             p.TripID,
				BlockID:            p.BlockID,
				StopSequence:       p.StopSequence,
				Time:               p.PredictionTime,
				IsArrival:          p.IsArrival,
				AVLTime:            p.AVLTime,
				AffectedByWaitStop: p.AffectedByWaitStop,
				DriverID:           p.DriverID,
			}
			if p.HasPassengerCount() {
				count := p.PassengerCount
				pj.PassengerCount = &count
			}
			if p.HasPassengerFullness() {
				fullness := p.PassengerFullness
				pj.PassengerFullness = &fullness
			}
			j.Predictions = append(j.Predictions, pj)
		}

		out = append(out, j)
	}
	return out
}
