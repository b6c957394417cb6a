package storage

import (
	"time"

	"tidbyt.dev/predictions/model"
)

// Archive is a persistent record of predictions as they were made,
// and of the static feeds they were made against.
type Archive interface {
	// Appends predictions to the archive.
	WritePredictions(preds []*model.Prediction) error

	// Retrieves archived predictions matching filter, ordered by
	// prediction time.
	ListPredictions(filter PredictionFilter) ([]*model.Prediction, error)

	// Deletes predictions with prediction time before t. Returns
	// the number of records deleted.
	DeletePredictionsBefore(t time.Time) (int64, error)

	// Writes a Feed record. If a record with the same URL and hash
	// exists, it is updated.
	WriteFeed(feed *Feed) error

	// Retrieves feed records matching filter, most recently
	// retrieved first.
	ListFeeds(filter ListFeedsFilter) ([]*Feed, error)

	Close() error
}

// Blank and zero fields match anything.
type PredictionFilter struct {
	VehicleIDs []string
	StopID     string
	RouteID    string

	// Inclusive bounds on prediction time.
	Start time.Time
	End   time.Time
}

type ListFeedsFilter struct {
	// If set, only include feeds with the given URL.
	URL string

	// If set, only include feeds with the given hash.
	Hash string
}

// Metadata for a downloaded static GTFS feed.
type Feed struct {
	URL          string
	Hash         string
	RetrievedAt  time.Time
	Timezone     string
	NumRoutes    int
	NumStops     int
	NumTrips     int
	MaxDeparture string
}

func (f PredictionFilter) matches(p *model.Prediction) bool {
	if len(f.VehicleIDs) > 0 {
		found := false
		for _, id := range f.VehicleIDs {
			if id == p.VehicleID {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if f.StopID != "" && f.StopID != p.StopID {
		return false
	}
	if f.RouteID != "" && f.RouteID != p.RouteID {
		return false
	}
	if !f.Start.IsZero() && p.PredictionTime.Before(f.Start) {
		return false
	}
	if !f.End.IsZero() && p.PredictionTime.After(f.End) {
		return false
	}
	return true
}
