package storage

import (
	"sort"
	"sync"
	"time"

	"tidbyt.dev/predictions/model"
)

// In memory implementation of Archive

type memoryFeedKey struct {
	URL  string
	Hash string
}

type MemoryArchive struct {
	mutex       sync.Mutex
	predictions []*model.Prediction
	feeds       map[memoryFeedKey]*Feed
}

func NewMemoryArchive() *MemoryArchive {
	return &MemoryArchive{
		predictions: []*model.Prediction{},
		feeds:       map[memoryFeedKey]*Feed{},
	}
}

func (a *MemoryArchive) WritePredictions(preds []*model.Prediction) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	for _, p := range preds {
		// Predictions are immutable, but the archive shouldn't
		// hold on to the caller's pointers.
		cp := *p
		a.predictions = append(a.predictions, &cp)
	}

	return nil
}

func (a *MemoryArchive) ListPredictions(filter PredictionFilter) ([]*model.Prediction, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	result := []*model.Prediction{}
	for _, p := range a.predictions {
		if !filter.matches(p) {
			continue
		}
		cp := *p
		result = append(result, &cp)
	}

	sort.SliceStable(result, func(i, j int) bool {
		x, y := result[i], result[j]
		if !x.PredictionTime.Equal(y.PredictionTime) {
			return x.PredictionTime.Before(y.PredictionTime)
		}
		if x.VehicleID != y.VehicleID {
			return x.VehicleID < y.VehicleID
		}
		return x.StopSequence < y.StopSequence
	})

	return result, nil
}

func (a *MemoryArchive) DeletePredictionsBefore(t time.Time) (int64, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	kept := a.predictions[:0]
	for _, p := range a.predictions {
		if p.PredictionTime.Before(t) {
			continue
		}
		kept = append(kept, p)
	}
	deleted := int64(len(a.predictions) - len(kept))
	for i := len(kept); i < len(a.predictions); i++ {
		a.predictions[i] = nil
	}
	a.predictions = kept

	return deleted, nil
}

func (a *MemoryArchive) WriteFeed(feed *Feed) error {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	cp := *feed
	a.feeds[memoryFeedKey{URL: feed.URL, Hash: feed.Hash}] = &cp

	return nil
}

func (a *MemoryArchive) ListFeeds(filter ListFeedsFilter) ([]*Feed, error) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	feeds := []*Feed{}
	for _, feed := range a.feeds {
		if filter.URL != "" && feed.URL != filter.URL {
			continue
		}
		if filter.Hash != "" && feed.Hash != filter.Hash {
			continue
		}
		cp := *feed
		feeds = append(feeds, &cp)
	}
	sort.Slice(feeds, func(i, j int) bool {
		return feeds[i].RetrievedAt.After(feeds[j].RetrievedAt)
	})

	return feeds, nil
}

func (a *MemoryArchive) Close() error {
	return nil
}
