package predictions

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"tidbyt.dev/predictions/model"
)

// Maximum number of predictions retained per key.
const MaxPredictions = 5

// Aggregator holds the predictions for a single route, stop and
// destination. It's shared by all writers and readers of that key,
// and is safe for concurrent use.
//
// The predictions are kept sorted by time and never exceed
// MaxPredictions. Expired predictions are only dropped when some
// vehicle updates this key (or when Remove is called). A key that
// stops receiving updates keeps its last predictions around until
// then.
type Aggregator struct {
	key model.PredictionKey

	mutex       sync.Mutex
	predictions []*model.Prediction
}

func NewAggregator(key model.PredictionKey) *Aggregator {
	return &Aggregator{
		key:         key,
		predictions: make([]*model.Prediction, 0, MaxPredictions),
	}
}

func (a *Aggregator) Key() model.PredictionKey {
	return a.key
}

// Number of predictions currently held.
func (a *Aggregator) Len() int {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return len(a.predictions)
}

// Replaces a vehicle's predictions for this key.
//
// All predictions in preds are expected to be for the same vehicle,
// and sorted by PredictionTime. Any prior predictions for that
// vehicle are removed, as are all predictions with time before now.
// The new ones are then merged in, evicting the latest predictions if
// capacity is exceeded.
func (a *Aggregator) Update(preds []*model.Prediction, now time.Time) {
	if len(preds) == 0 {
		return
	}

	preds = normalizeBatch(preds)
	vehicleID := preds[0].VehicleID

	a.mutex.Lock()
	defer a.mutex.Unlock()

	// Drop the vehicle's old predictions, and anything expired.
	kept := a.predictions[:0]
	for _, p := range a.predictions {
		if p.VehicleID == vehicleID || p.PredictionTime.Before(now) {
			continue
		}
		kept = append(kept, p)
	}
	for i := len(kept); i < len(a.predictions); i++ {
		a.predictions[i] = nil
	}
	a.predictions = kept

	for _, p := range preds {
		idx := sort.Search(len(a.predictions), func(i int) bool {
			return a.predictions[i].PredictionTime.After(p.PredictionTime)
		})

		if idx == len(a.predictions) {
			// Later than everything held. The batch is sorted,
			// so if this doesn't fit then neither will the
			// rest.
			if len(a.predictions) >= MaxPredictions {
				break
			}
			a.predictions = append(a.predictions, p)
			continue
		}

		if len(a.predictions) >= MaxPredictions {
			a.predictions[len(a.predictions)-1] = nil
			a.predictions = a.predictions[:len(a.predictions)-1]
		}
		a.predictions = append(a.predictions, nil)
		copy(a.predictions[idx+1:], a.predictions[idx:])
		a.predictions[idx] = p
	}
}

// Removes a single prediction, matched by identity or value. Returns
// false if it wasn't held.
func (a *Aggregator) Remove(pred *model.Prediction) bool {
	if pred == nil {
		return false
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	for i, p := range a.predictions {
		if p == pred || p.Equal(pred) {
			copy(a.predictions[i:], a.predictions[i+1:])
			a.predictions[len(a.predictions)-1] = nil
			a.predictions = a.predictions[:len(a.predictions)-1]
			return true
		}
	}

	return false
}

// Returns a copy of at most maxPredictions of the earliest
// predictions, with the key's DistanceToStop set to distanceToStop.
func (a *Aggregator) Clone(maxPredictions int, distanceToStop float64) model.StopPredictions {
	return a.CloneUntil(maxPredictions, time.Time{}, distanceToStop)
}

// Same as Clone, but also excludes predictions after maxTime. A zero
// maxTime means no limit.
func (a *Aggregator) CloneUntil(maxPredictions int, maxTime time.Time, distanceToStop float64) model.StopPredictions {
	maxPredictions = min(max(maxPredictions, 0), MaxPredictions)

	key := a.key
	key.DistanceToStop = distanceToStop

	a.mutex.Lock()
	defer a.mutex.Unlock()

	preds := make([]*model.Prediction, 0, min(maxPredictions, len(a.predictions)))
	for _, p := range a.predictions {
		if len(preds) >= maxPredictions {
			break
		}
		if !maxTime.IsZero() && p.PredictionTime.After(maxTime) {
			break
		}
		preds = append(preds, p)
	}

	return model.StopPredictions{
		Key:         key,
		Predictions: preds,
	}
}

// Callers are expected to pass a single vehicle's predictions, sorted
// by time. Anything else gets a sorted copy holding only the first
// record's vehicle.
func normalizeBatch(preds []*model.Prediction) []*model.Prediction {
	vehicleID := preds[0].VehicleID

	mixed := false
	for _, p := range preds[1:] {
		if p.VehicleID != vehicleID {
			mixed = true
			break
		}
	}

	sorted := sort.SliceIsSorted(preds, func(i, j int) bool {
		return preds[i].PredictionTime.Before(preds[j].PredictionTime)
	})

	if !mixed && sorted {
		return preds
	}

	batch := make([]*model.Prediction, 0, len(preds))
	for _, p := range preds {
		if p.VehicleID != vehicleID {
			continue
		}
		batch = append(batch, p)
	}
	if mixed {
		slog.Warn(
			"dropping predictions for other vehicles from batch",
			"vehicle_id", vehicleID,
			"dropped", len(preds)-len(batch),
		)
	}

	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].PredictionTime.Before(batch[j].PredictionTime)
	})

	return batch
}
