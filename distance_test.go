package predictions

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"tidbyt.dev/predictions/model"
)

func TestHaversineDistance(t *testing.T) {
	var loc = map[string]model.Stop{
		"nyc":    {ID: "nyc", Lat: 40.700000, Lon: -74.100000},
		"philly": {ID: "philly", Lat: 40.000000, Lon: -75.200000},
		"sf":     {ID: "sf", Lat: 37.800000, Lon: -122.500000},
		"la":     {ID: "la", Lat: 34.000000, Lon: -118.500000},
		"sto":    {ID: "sto", Lat: 59.300000, Lon: 17.900000},
		"lon":    {ID: "lon", Lat: 51.500000, Lon: -0.200000},
	}

	dist := func(a, b string) float64 {
		return haversineDistance(loc[a].Lat, loc[a].Lon, loc[b].Lat, loc[b].Lon)
	}

	assert.InDelta(t, 121438.585, dist("nyc", "philly"), 1)
	assert.InDelta(t, 4127311.071, dist("nyc", "sf"), 1)
	assert.InDelta(t, 3951861.367, dist("nyc", "la"), 1)
	assert.InDelta(t, 6318636.281, dist("nyc", "sto"), 1)
	assert.InDelta(t, 5572804.939, dist("nyc", "lon"), 1)
	assert.InDelta(t, 555165.790, dist("sf", "la"), 1)
	assert.InDelta(t, 1426989.197, dist("sto", "lon"), 1)

	assert.Equal(t, 0.0, dist("nyc", "nyc"))
	assert.InDelta(t, dist("sf", "la"), dist("la", "sf"), 0.001)
}
