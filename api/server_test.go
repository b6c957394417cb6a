package api

import (
	"context"
	"encoding/json"
	"io"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tidbyt.dev/predictions"
	"tidbyt.dev/predictions/model"
	"tidbyt.dev/predictions/parse"
	"tidbyt.dev/predictions/testutil"
)

type apiFixture struct {
	Server *httptest.Server
	Cache  *predictions.Cache
	Now    time.Time
}

func newAPIFixture(t *testing.T) *apiFixture {
	catalog, err := predictions.LoadCatalog(testutil.NetworkZip(t))
	require.NoError(t, err)

	f := &apiFixture{
		Cache: predictions.NewCache(catalog),
		Now:   testutil.NetworkTime(t, 9, 50, 0),
	}

	pred := func(vehicle, route, trip, stop, headsign string, seq uint32, hour, minute int) *model.Prediction {
		return &model.Prediction{
			VehicleID:         vehicle,
			RouteID:           route,
			TripID:            trip,
			StopID:            stop,
			StopSequence:      seq,
			Headsign:          headsign,
			PredictionTime:    testutil.NetworkTime(t, hour, minute, 0),
			AVLTime:           f.Now,
			CreationTime:      f.Now,
			PassengerCount:    model.PassengerCountUnknown,
			PassengerFullness: math.NaN(),
			IsArrival:         true,
		}
	}

	v1s2 := pred("v1", "r1", "t1", "s2", "Downtown", 2, 10, 6)
	v1s2.PassengerFullness = 0.5
	f.Cache.UpdateVehicle("v1", []*model.Prediction{
		v1s2,
		pred("v1", "r1", "t1", "s3", "Downtown", 3, 10, 16),
	}, f.Now)
	f.Cache.UpdateVehicle("v2", []*model.Prediction{
		pred("v2", "r2", "t3", "s2", "Second Terminal", 2, 10, 40),
	}, f.Now)

	f.Server = httptest.NewServer(NewServer(f.Cache, Options{
		TimeNow: func() time.Time { return f.Now },
	}))
	t.Cleanup(f.Server.Close)

	return f
}

func (f *apiFixture) get(t *testing.T, path string) (int, []byte) {
	resp, err := http.Get(f.Server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp.StatusCode, body
}

func (f *apiFixture) predictions(t *testing.T, path string) []StopPredictionsJSON {
	status, body := f.get(t, path)
	require.Equal(t, http.StatusOK, status, string(body))

	resp := predictionsResponse{}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.True(t, f.Now.Equal(resp.Time))

	return resp.Predictions
}

func summarizeJSON(sps []StopPredictionsJSON) []string {
	out := []string{}
	for _, sp := range sps {
		for _, p := range sp.Predictions {
			out = append(out, sp.RouteID+"/"+sp.StopID+"/"+p.VehicleID)
		}
	}
	return out
}

func TestHealth(t *testing.T) {
	f := newAPIFixture(t)

	status, body := f.get(t, "/api/health")
	require.Equal(t, http.StatusOK, status)

	resp := healthResponse{}
	require.NoError(t, json.Unmarshal(body, &resp))
	assert.Equal(t, healthResponse{Status: "ok", Keys: 3, CatalogLoaded: true}, resp)
}

func TestPredictions(t *testing.T) {
	f := newAPIFixture(t)

	sps := f.predictions(t, "/api/predictions?stop=s2")
	require.Equal(t, 2, len(sps))

	// r2 sorts first
	assert.Equal(t, "r2", sps[0].RouteID)
	assert.Equal(t, "Second Terminal", sps[0].Headsign)
	assert.Equal(t, "r1", sps[1].RouteID)
	assert.Equal(t, "1", sps[1].RouteShortName)
	assert.Equal(t, "First Avenue", sps[1].RouteName)
	assert.Equal(t, "First & Second", sps[1].StopName)
	require.NotNil(t, sps[1].DirectionID)
	assert.Equal(t, int8(0), *sps[1].DirectionID)
	assert.Nil(t, sps[1].DistanceToStop)

	require.Equal(t, 1, len(sps[1].Predictions))
	p := sps[1].Predictions[0]
	assert.Equal(t, "v1", p.VehicleID)
	assert.Equal(t, "t1", p.TripID)
	assert.Equal(t, uint32(2), p.StopSequence)
	assert.True(t, p.IsArrival)
	assert.True(t, testutil.NetworkTime(t, 10, 6, 0).Equal(p.Time))
	assert.Nil(t, p.PassengerCount)
	require.NotNil(t, p.PassengerFullness)
	assert.Equal(t, 0.5, *p.PassengerFullness)

	assert.Nil(t, sps[0].Predictions[0].PassengerFullness)

	assert.Equal(t, []string{"r1/s2/v1"}, summarizeJSON(f.predictions(t, "/api/predictions?stop=s2&route=r1")))
	assert.Equal(t, []string{"r1/s2/v1"}, summarizeJSON(f.predictions(t, "/api/predictions?stop=s2&horizon=30m")))
	assert.Equal(t, []string{}, summarizeJSON(f.predictions(t, "/api/predictions?stop=s4")))
	assert.Equal(t, []string{"r2/s2/v2", "r1/s2/v1"}, summarizeJSON(f.predictions(t, "/api/predictions?stop=s2&max=1")))
}

func TestPredictionsBadRequest(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{
		"/api/predictions",
		"/api/predictions?route=r1",
		"/api/predictions?stop=s2&max=0",
		"/api/predictions?stop=s2&max=6",
		"/api/predictions?stop=s2&max=many",
		"/api/predictions?stop=s2&horizon=soon",
		"/api/predictions?stop=s2&horizon=-5m",
	} {
		status, body := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, status, path)

		resp := errorResponse{}
		require.NoError(t, json.Unmarshal(body, &resp), path)
		assert.NotEmpty(t, resp.Error, path)
	}
}

func TestNearby(t *testing.T) {
	f := newAPIFixture(t)

	// s1 is within range but has nothing. s3 is too far.
	sps := f.predictions(t, "/api/predictions/nearby?lat=40.7010&lon=-74.0")
	assert.Equal(t, []string{"r2/s2/v2", "r1/s2/v1"}, summarizeJSON(sps))
	require.NotNil(t, sps[0].DistanceToStop)
	assert.InDelta(t, 0, *sps[0].DistanceToStop, 0.01)

	sps = f.predictions(t, "/api/predictions/nearby?lat=40.7010&lon=-74.0&radius=1500")
	assert.Equal(t, []string{"r2/s2/v2", "r1/s2/v1", "r1/s3/v1"}, summarizeJSON(sps))
	require.NotNil(t, sps[2].DistanceToStop)
	assert.InDelta(t, 1000, *sps[2].DistanceToStop, 10)

	sps = f.predictions(t, "/api/predictions/nearby?lat=40.7010&lon=-74.0&radius=1500&horizon=20m")
	assert.Equal(t, []string{"r1/s2/v1"}, summarizeJSON(sps))

	sps = f.predictions(t, "/api/predictions/nearby?lat=0&lon=0")
	assert.Equal(t, 0, len(sps))
}

func TestNearbyBadRequest(t *testing.T) {
	f := newAPIFixture(t)

	for _, path := range []string{
		"/api/predictions/nearby",
		"/api/predictions/nearby?lat=40.7",
		"/api/predictions/nearby?lon=-74",
		"/api/predictions/nearby?lat=91&lon=0",
		"/api/predictions/nearby?lat=0&lon=-181",
		"/api/predictions/nearby?lat=north&lon=0",
		"/api/predictions/nearby?lat=0&lon=0&radius=0",
		"/api/predictions/nearby?lat=0&lon=0&radius=10000",
		"/api/predictions/nearby?lat=0&lon=0&max=9",
	} {
		status, _ := f.get(t, path)
		assert.Equal(t, http.StatusBadRequest, status, path)
	}
}

func TestTripUpdates(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Get(f.Server.URL + "/gtfs-rt/trip-updates")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/x-protobuf", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	rt, err := parse.ParseRealtime(context.Background(), [][]byte{body})
	require.NoError(t, err)
	assert.True(t, f.Now.Equal(rt.Timestamp))
	require.Equal(t, 2, len(rt.TripUpdates))

	byTrip := map[string]*parse.TripUpdate{}
	for _, tu := range rt.TripUpdates {
		byTrip[tu.TripID] = tu
	}
	require.NotNil(t, byTrip["t1"])
	assert.Equal(t, "v1", byTrip["t1"].VehicleID)
	assert.Equal(t, 2, len(byTrip["t1"].StopUpdates))
	require.NotNil(t, byTrip["t3"])
	assert.Equal(t, 1, len(byTrip["t3"].StopUpdates))
}

func TestMethodsAndCORS(t *testing.T) {
	f := newAPIFixture(t)

	resp, err := http.Post(f.Server.URL+"/api/health", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

	req, err := http.NewRequest(http.MethodOptions, f.Server.URL+"/api/predictions", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	status, _ := f.get(t, "/api/nope")
	assert.Equal(t, http.StatusNotFound, status)
}

func TestEmptyCache(t *testing.T) {
	srv := httptest.NewServer(NewServer(predictions.NewCache(nil), Options{}))
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/predictions/nearby?lat=40.7&lon=-74")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	out := predictionsResponse{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 0, len(out.Predictions))
}
