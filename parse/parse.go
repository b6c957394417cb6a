package parse

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"strings"

	"github.com/gocarina/gocsv"
	"github.com/spkg/bom"

	"tidbyt.dev/predictions/model"
)

// Receives the static GTFS records needed to describe prediction
// keys and to resolve realtime updates against the schedule.
type StaticWriter interface {
	WriteAgency(agency model.Agency) error
	WriteRoute(route model.Route) error
	WriteStop(stop model.Stop) error
	WriteTrip(trip model.Trip) error
	WriteStopTime(stopTime model.StopTime) error
}

// Key information about a parsed static feed.
type StaticInfo struct {
	Timezone     string
	NumRoutes    int
	NumStops     int
	NumTrips     int
	MaxDeparture string
}

func ParseStatic(writer StaticWriter, buf []byte) (*StaticInfo, error) {
	// Calendars aren't needed here: realtime trip updates carry
	// their own start_date.
	file := map[string]io.ReadCloser{
		"agency.txt":     nil,
		"routes.txt":     nil,
		"stops.txt":      nil,
		"trips.txt":      nil,
		"stop_times.txt": nil,
	}

	defer func() {
		for _, rc := range file {
			if rc != nil {
				rc.Close()
			}
		}
	}()

	r, err := zip.NewReader(bytes.NewReader(buf), int64(len(buf)))
	if err != nil {
		return nil, fmt.Errorf("unzipping: %w", err)
	}

	for _, f := range r.File {
		// There should not be any subdirectories. But, some
		// agencies don't care.
		if f.FileInfo().IsDir() {
			continue
		}
		path := strings.Split(f.Name, "/")
		fName := path[len(path)-1]

		if _, found := file[fName]; !found {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("opening %s: %w", f.Name, err)
		}

		file[fName] = rc
	}

	for _, required := range []string{"agency.txt", "routes.txt", "stops.txt", "trips.txt", "stop_times.txt"} {
		if file[required] == nil {
			return nil, fmt.Errorf("missing %s", required)
		}
	}

	// LazyCSVReader required (at least) to survive sloppy use of
	// quotes. The BOM reader strips unicode BOMs if present.
	gocsv.SetCSVReader(func(in io.Reader) gocsv.CSVReader {
		return gocsv.LazyCSVReader(bom.NewReader(in))
	})

	agency, timezone, err := ParseAgency(writer, file["agency.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing agency.txt: %w", err)
	}

	routes, err := ParseRoutes(writer, file["routes.txt"], agency)
	if err != nil {
		return nil, fmt.Errorf("parsing routes.txt: %w", err)
	}

	trips, err := ParseTrips(writer, file["trips.txt"], routes)
	if err != nil {
		return nil, fmt.Errorf("parsing trips.txt: %w", err)
	}

	stops, err := ParseStops(writer, file["stops.txt"])
	if err != nil {
		return nil, fmt.Errorf("parsing stops.txt: %w", err)
	}

	maxDeparture, err := ParseStopTimes(writer, file["stop_times.txt"], trips, stops)
	if err != nil {
		return nil, fmt.Errorf("parsing stop_times.txt: %w", err)
	}

	return &StaticInfo{
		Timezone:     timezone,
		NumRoutes:    len(routes),
		NumStops:     len(stops),
		NumTrips:     len(trips),
		MaxDeparture: maxDeparture,
	}, nil
}
