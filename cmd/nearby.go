package main

import (
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/predictions"
	"tidbyt.dev/predictions/model"
)

var nearbyCmd = &cobra.Command{
	Use:   "nearby <lat> <lng> [radius]",
	Short: "Fetches the feeds once and lists predictions near a geographical location",
	Args:  cobra.RangeArgs(2, 3),
	RunE:  nearby,
}

func nearby(cmd *cobra.Command, args []string) error {
	lat, err := strconv.ParseFloat(args[0], 64)
	if err != nil {
		return fmt.Errorf("invalid lat: %w", err)
	}
	lng, err := strconv.ParseFloat(args[1], 64)
	if err != nil {
		return fmt.Errorf("invalid lng: %w", err)
	}

	radius := 500.0
	if len(args) == 3 {
		radius, err = strconv.ParseFloat(args[2], 64)
		if err != nil {
			return fmt.Errorf("invalid radius: %w", err)
		}
		if radius <= 0 {
			return fmt.Errorf("radius must be > 0")
		}
	}

	m, err := refreshOnce(cmd.Context())
	if err != nil {
		return err
	}
	defer m.Close()

	now := time.Now()
	printPredictions(m.Cache().Nearby(lat, lng, radius, predictions.MaxPredictions, time.Time{}), now)

	return nil
}

func printPredictions(sps []model.StopPredictions, now time.Time) {
	for _, sp := range sps {
		route := sp.Key.RouteShortName
		if route == "" {
			route = sp.Key.RouteID
		}

		header := fmt.Sprintf("%s %s (%s)", route, sp.Key.Headsign, sp.Key.StopID)
		if !math.IsNaN(sp.Key.DistanceToStop) {
			header += fmt.Sprintf(" %.0fm", sp.Key.DistanceToStop)
		}
		fmt.Println(header)

		for _, p := range sp.Predictions {
			kind := "dep"
			if p.IsArrival {
				kind = "arr"
			}
			fmt.Printf(
				"  %s %s in %s vehicle=%s trip=%s\n",
				kind,
				p.PredictionTime.Format("15:04:05"),
				p.PredictionTime.Sub(now).Round(time.Second),
				p.VehicleID,
				p.TripID,
			)
		}
	}
}
