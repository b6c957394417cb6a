package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"tidbyt.dev/predictions"
)

var showCmd = &cobra.Command{
	Use:   "show <stop_id>",
	Short: "Fetches the feeds once and lists predictions for a stop",
	Args:  cobra.ExactArgs(1),
	RunE:  show,
}

var (
	routeID string
	limit   int
	horizon time.Duration
)

func init() {
	showCmd.Flags().StringVarP(&routeID, "route", "r", "", "Restrict to a specific route")
	showCmd.Flags().IntVarP(&limit, "limit", "n", predictions.MaxPredictions, "Max predictions per route and headsign")
	showCmd.Flags().DurationVarP(&horizon, "horizon", "W", 0, "Only show predictions within this window")
}

func show(cmd *cobra.Command, args []string) error {
	if limit < 1 || limit > predictions.MaxPredictions {
		return fmt.Errorf("limit must be between 1 and %d", predictions.MaxPredictions)
	}

	m, err := refreshOnce(cmd.Context())
	if err != nil {
		return err
	}
	defer m.Close()

	now := time.Now()
	q := predictions.Query{
		RouteID:        routeID,
		StopID:         args[0],
		MaxPredictions: limit,
	}
	if horizon > 0 {
		q.MaxTime = now.Add(horizon)
	}

	printPredictions(m.Cache().Predictions(q), now)

	return nil
}
