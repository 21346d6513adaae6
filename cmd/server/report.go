package main

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/rufus800/challawa-np/internal/api"
	"github.com/rufus800/challawa-np/internal/health"
	"github.com/rufus800/challawa-np/internal/models"
	"github.com/rufus800/challawa-np/internal/store"
	"github.com/rufus800/challawa-np/pkg/utils"
)

const (
	formatTable = "table"
	formatJSON  = "json"
	formatCSV   = "csv"
)

type reportOptions struct {
	dbPath string
	format string

	unit     int
	from, to string
	window   time.Duration
}

func newReportCmd() *cobra.Command {
	opts := &reportOptions{}

	cmd := &cobra.Command{
		Use:   "report",
		Short: "Query the trip event store",
	}
	cmd.PersistentFlags().StringVar(&opts.dbPath, "db", "", "event store path (default from config)")
	cmd.PersistentFlags().StringVar(&opts.format, "format", formatTable, "output format: table, json or csv")

	events := &cobra.Command{
		Use:   "events",
		Short: "List trip events",
		Example: `  challawa-monitor report events --from 2024-03-01 --to 2024-03-31
  challawa-monitor report events --unit 2 --format csv > unit2.csv`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(ctx context.Context, st *store.SQLiteStore, unitName func(int) string, _ int) error {
				return runEventsReport(ctx, cmd.OutOrStdout(), st, opts, unitName)
			})
		},
	}
	events.Flags().IntVar(&opts.unit, "unit", 0, "unit id (default all units)")
	events.Flags().StringVar(&opts.from, "from", "", "earliest onset, a date or timestamp")
	events.Flags().StringVar(&opts.to, "to", "", "latest onset; a bare date covers the whole day")

	healthCmd := &cobra.Command{
		Use:   "health",
		Short: "Print per-unit health scores",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(opts, func(ctx context.Context, st *store.SQLiteStore, unitName func(int) string, unitCount int) error {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				curve, err := health.NewCurve(cfg.Health.Curve, cfg.Health.TripScale, cfg.Health.DowntimeScale)
				if err != nil {
					return err
				}
				window := opts.window
				if window <= 0 {
					window = cfg.Health.Lookback
				}
				scorer := health.NewScorer(st, nil, curve, unitCount, unitName)
				return runHealthReport(ctx, cmd.OutOrStdout(), scorer, window, opts.format)
			})
		},
	}
	healthCmd.Flags().DurationVar(&opts.window, "window", 0, "lookback window (default from config)")

	cmd.AddCommand(events, healthCmd)
	return cmd
}

func withStore(opts *reportOptions, fn func(ctx context.Context, st *store.SQLiteStore, unitName func(int) string, unitCount int) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	path := opts.dbPath
	if path == "" {
		path = cfg.Store.Path
	}

	st, err := store.Open(path)
	if err != nil {
		return err
	}
	defer st.Close()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()
	return fn(ctx, st, cfg.UnitName, cfg.UnitCount)
}

func eventFilter(opts *reportOptions) (store.Filter, error) {
	var f store.Filter
	if opts.unit != 0 {
		f = store.ForUnit(opts.unit)
	}
	if opts.from != "" {
		t, err := utils.ParseTimestamp(opts.from)
		if err != nil {
			return f, fmt.Errorf("--from: %w", err)
		}
		f.From = &t
	}
	if opts.to != "" {
		t, err := utils.ParseRangeEnd(opts.to)
		if err != nil {
			return f, fmt.Errorf("--to: %w", err)
		}
		f.To = &t
	}
	return f, nil
}

func runEventsReport(ctx context.Context, w io.Writer, events api.EventQuerier, opts *reportOptions, unitName func(int) string) error {
	filter, err := eventFilter(opts)
	if err != nil {
		return err
	}
	list, err := store.Collect(events.Query(ctx, filter))
	if err != nil {
		return err
	}

	switch opts.format {
	case formatJSON:
		if list == nil {
			list = []models.TripEvent{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(list)

	case formatCSV:
		cw := csv.NewWriter(w)
		cw.Write([]string{"event_id", "unit_id", "unit_name", "onset_timestamp", "clear_timestamp",
			"duration_seconds", "pressure_at_onset", "speed_at_onset"})
		for _, ev := range list {
			cleared, duration := "", ""
			if ev.ClearTimestamp != nil {
				cleared = ev.ClearTimestamp.UTC().Format(time.RFC3339)
				duration = utils.FormatFloat(ev.Duration(*ev.ClearTimestamp).Seconds(), 1)
			}
			cw.Write([]string{ev.EventID, strconv.Itoa(ev.UnitID), unitName(ev.UnitID),
				ev.OnsetTimestamp.UTC().Format(time.RFC3339), cleared, duration,
				utils.FormatFloat(float64(ev.PressureAtOnset), 2), utils.FormatFloat(float64(ev.SpeedAtOnset), 1)})
		}
		cw.Flush()
		return cw.Error()

	case formatTable:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "UNIT\tNAME\tONSET\tCLEARED\tDURATION\tPRESSURE\tSPEED")
		for _, ev := range list {
			cleared, duration := "open", "-"
			if ev.ClearTimestamp != nil {
				cleared = utils.FormatDateTime(ev.ClearTimestamp.Local())
				duration = utils.FormatDuration(ev.Duration(*ev.ClearTimestamp))
			}
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\t%s\t%s\n", ev.UnitID, unitName(ev.UnitID),
				utils.FormatDateTime(ev.OnsetTimestamp.Local()), cleared, duration,
				utils.FormatFloat(float64(ev.PressureAtOnset), 2), utils.FormatFloat(float64(ev.SpeedAtOnset), 1))
		}
		fmt.Fprintf(tw, "\n%d trip events\n", len(list))
		return tw.Flush()
	}
	return fmt.Errorf("unknown format %q", opts.format)
}

type healthScorer interface {
	ScoreAll(ctx context.Context, lookback time.Duration) ([]models.HealthScore, error)
}

func runHealthReport(ctx context.Context, w io.Writer, scorer healthScorer, window time.Duration, format string) error {
	scores, err := scorer.ScoreAll(ctx, window)
	if err != nil {
		return err
	}

	switch format {
	case formatJSON:
		if scores == nil {
			scores = []models.HealthScore{}
		}
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(scores)

	case formatCSV:
		cw := csv.NewWriter(w)
		cw.Write([]string{"unit_id", "unit_name", "health_score", "band", "trip_count", "downtime_seconds"})
		for _, s := range scores {
			cw.Write([]string{strconv.Itoa(s.UnitID), s.UnitName, utils.FormatFloat(s.Score, 1), s.Band,
				strconv.Itoa(s.TripCount), utils.FormatFloat(s.Downtime.Seconds(), 0)})
		}
		cw.Flush()
		return cw.Error()

	case formatTable:
		tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
		fmt.Fprintf(tw, "Window: %s\n\n", utils.FormatDuration(window))
		fmt.Fprintln(tw, "UNIT\tNAME\tSCORE\tBAND\tTRIPS\tDOWNTIME")
		for _, s := range scores {
			fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d\t%s\n", s.UnitID, s.UnitName, utils.FormatFloat(s.Score, 1),
				s.Band, s.TripCount, utils.FormatDuration(s.Downtime))
		}
		if len(scores) == 0 {
			fmt.Fprintln(tw, "no unit has recorded data")
		}
		return tw.Flush()
	}
	return fmt.Errorf("unknown format %q", format)
}
