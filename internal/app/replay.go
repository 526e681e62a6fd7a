package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"chainwatch/internal/oracle"
)

// ReplayOptions select the block range and the report outputs.
type ReplayOptions struct {
	From      uint64
	To        uint64
	CSVPath   string
	PNGPath   string
	MaxPoints int
}

// ReplaySummary describes a finished replay.
type ReplaySummary struct {
	Blocks     int
	Dispatched int
	Failures   int
	Points     int
}

// Replay processes [From, To] sequentially through the pipeline without
// delivering chat messages or webhooks, then writes the oracle comparison
// series as CSV and/or PNG.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) (ReplaySummary, error) {
	s, err := a.build(buildOptions{})
	if err != nil {
		return ReplaySummary{}, err
	}
	defer s.Close()
	return a.replay(ctx, s, opts)
}

func (a *App) replay(ctx context.Context, s *Services, opts ReplayOptions) (ReplaySummary, error) {
	var summary ReplaySummary
	if opts.To < opts.From {
		return summary, errors.New("replay range is empty, check --from/--to")
	}

	chatCtx, stopChat := context.WithCancel(context.Background())
	defer stopChat()
	go func() { _ = s.Broadcaster.Run(chatCtx) }()
	s.Start(ctx)

	for h := opts.From; h <= opts.To; h++ {
		res, err := s.Pipeline.ProcessBlock(ctx, h)
		if err != nil {
			return summary, fmt.Errorf("replay block %d: %w", h, err)
		}
		summary.Blocks++
		summary.Dispatched += res.Dispatched
		summary.Failures += res.Failures

		// Oracle refreshes run on the queues; settle so the series follows block order.
		if err := s.Settle(ctx); err != nil {
			return summary, err
		}
	}

	if err := s.Shutdown(a.Config.Shutdown.GracePeriod); err != nil {
		a.Logger.Warn().Err(err).Msg("replay shutdown incomplete")
	}

	points := downsamplePoints(s.Oracle.Series(), opts.MaxPoints)
	summary.Points = len(points)
	a.Logger.Info().
		Uint64("from", opts.From).
		Uint64("to", opts.To).
		Int("dispatched", summary.Dispatched).
		Int("failures", summary.Failures).
		Int("points", summary.Points).
		Msg("replay finished")

	if opts.CSVPath != "" {
		if err := writePointsCSV(opts.CSVPath, points); err != nil {
			return summary, err
		}
	}
	if opts.PNGPath != "" {
		if err := writePointsPNG(opts.PNGPath, points); err != nil {
			return summary, err
		}
	}
	return summary, nil
}

func downsamplePoints(points []oracle.Point, max int) []oracle.Point {
	if max <= 1 || len(points) <= max {
		return points
	}

	result := make([]oracle.Point, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writePointsCSV(path string, points []oracle.Point) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"time", "block", "key", "oracle_price", "spot_price", "divergence_pct"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		record := []string{
			p.Time.UTC().Format(time.RFC3339),
			strconv.FormatUint(p.Block, 10),
			p.Key,
			strconv.FormatFloat(p.Oracle, 'f', -1, 64),
			strconv.FormatFloat(p.Spot, 'f', -1, 64),
			strconv.FormatFloat(p.Divergence*100, 'f', 4, 64),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writePointsPNG charts the divergence of every key against the block number.
func writePointsPNG(path string, points []oracle.Point) error {
	byKey := make(map[string][]oracle.Point)
	for _, p := range points {
		byKey[p.Key] = append(byKey[p.Key], p)
	}
	keys := make([]string, 0, len(byKey))
	for k, ps := range byKey {
		// A single point has no range to draw.
		if len(ps) > 1 {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return errors.New("not enough oracle samples to chart")
	}
	sort.Strings(keys)

	if err := ensureDir(path); err != nil {
		return err
	}

	series := make([]chart.Series, 0, len(keys))
	for _, k := range keys {
		ps := byKey[k]
		x := make([]float64, len(ps))
		y := make([]float64, len(ps))
		for i, p := range ps {
			x[i] = float64(p.Block)
			y[i] = p.Divergence * 100
		}
		series = append(series, chart.ContinuousSeries{Name: k, XValues: x, YValues: y})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			Name: "Block",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		YAxis: chart.YAxis{
			Name: "Oracle vs spot (%)",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
