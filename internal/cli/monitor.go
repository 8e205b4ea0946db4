package cli

import (
	"context"
	"fmt"
	"sort"
	"time"

	ui "github.com/gizak/termui/v3"
	"github.com/gizak/termui/v3/widgets"
	"github.com/webitel/socket-pool-service/client"
)

// Monitor runs the full-screen live dashboard until q or Ctrl-C.
func Monitor(ctx context.Context, cl *client.Client, interval time.Duration) error {
	if err := ui.Init(); err != nil {
		return fmt.Errorf("init terminal ui: %w", err)
	}
	defer ui.Close()

	header := widgets.NewParagraph()
	header.Title = "socket-pool-service"

	gauge := widgets.NewGauge()
	gauge.Title = "pool utilization"

	endpoints := widgets.NewList()
	endpoints.Title = "endpoints (success/failed/total)"

	spark := widgets.NewSparkline()
	spark.Data = []float64{0}
	sparkGroup := widgets.NewSparklineGroup(spark)
	sparkGroup.Title = "pool size"

	grid := ui.NewGrid()
	w, h := ui.TerminalDimensions()
	grid.SetRect(0, 0, w, h)
	grid.Set(
		ui.NewRow(0.2, ui.NewCol(0.6, header), ui.NewCol(0.4, gauge)),
		ui.NewRow(0.5, endpoints),
		ui.NewRow(0.3, sparkGroup),
	)

	refresh := func() {
		reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		stats, err := cl.Stats(reqCtx)
		cancel()
		if err != nil {
			header.Text = fmt.Sprintf("daemon unreachable: %v", err)
			ui.Render(grid)
			return
		}

		header.Text = fmt.Sprintf("instance %s\npool %d/%d",
			stats.InstanceID, stats.PoolSize, stats.MaxPoolSize)

		if stats.MaxPoolSize > 0 {
			gauge.Percent = stats.PoolSize * 100 / stats.MaxPoolSize
		}

		rows := make([]string, 0, len(stats.ConnectionStats))
		keys := make([]string, 0, len(stats.ConnectionStats))
		for k := range stats.ConnectionStats {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			c := stats.ConnectionStats[k]
			rows = append(rows, fmt.Sprintf("%s  %d/%d/%d", k, c.Success, c.Failed, c.Total))
		}
		endpoints.Rows = rows

		spark.Data = append(spark.Data, float64(stats.PoolSize))
		if len(spark.Data) > 120 {
			spark.Data = spark.Data[len(spark.Data)-120:]
		}
		ui.Render(grid)
	}

	refresh()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	events := ui.PollEvents()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			refresh()
		case e := <-events:
			switch e.ID {
			case "q", "<C-c>":
				return nil
			case "<Resize>":
				payload := e.Payload.(ui.Resize)
				grid.SetRect(0, 0, payload.Width, payload.Height)
				ui.Render(grid)
			}
		}
	}
}
