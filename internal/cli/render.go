package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/webitel/socket-pool-service/pkg/model"
)

// RenderJSON pretty-prints any payload.
func RenderJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// RenderStatsTable prints the stats payload as an aligned table.
func RenderStatsTable(w io.Writer, stats *model.StatsResult) {
	fmt.Fprintf(w, "instance:  %s\n", stats.InstanceID)
	fmt.Fprintf(w, "pool:      %d / %d\n\n", stats.PoolSize, stats.MaxPoolSize)

	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENDPOINT\tSUCCESS\tFAILED\tTOTAL")

	keys := make([]string, 0, len(stats.ConnectionStats))
	for k := range stats.ConnectionStats {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		c := stats.ConnectionStats[k]
		fmt.Fprintf(tw, "%s\t%d\t%d\t%d\n", k, c.Success, c.Failed, c.Total)
	}
	tw.Flush()

	if len(stats.ActiveConnections) > 0 {
		fmt.Fprintf(w, "\nactive: %v\n", stats.ActiveConnections)
	}
}

// RenderHealth prints the health payload, optionally with the per-check
// breakdown.
func RenderHealth(w io.Writer, h *model.HealthResult, detailed bool) {
	fmt.Fprintf(w, "status: %s (instance %s)\n", h.Status, h.InstanceID)
	if !detailed {
		return
	}
	keys := make([]string, 0, len(h.Checks))
	for k := range h.Checks {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		state := "ok"
		if !h.Checks[k] {
			state = "FAIL"
		}
		fmt.Fprintf(w, "  %-20s %s\n", k, state)
	}
}
