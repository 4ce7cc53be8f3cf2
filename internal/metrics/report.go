// internal/metrics/report.go
package metrics

import (
	"fmt"
	"io"
	"maps"
	"slices"

	"github.com/olekukonko/tablewriter"
)

// RenderTable writes one row per run, epoch and metric. Run-wide stats use
// "all" in the epoch column.
func RenderTable(w io.Writer, runs []RunMetrics) {
	var data [][]string
	for _, run := range runs {
		id := run.RunID
		if len(id) > 8 {
			id = id[:8]
		}
		for _, name := range slices.Sorted(maps.Keys(run.Overall)) {
			data = append(data, statRow(id, "all", name, run.Overall[name]))
		}
		for _, epoch := range run.Epochs {
			for _, name := range slices.Sorted(maps.Keys(epoch.Stats)) {
				data = append(data, statRow(id, fmt.Sprint(epoch.Epoch), name, epoch.Stats[name]))
			}
		}
	}

	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"RUN", "EPOCH", "METRIC", "COUNT", "MEAN", "STDDEV", "MIN", "MAX"})
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetBorder(false)
	table.AppendBulk(data)
	table.Render()
}

func statRow(run, epoch, name string, stat *RunningStat) []string {
	return []string{
		run,
		epoch,
		name,
		fmt.Sprint(stat.Count),
		fmt.Sprintf("%.4f", stat.Mean),
		fmt.Sprintf("%.4f", stat.StdDev()),
		fmt.Sprintf("%.4f", stat.Min),
		fmt.Sprintf("%.4f", stat.Max),
	}
}
