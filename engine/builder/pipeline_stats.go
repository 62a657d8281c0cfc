package builder

import (
	"fmt"
	"io"

	"github.com/Carmen-Shannon/oxy-bvh/engine/bvh"
	"github.com/olekukonko/tablewriter"
)

// PipelineStats holds the report of every stage of the last builds. A stage keeps its report until
// it runs again.
type PipelineStats struct {
	PLOC           bvh.StageStats `json:"plocpp"`
	Collapsing     bvh.StageStats `json:"collapsing"`
	Transformation bvh.StageStats `json:"transformation"`
	Rearrangement  bvh.StageStats `json:"rearrangement"`
}

// Clear drops every stage report.
func (p *PipelineStats) Clear() {
	*p = PipelineStats{}
}

// Stages returns the reports in build order.
func (p PipelineStats) Stages() []bvh.StageStats {
	return []bvh.StageStats{p.PLOC, p.Collapsing, p.Transformation, p.Rearrangement}
}

// Final returns the report of the last stage that ran.
func (p PipelineStats) Final() bvh.StageStats {
	stages := p.Stages()
	for i := len(stages) - 1; i >= 0; i-- {
		if stages[i].Ran() {
			return stages[i]
		}
	}
	return bvh.StageStats{}
}

// TimeTotal sums the device time of every stage.
func (p PipelineStats) TimeTotal() float64 {
	var ms float64
	for _, s := range p.Stages() {
		ms += float64(s.TimeTotal().Microseconds()) / 1000
	}
	return ms
}

func (p *PipelineStats) set(s BuildState, ss bvh.StageStats) {
	switch s {
	case StatePLOC:
		p.PLOC = ss
	case StateCollapsing:
		p.Collapsing = ss
	case StateTransformation:
		p.Transformation = ss
	case StateRearrangement:
		p.Rearrangement = ss
	}
}

// WriteTable prints one row per stage that ran, followed by the breakdown of its timed steps.
//
// Parameters:
//   - w: the destination
func (p PipelineStats) WriteTable(w io.Writer) {
	table := tablewriter.NewWriter(w)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetHeader([]string{"Stage", "Step", "Time (ms)", "Nodes", "Leaves", "Leaf min/avg/max", "SAH cost", "Memory"})
	for _, s := range p.Stages() {
		if !s.Ran() {
			continue
		}
		table.Append([]string{
			s.Stage,
			"---",
			fmtMs(s.TimeTotal().Microseconds()),
			fmt.Sprint(s.NodeCountTotal),
			fmt.Sprint(s.NodeCountLeaf),
			fmt.Sprintf("%d / %.2f / %d", s.LeafSizeMin(), s.LeafSizeAvg(), s.Bvh.LeafSizeMax),
			fmt.Sprintf("%.2f", s.Bvh.CostTotal()),
			fmtSize(s.Memory),
		})
		for _, t := range s.Times {
			table.Append([]string{"", t.Name, fmtMs(t.Duration.Microseconds()), "", "", "", "", ""})
		}
		if s.IterationCount > 0 {
			table.Append([]string{"", "iterations", fmt.Sprint(s.IterationCount), "", "", "", "", ""})
		}
	}
	table.SetFooter([]string{"", "Total", fmt.Sprintf("%.3f", p.TimeTotal()), "", "", "", "", ""})
	table.Render()
}

func fmtMs(us int64) string {
	return fmt.Sprintf("%.3f", float64(us)/1000)
}

func fmtSize(bytes uint64) string {
	switch {
	case bytes >= 1<<20:
		return fmt.Sprintf("%.1f MiB", float64(bytes)/(1<<20))
	case bytes >= 1<<10:
		return fmt.Sprintf("%.1f KiB", float64(bytes)/(1<<10))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
