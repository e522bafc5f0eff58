package watch

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/charmbracelet/bubbles/table"

	"github.com/mattjoyce/ductile-host/internal/events"
)

// RunStatus is where a run is in its lifecycle as seen through events.
type RunStatus string

const (
	RunRunning    RunStatus = "running"
	RunCompleted  RunStatus = "completed"
	RunFailed     RunStatus = "failed"
	RunUnreported RunStatus = "unreported"
)

// maxRuns bounds how many finished runs the monitor keeps.
const maxRuns = 200

// RunState is one row of the runs table.
type RunState struct {
	RunID      string
	WorkflowID string
	Status     RunStatus
	ErrorName  string
	Started    time.Time
	Duration   time.Duration
	Retries    int
}

type runEvent struct {
	RunID       string `json:"run_id"`
	WorkflowID  string `json:"workflow_id"`
	DurationMS  int64  `json:"duration_ms"`
	Error       string `json:"error"`
	ReportError string `json:"report_error"`
}

// applyEvent folds one lifecycle event into runs. It reports whether the
// event concerned a run.
func applyEvent(runs map[string]*RunState, e events.Event) bool {
	switch e.Kind {
	case events.KindRunStarted, events.KindRunCompleted, events.KindRunFailed, events.KindRunReportFailed:
	default:
		return false
	}

	var data runEvent
	if err := json.Unmarshal(e.Data, &data); err != nil || data.RunID == "" {
		return false
	}

	run, ok := runs[data.RunID]
	if !ok {
		run = &RunState{RunID: data.RunID, Started: e.At}
		runs[data.RunID] = run
	}
	if data.WorkflowID != "" {
		run.WorkflowID = data.WorkflowID
	}

	switch e.Kind {
	case events.KindRunStarted:
		run.Status = RunRunning
		run.Started = e.At
	case events.KindRunCompleted:
		run.Status = RunCompleted
		run.Duration = time.Duration(data.DurationMS) * time.Millisecond
	case events.KindRunFailed:
		run.Status = RunFailed
		run.ErrorName = data.Error
		run.Duration = time.Duration(data.DurationMS) * time.Millisecond
	case events.KindRunReportFailed:
		run.Status = RunUnreported
		run.ErrorName = data.ReportError
		run.Duration = time.Duration(data.DurationMS) * time.Millisecond
	}

	prune(runs, maxRuns)
	return true
}

// prune drops the oldest finished runs beyond limit. Running runs are kept.
func prune(runs map[string]*RunState, limit int) {
	if len(runs) <= limit {
		return
	}
	finished := make([]*RunState, 0, len(runs))
	for _, r := range runs {
		if r.Status != RunRunning {
			finished = append(finished, r)
		}
	}
	sort.Slice(finished, func(i, j int) bool { return finished[i].Started.Before(finished[j].Started) })
	for _, r := range finished {
		if len(runs) <= limit {
			return
		}
		delete(runs, r.RunID)
	}
}

// sortedRuns returns runs newest first.
func sortedRuns(runs map[string]*RunState) []*RunState {
	out := make([]*RunState, 0, len(runs))
	for _, r := range runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Started.Equal(out[j].Started) {
			return out[i].RunID < out[j].RunID
		}
		return out[i].Started.After(out[j].Started)
	})
	return out
}

func runColumns() []table.Column {
	return []table.Column{
		{Title: "Run", Width: 24},
		{Title: "Workflow", Width: 16},
		{Title: "Status", Width: 12},
		{Title: "Started", Width: 10},
		{Title: "Duration", Width: 10},
		{Title: "Error", Width: 24},
	}
}

func runRows(runs map[string]*RunState, theme Theme) []table.Row {
	sorted := sortedRuns(runs)
	rows := make([]table.Row, 0, len(sorted))
	for _, r := range sorted {
		duration := "-"
		if r.Status == RunRunning {
			duration = formatDuration(time.Since(r.Started))
		} else if r.Duration > 0 {
			duration = formatDuration(r.Duration)
		}
		rows = append(rows, table.Row{
			r.RunID,
			r.WorkflowID,
			theme.runStyle(r.Status).Render(string(r.Status)),
			r.Started.Format("15:04:05"),
			duration,
			r.ErrorName,
		})
	}
	return rows
}

func formatDuration(d time.Duration) string {
	switch {
	case d < time.Second:
		return fmt.Sprintf("%dms", d.Milliseconds())
	case d < time.Minute:
		return fmt.Sprintf("%ds", int(d.Seconds()))
	case d < time.Hour:
		return fmt.Sprintf("%dm %ds", int(d.Minutes()), int(d.Seconds())%60)
	default:
		return fmt.Sprintf("%dh %dm", int(d.Hours()), int(d.Minutes())%60)
	}
}
