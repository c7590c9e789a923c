package cmd

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"github.com/JakeFAU/buybox-queue/internal/queue"
)

// renderStatus prints the run summary followed by the slot table.
func renderStatus(st queue.Status) string {
	var b strings.Builder

	summary := table.NewWriter()
	summary.SetStyle(table.StyleRounded)
	summary.AppendRows([]table.Row{
		{"Run", orDash(st.RunID)},
		{"Phase", st.Phase},
		{"Progress", fmt.Sprintf("%d/%d", st.Done, st.Total)},
		{"In flight", st.InFlight},
		{"Errors", st.Errors},
		{"Timeouts", st.Timeouts},
		{"Concurrency", st.Concurrency},
		{"Started", formatTime(st.StartedAt)},
		{"Finished", formatTime(st.FinishedAt)},
	})
	if st.Aborted {
		summary.AppendRow(table.Row{"Abort reason", st.AbortReason})
	}
	if st.LastResult != nil {
		summary.AppendRow(table.Row{"Last target", st.LastResult.Target})
	}
	b.WriteString(summary.Render())

	if len(st.Slots) == 0 {
		return b.String()
	}
	slots := table.NewWriter()
	slots.SetStyle(table.StyleRounded)
	slots.AppendHeader(table.Row{"Slot", "Bound", "Waiting", "Target", "Deadline"})
	for _, s := range st.Slots {
		slots.AppendRow(table.Row{
			s.Slot,
			strconv.FormatBool(s.Bound),
			strconv.FormatBool(s.WaitingForSignal),
			orDash(s.Target),
			formatTime(s.TimeoutAt),
		})
	}
	slots.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignRight, AlignHeader: text.AlignLeft},
	})
	b.WriteString("\n")
	b.WriteString(slots.Render())
	return b.String()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.DateTime)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
