// Package format renders event lists for the terminal.
package format

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/jedib0t/go-pretty/v6/text"

	"ezcal/internal/model"
)

// WriteEvents writes events to w as "table", "plain" (tab separated) or
// "json".
func WriteEvents(w io.Writer, events []model.Event, format string) error {
	switch strings.ToLower(format) {
	case "", "table":
		return writeEventsTable(w, events)
	case "plain":
		return writeEventsPlain(w, events)
	case "json":
		return writeEventsJSON(w, events)
	default:
		return fmt.Errorf("unsupported format: %s", format)
	}
}

func writeEventsPlain(w io.Writer, events []model.Event) error {
	for _, e := range events {
		line := strings.Join([]string{
			e.ID,
			oneLine(e.Title),
			e.Start,
			e.End,
			oneLine(e.Location),
			allDay(e.AllDay),
			e.SourceURL,
		}, "\t")
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}
	return nil
}

func writeEventsJSON(w io.Writer, events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(events)
}

func writeEventsTable(w io.Writer, events []model.Event) error {
	tw := table.NewWriter()
	tw.SetOutputMirror(w)
	tw.SetStyle(table.StyleRounded)
	tw.Style().Options.SeparateHeader = true
	tw.Style().Options.DrawBorder = true

	tw.SetColumnConfigs([]table.ColumnConfig{
		{Number: 1, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 2, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 48},
		{Number: 3, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 4, Align: text.AlignLeft, AlignHeader: text.AlignCenter},
		{Number: 5, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 32},
		{Number: 6, Align: text.AlignCenter, AlignHeader: text.AlignCenter},
		{Number: 7, Align: text.AlignLeft, AlignHeader: text.AlignCenter, WidthMax: 48},
	})
	tw.AppendHeader(table.Row{"ID", "Title", "Start", "End", "Location", "All day", "Source"})

	for _, e := range events {
		tw.AppendRow(table.Row{
			e.ID,
			oneLine(e.Title),
			e.Start,
			dash(e.End),
			dash(oneLine(e.Location)),
			allDay(e.AllDay),
			e.SourceURL,
		})
	}
	if len(events) == 0 {
		tw.AppendRow(table.Row{"-", "(no events)", "-", "-", "-", "-", "-"})
	}

	_ = tw.Render()
	return nil
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

func allDay(b bool) string {
	if b {
		return "yes"
	}
	return "no"
}
