// Package export renders the event list for spreadsheet tools.
package export

import (
	"bufio"
	"fmt"
	"io"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"

	"ezcal/internal/model"
)

// Filename is the suggested download name.
const Filename = "events.csv"

var header = []string{"title", "start", "end", "location", "allDay", "sourceUrl"}

// WriteCSV writes events as semicolon-separated values behind a UTF-8 byte
// order mark. Every field is quoted, rows are separated by CRLF and the last
// row has no terminator.
func WriteCSV(w io.Writer, events []model.Event) error {
	tw := transform.NewWriter(w, unicode.UTF8BOM.NewEncoder())
	bw := bufio.NewWriter(tw)

	writeRow(bw, header)
	for _, e := range events {
		bw.WriteString("\r\n")
		writeRow(bw, []string{e.Title, e.Start, e.End, e.Location, boolField(e.AllDay), e.SourceURL})
	}

	if err := bw.Flush(); err != nil {
		return fmt.Errorf("export: write csv: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("export: write csv: %w", err)
	}
	return nil
}

func writeRow(w *bufio.Writer, fields []string) {
	for i, f := range fields {
		if i > 0 {
			w.WriteByte(';')
		}
		w.WriteByte('"')
		w.WriteString(strings.ReplaceAll(f, `"`, `""`))
		w.WriteByte('"')
	}
}

func boolField(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
