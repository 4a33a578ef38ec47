package export

import (
	"bytes"
	"strings"
	"testing"

	"ezcal/internal/model"
)

func TestWriteCSV(t *testing.T) {
	var buf bytes.Buffer
	err := WriteCSV(&buf, []model.Event{
		{Title: `Talk "Go"; intro`, Start: "2024-06-10T09:30", End: "2024-06-10T10:00", Location: "Room 1", SourceURL: "https://x.com"},
		{Title: "Fair", Start: "2024-06-11", AllDay: true, SourceURL: "https://y.com"},
	})
	if err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}

	out := buf.String()
	if !strings.HasPrefix(out, "\ufeff") {
		t.Fatalf("missing byte order mark: %q", out)
	}
	want := strings.Join([]string{
		`"title";"start";"end";"location";"allDay";"sourceUrl"`,
		`"Talk ""Go""; intro";"2024-06-10T09:30";"2024-06-10T10:00";"Room 1";"false";"https://x.com"`,
		`"Fair";"2024-06-11";"";"";"true";"https://y.com"`,
	}, "\r\n")
	if got := strings.TrimPrefix(out, "\ufeff"); got != want {
		t.Fatalf("csv mismatch\n got: %q\nwant: %q", got, want)
	}
}

func TestWriteCSVEmpty(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteCSV(&buf, nil); err != nil {
		t.Fatalf("WriteCSV: %v", err)
	}
	if got := buf.String(); got != "\ufeff"+`"title";"start";"end";"location";"allDay";"sourceUrl"` {
		t.Fatalf("unexpected output %q", got)
	}
}
