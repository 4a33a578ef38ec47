package extract

import (
	"reflect"
	"testing"
)

func TestParseLineRejectsMissingTitleOrStart(t *testing.T) {
	for _, line := range []string{"|2024-01-01|...", "Title Only", "Title |  | 2024-01-02", "", "|||"} {
		if ev, ok := ParseLine(line, 0, "https://x.com"); ok {
			t.Errorf("ParseLine(%q) accepted %+v", line, ev)
		}
	}
}

func TestParseLineFields(t *testing.T) {
	ev, ok := ParseLine("Jazz Night | 15/03/2024 20:00 | 15/03/2024 23:30 | Blue Note | false", 3, "https://x.com/a")
	if !ok {
		t.Fatal("expected line to parse")
	}
	if ev.ID != "event_3" {
		t.Errorf("ID = %q", ev.ID)
	}
	if ev.Title != "Jazz Night" || ev.Start != "2024-03-15T20:00" || ev.End != "2024-03-15T23:30" {
		t.Errorf("unexpected event: %+v", ev)
	}
	if ev.Location != "Blue Note" || ev.AllDay || ev.SourceURL != "https://x.com/a" {
		t.Errorf("unexpected event: %+v", ev)
	}
}

func TestParseLineAllDay(t *testing.T) {
	cases := map[string]bool{
		"A | 2024-01-01 | | | true":  true,
		"A | 2024-01-01 | | | TRUE":  true,
		"A | 2024-01-01 | | | yes":   false,
		"A | 2024-01-01 | | | false": false,
		"A | 2024-01-01":             false,
	}
	for line, want := range cases {
		ev, ok := ParseLine(line, 0, "")
		if !ok {
			t.Fatalf("ParseLine(%q) rejected", line)
		}
		if ev.AllDay != want {
			t.Errorf("ParseLine(%q).AllDay = %v, want %v", line, ev.AllDay, want)
		}
		if ev.End != "" {
			t.Errorf("ParseLine(%q).End = %q, want empty", line, ev.End)
		}
	}
}

func TestParseLineSkipsHeaderEcho(t *testing.T) {
	for _, line := range []string{"title | start | end | location | allDay", "--- | --- | --- | --- | ---"} {
		if _, ok := ParseLine(line, 0, ""); ok {
			t.Errorf("ParseLine(%q) should be rejected", line)
		}
	}
}

func TestBlock(t *testing.T) {
	cases := []struct {
		name string
		in   string
		want string
	}{
		{"tsv fence", "```tsv\nA|2024-01-01||| \n```", "A|2024-01-01|||"},
		{"untagged fence", "Here you go:\n```\nB|2024-02-02\n```\nthanks", "B|2024-02-02"},
		{"markdown fence upper", "```Markdown\nC|2024-03-03\n```", "C|2024-03-03"},
		{"first fence wins", "```text\nfirst\n```\n```text\nsecond\n```", "first"},
		{"no fence", "D|2024-04-04", "D|2024-04-04"},
	}
	for _, tc := range cases {
		if got := Block(tc.in); got != tc.want {
			t.Errorf("%s: Block = %q, want %q", tc.name, got, tc.want)
		}
	}
}

func TestLines(t *testing.T) {
	got := Lines("  a \r\n\r\n b\n   \nc")
	want := []string{"a", "b", "c"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("Lines = %q, want %q", got, want)
	}
}

func TestMessageContent(t *testing.T) {
	body := []byte(`{"choices":[{"message":{"role":"assistant","content":"hello"}}]}`)
	got, err := MessageContent(body)
	if err != nil || got != "hello" {
		t.Fatalf("MessageContent = %q, %v", got, err)
	}

	got, err = MessageContent([]byte(`{"choices":[]}`))
	if err != nil || got != "" {
		t.Fatalf("empty choices: %q, %v", got, err)
	}

	if _, err := MessageContent([]byte(`not json`)); err == nil {
		t.Fatal("expected decode error")
	}
}

func TestParseEventsFromFencedResponse(t *testing.T) {
	events := ParseEvents("```tsv\nA|2024-01-01||| \n```", "https://x.com")
	if len(events) != 1 {
		t.Fatalf("expected 1 event, got %d", len(events))
	}
	if events[0].Title != "A" || events[0].Start != "2024-01-01" {
		t.Fatalf("unexpected event: %+v", events[0])
	}
}

func TestParseEventsKeepsGoodLinesAroundBadOnes(t *testing.T) {
	text := "```\nGood One | 2024-05-01 | | Paris | true\ngarbage without separators\n| 2024-05-02\nGood Two | 2024-05-03 10:00\n```"
	events := ParseEvents(text, "u")
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d: %+v", len(events), events)
	}
	if events[0].ID != "event_0" || events[1].ID != "event_3" {
		t.Fatalf("ids follow line positions: %q %q", events[0].ID, events[1].ID)
	}
	if events[1].Start != "2024-05-03T10:00" {
		t.Fatalf("start = %q", events[1].Start)
	}
}
