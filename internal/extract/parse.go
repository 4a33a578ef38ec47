package extract

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"

	"ezcal/internal/datetime"
	"ezcal/internal/model"
)

// fencePattern finds the first fenced block the model was asked to answer in.
var fencePattern = regexp.MustCompile("(?is)```(?:text|tsv|csv|markdown)?\\s*(.*?)```")

var lineBreak = regexp.MustCompile(`\r?\n`)

// MessageContent pulls choices[0].message.content out of a chat-completion
// response body. A well-formed body without choices yields "".
func MessageContent(body []byte) (string, error) {
	var resp ChatResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("extract: decode model response: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}

// Block returns the interior of the first fenced code block in text, or the
// whole text when there is none.
func Block(text string) string {
	if m := fencePattern.FindStringSubmatch(text); m != nil {
		return strings.TrimSpace(m[1])
	}
	return text
}

// Lines splits text into trimmed, non-empty lines.
func Lines(text string) []string {
	raw := lineBreak.Split(text, -1)
	out := make([]string, 0, len(raw))
	for _, l := range raw {
		if l = strings.TrimSpace(l); l != "" {
			out = append(out, l)
		}
	}
	return out
}

// ParseLine reads one "title | start | end | location | allDay" line.
// Trailing fields are optional. Lines without a title or start, and echoes
// of the column header or a markdown table rule, are rejected with ok=false.
func ParseLine(line string, index int, sourceURL string) (model.Event, bool) {
	parts := strings.Split(line, "|")
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	field := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	title, startRaw := field(0), field(1)
	if title == "" || startRaw == "" {
		return model.Event{}, false
	}
	if isHeaderOrRule(title, startRaw) {
		return model.Event{}, false
	}

	ev := model.Event{
		ID:        fmt.Sprintf("event_%d", index),
		Title:     title,
		Start:     datetime.Normalize(startRaw),
		Location:  field(3),
		AllDay:    strings.EqualFold(field(4), "true"),
		SourceURL: sourceURL,
	}
	if endRaw := field(2); endRaw != "" {
		ev.End = datetime.Normalize(endRaw)
	}
	return ev, true
}

func isHeaderOrRule(title, start string) bool {
	if strings.EqualFold(title, "title") && strings.EqualFold(start, "start") {
		return true
	}
	return strings.Trim(title, "-: ") == "" && strings.Trim(start, "-: ") == ""
}

// ParseEvents runs ParseLine over every line of the model's text output.
// A bad line is dropped on its own and never affects the rest of the batch.
func ParseEvents(text, sourceURL string) []model.Event {
	lines := Lines(Block(text))
	events := make([]model.Event, 0, len(lines))
	for i, line := range lines {
		if ev, ok := ParseLine(line, i, sourceURL); ok {
			events = append(events, ev)
		}
	}
	return events
}
