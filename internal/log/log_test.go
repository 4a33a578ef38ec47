package log

import (
	"bytes"
	"errors"
	"strings"
	"testing"
)

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	SetOutput(&buf)
	SetLevel(LevelWarn)
	t.Cleanup(func() { SetLevel(LevelInfo) })

	Info("hidden", "k", 1)
	Warn("shown", "k", 2)
	Error("failed", errors.New("boom"), "url", "x")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at WARN level: %q", out)
	}
	if !strings.Contains(out, "[WARN] shown k=2") {
		t.Fatalf("missing warn line: %q", out)
	}
	if !strings.Contains(out, "[ERROR] failed err=boom url=x") {
		t.Fatalf("missing error line: %q", out)
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]Level{
		"debug":   LevelDebug,
		" WARN ":  LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range cases {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %s, want %s", in, got, want)
		}
	}
}

func TestRedactURL(t *testing.T) {
	cases := map[string]string{
		"https://example.com/path/private.ics?token=abcd": "https://example.com/...(redacted)",
		"https://example.com?token=abcd":                  "https://example.com/...(redacted)",
		"https://example.com":                             "https://example.com",
		"not a url":                                       "...(redacted)",
	}
	for in, want := range cases {
		if got := RedactURL(in); got != want {
			t.Errorf("RedactURL(%q) = %q, want %q", in, got, want)
		}
	}
}
