package model

import "time"

// Event is one extracted calendar event.
//
// Start and End hold canonical strings: "YYYY-MM-DD" for date-only values or
// "YYYY-MM-DDTHH:MM" for date-times, local wall clock, never an offset.
// ID is only unique within the batch that produced the event.
type Event struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Start       string `json:"start"`
	End         string `json:"end,omitempty"`
	Location    string `json:"location,omitempty"`
	AllDay      bool   `json:"allDay,omitempty"`
	SourceURL   string `json:"sourceUrl"`
	Description string `json:"description,omitempty"`
}

// Target identifies the page an extraction runs against. TabID is an opaque
// handle understood by the browser integration; URL may be empty when the
// tab is expected to supply it.
type Target struct {
	TabID string `json:"tabId,omitempty"`
	URL   string `json:"url,omitempty"`
}

// ExtractionState is the serializable part of the in-flight extraction.
// The cancellation handle lives only in memory and is never persisted.
type ExtractionState struct {
	IsExtracting bool      `json:"isExtracting"`
	TabID        string    `json:"tabId,omitempty"`
	URL          string    `json:"url,omitempty"`
	StartTime    time.Time `json:"startTime,omitempty"`
	RunID        string    `json:"runId,omitempty"`
}
