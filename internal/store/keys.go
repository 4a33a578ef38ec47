package store

import (
	"context"
	"fmt"
	"strings"

	"ezcal/internal/dedupe"
	"ezcal/internal/model"
)

// Storage keys shared by every surface.
const (
	KeyFirecrawlAPIKey = "fc_api_key"
	KeyMistralAPIKey   = "mistral_api_key"
	KeySettings        = "app_settings"
	KeyEvents          = "extracted_events"
	KeyExtractionState = "extractionState"
	KeyExtracting      = "panelExtracting"
)

// Events returns the stored event list; an absent key is an empty list.
func (s *Store) Events(ctx context.Context) ([]model.Event, error) {
	var events []model.Event
	if _, err := s.Get(ctx, KeyEvents, &events); err != nil {
		return nil, err
	}
	if events == nil {
		events = []model.Event{}
	}
	return events, nil
}

// SetEvents overwrites the whole event list.
func (s *Store) SetEvents(ctx context.Context, events []model.Event) error {
	if events == nil {
		events = []model.Event{}
	}
	return s.Set(ctx, KeyEvents, events)
}

// CleanEvents returns the stored list deduplicated, rewriting it when
// duplicates were dropped.
func (s *Store) CleanEvents(ctx context.Context) ([]model.Event, error) {
	events, err := s.Events(ctx)
	if err != nil {
		return nil, err
	}
	cleaned := dedupe.Dedupe(events)
	if len(cleaned) != len(events) {
		if err := s.SetEvents(ctx, cleaned); err != nil {
			return cleaned, err
		}
	}
	return cleaned, nil
}

// ClearEvents stores an empty list.
func (s *Store) ClearEvents(ctx context.Context) error {
	return s.SetEvents(ctx, nil)
}

// DeleteEvent removes the event with the given id. It reports whether an
// event was removed; nothing is written when none matched.
func (s *Store) DeleteEvent(ctx context.Context, id string) (bool, error) {
	events, err := s.Events(ctx)
	if err != nil {
		return false, err
	}
	kept := events[:0]
	removed := false
	for _, e := range events {
		if !removed && e.ID == id {
			removed = true
			continue
		}
		kept = append(kept, e)
	}
	if !removed {
		return false, nil
	}
	return true, s.SetEvents(ctx, kept)
}

// Credential returns the trimmed value of a credential key. Blank values
// read as absent ("").
func (s *Store) Credential(ctx context.Context, key string) (string, error) {
	var v string
	if _, err := s.Get(ctx, key, &v); err != nil {
		return "", err
	}
	return strings.TrimSpace(v), nil
}

// SetCredential stores value trimmed; a blank value removes the key.
func (s *Store) SetCredential(ctx context.Context, key, value string) error {
	if key != KeyFirecrawlAPIKey && key != KeyMistralAPIKey {
		return fmt.Errorf("store: unknown credential key %q", key)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return s.Delete(ctx, key)
	}
	return s.Set(ctx, key, value)
}

// Settings returns the generic settings blob.
func (s *Store) Settings(ctx context.Context) (map[string]any, error) {
	settings := map[string]any{}
	if _, err := s.Get(ctx, KeySettings, &settings); err != nil {
		return nil, err
	}
	return settings, nil
}

func (s *Store) SetSettings(ctx context.Context, settings map[string]any) error {
	if settings == nil {
		settings = map[string]any{}
	}
	return s.Set(ctx, KeySettings, settings)
}

// ExtractionState returns the persisted extraction state; the zero value
// (idle) when none was stored.
func (s *Store) ExtractionState(ctx context.Context) (model.ExtractionState, error) {
	var st model.ExtractionState
	if _, err := s.Get(ctx, KeyExtractionState, &st); err != nil {
		return model.ExtractionState{}, err
	}
	return st, nil
}

func (s *Store) SetExtractionState(ctx context.Context, st model.ExtractionState) error {
	return s.Set(ctx, KeyExtractionState, st)
}

// Extracting reports the flag a newly opened surface reads to discover an
// in-flight extraction.
func (s *Store) Extracting(ctx context.Context) (bool, error) {
	var v bool
	if _, err := s.Get(ctx, KeyExtracting, &v); err != nil {
		return false, err
	}
	return v, nil
}

func (s *Store) SetExtracting(ctx context.Context, v bool) error {
	return s.Set(ctx, KeyExtracting, v)
}
