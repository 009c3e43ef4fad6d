package server

import (
	"encoding/json"

	"reportflow/internal/domain"
)

// Request payloads

// TriggerRequest carries the trigger configuration passed to the first stage.
type TriggerRequest struct {
	Conf map[string]string `json:"conf,omitempty" doc:"Trigger configuration, e.g. {\"reportDirectory\": \"20240101T120000Z\"}"`
}

func (r *TriggerRequest) conf() map[string]string {
	if r == nil {
		return nil
	}
	return r.Conf
}

// Response payloads

type EventResponse struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts" format:"date-time"`
	Type    string         `json:"type"`
	RunID   string         `json:"run_id,omitempty"`
	Stage   string         `json:"stage,omitempty"`
	Payload map[string]any `json:"payload"`
}

type paginatedEvents struct {
	Items      []EventResponse `json:"items"`
	NextCursor string          `json:"next_cursor,omitempty"`
}

type paginatedRuns struct {
	Items []domain.Run `json:"items"`
}

type bundleList struct {
	Items []domain.BundleSummary `json:"items"`
}

// Conversion helpers

func eventResponse(e domain.Event) EventResponse {
	return EventResponse{
		ID:      e.ID,
		TS:      e.TS,
		Type:    e.Type,
		RunID:   e.RunID,
		Stage:   e.Stage,
		Payload: decodeJSONMap(e.Payload),
	}
}

// JSON helpers

func decodeJSONMap(raw string) map[string]any {
	if raw == "" {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		return nil
	}
	return obj
}

func nonNilSlice[T any](in []T) []T {
	if in == nil {
		return []T{}
	}
	return in
}
