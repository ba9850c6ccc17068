// Package models defines the core domain types for the agentrelay service.
package models

import (
	"time"
)

// TurnStatus represents the current state of a conversational turn.
type TurnStatus string

const (
	TurnStatusPending     TurnStatus = "pending"
	TurnStatusCompleted   TurnStatus = "completed"
	TurnStatusAborted     TurnStatus = "aborted"
	TurnStatusInterrupted TurnStatus = "interrupted"
	TurnStatusFailed      TurnStatus = "failed"
)

// ValidTurnStatus reports whether s is a known status.
func ValidTurnStatus(s TurnStatus) bool {
	switch s {
	case TurnStatusPending, TurnStatusCompleted, TurnStatusAborted, TurnStatusInterrupted, TurnStatusFailed:
		return true
	}
	return false
}

// TurnRecord is the persisted summary of one turn, from prompt submission to
// the agent's terminal event.
type TurnRecord struct {
	ID          string     `json:"id"`
	Channel     string     `json:"channel,omitempty"`
	Origin      string     `json:"origin,omitempty"`
	Prompt      string     `json:"prompt"`
	Status      TurnStatus `json:"status"`
	Response    string     `json:"response,omitempty"`
	Chunks      int        `json:"chunks"`
	Error       string     `json:"error,omitempty"`
	Heartbeat   bool       `json:"heartbeat,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// IsTerminal returns true if the turn has finished one way or another.
func (t *TurnRecord) IsTerminal() bool {
	return t.Status != TurnStatusPending
}

// IsPending returns true if the turn is still awaiting agent output.
func (t *TurnRecord) IsPending() bool {
	return t.Status == TurnStatusPending
}

// Finish moves the record to a terminal status.
func (t *TurnRecord) Finish(status TurnStatus, errMsg string) {
	now := time.Now()
	t.Status = status
	t.Error = errMsg
	t.CompletedAt = &now
}

// TurnSummary provides a condensed view of a turn for listing.
type TurnSummary struct {
	ID          string     `json:"id"`
	Channel     string     `json:"channel,omitempty"`
	Prompt      string     `json:"prompt"`
	Status      TurnStatus `json:"status"`
	Chunks      int        `json:"chunks"`
	CreatedAt   time.Time  `json:"created_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Duration    string     `json:"duration,omitempty"`
}

// ToSummary converts a TurnRecord to a TurnSummary.
func (t *TurnRecord) ToSummary() TurnSummary {
	summary := TurnSummary{
		ID:          t.ID,
		Channel:     t.Channel,
		Prompt:      TruncateString(t.Prompt, 100),
		Status:      t.Status,
		Chunks:      t.Chunks,
		CreatedAt:   t.CreatedAt,
		CompletedAt: t.CompletedAt,
	}
	if t.CompletedAt != nil {
		summary.Duration = t.CompletedAt.Sub(t.CreatedAt).String()
	}
	return summary
}

// TruncateString shortens s to at most maxLen bytes, marking the cut with "...".
func TruncateString(s string, maxLen int) string {
	if maxLen <= 3 {
		if len(s) <= maxLen {
			return s
		}
		return s[:maxLen]
	}
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

// Duration is a wrapper around time.Duration for JSON marshaling.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return []byte(`"` + time.Duration(d).String() + `"`), nil
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(b []byte) error {
	if len(b) < 2 {
		return nil
	}
	s := string(b[1 : len(b)-1])
	if s == "" {
		*d = 0
		return nil
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return err
	}
	*d = Duration(dur)
	return nil
}

// PromptRequest represents a user-originated prompt submitted by a consumer.
type PromptRequest struct {
	TurnID  string         `json:"turn_id,omitempty"`
	Channel string         `json:"channel"`
	Origin  string         `json:"origin,omitempty"`
	Text    string         `json:"text"`
	Images  []ImageContent `json:"images,omitempty"`
}

// ListRequest represents a request to list turns.
type ListRequest struct {
	Status  []TurnStatus `json:"status,omitempty"`
	Channel string       `json:"channel,omitempty"`
	Limit   int          `json:"limit,omitempty"`
	Offset  int          `json:"offset,omitempty"`
}
