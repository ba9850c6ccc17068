package models

import (
	"encoding/json"
	"strings"

	"github.com/tidwall/gjson"
)

// EventKind classifies an incoming agent line by its type tag.
type EventKind string

const (
	EventResponse  EventKind = "response"
	EventTextDelta EventKind = "text_delta"
	// EventMessage is a message_update that does not carry a text delta.
	EventMessage    EventKind = "message"
	EventTurnStart  EventKind = "turn_start"
	EventTurnEnd    EventKind = "turn_end"
	EventAgentEnd   EventKind = "agent_end"
	EventToolStart  EventKind = "tool_start"
	EventToolUpdate EventKind = "tool_update"
	EventToolEnd    EventKind = "tool_end"
	EventUnknown    EventKind = "unknown"
)

// Wire type tags.
const (
	TypeResponse            = "response"
	TypeMessageUpdate       = "message_update"
	TypeAgentStart          = "agent_start"
	TypeTurnStart           = "turn_start"
	TypeTurnEnd             = "turn_end"
	TypeAgentEnd            = "agent_end"
	TypeToolExecutionStart  = "tool_execution_start"
	TypeToolExecutionUpdate = "tool_execution_update"
	TypeToolExecutionEnd    = "tool_execution_end"
)

// Event is one classified line from the agent. Raw always holds the full
// document; accessors read fields from it on demand.
type Event struct {
	Kind EventKind       `json:"kind"`
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"raw"`
}

// Classify tags a raw JSON line. It never fails; lines without a known type
// become EventUnknown.
func Classify(line []byte) Event {
	raw := make(json.RawMessage, len(line))
	copy(raw, line)

	typ := gjson.GetBytes(raw, "type").String()
	ev := Event{Type: typ, Raw: raw}

	switch typ {
	case TypeResponse:
		ev.Kind = EventResponse
	case TypeMessageUpdate:
		if gjson.GetBytes(raw, "assistantMessageEvent.type").String() == "text_delta" {
			ev.Kind = EventTextDelta
		} else {
			ev.Kind = EventMessage
		}
	case TypeAgentStart, TypeTurnStart:
		ev.Kind = EventTurnStart
	case TypeTurnEnd:
		ev.Kind = EventTurnEnd
	case TypeAgentEnd:
		ev.Kind = EventAgentEnd
	case TypeToolExecutionStart:
		ev.Kind = EventToolStart
	case TypeToolExecutionUpdate:
		ev.Kind = EventToolUpdate
	case TypeToolExecutionEnd:
		ev.Kind = EventToolEnd
	default:
		ev.Kind = EventUnknown
	}
	return ev
}

// IsTerminal reports whether the event ends a turn.
func (e Event) IsTerminal() bool {
	return e.Kind == EventAgentEnd
}

// Get returns a field of the raw payload by gjson path.
func (e Event) Get(path string) gjson.Result {
	return gjson.GetBytes(e.Raw, path)
}

// ID returns the correlation id of a response event.
func (e Event) ID() string {
	return e.Get("id").String()
}

// Delta returns the text of a text_delta message update.
func (e Event) Delta() string {
	return e.Get("assistantMessageEvent.delta").String()
}

// ToolName returns the tool name of a tool_execution_* event.
func (e Event) ToolName() string {
	return e.Get("toolName").String()
}

// PartialText joins the text blocks of a tool update's partial result.
func (e Event) PartialText() string {
	return blockText(e.Get("partialResult.content"))
}

// FinalAssistantText returns the text of the last assistant message carried
// by an agent_end event, or "" when there is none.
func (e Event) FinalAssistantText() string {
	msgs := e.Get("messages").Array()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Get("role").String() != "assistant" {
			continue
		}
		return blockText(msgs[i].Get("content"))
	}
	return ""
}

// blockText flattens message content that is either a scalar or an array of
// typed blocks, keeping only text blocks.
func blockText(content gjson.Result) string {
	if !content.Exists() {
		return ""
	}
	if !content.IsArray() {
		if content.IsObject() {
			return ""
		}
		return content.String()
	}
	var b strings.Builder
	for _, block := range content.Array() {
		if block.Type == gjson.String {
			b.WriteString(block.String())
			continue
		}
		if block.Get("type").String() == "text" {
			b.WriteString(block.Get("text").String())
		}
	}
	return b.String()
}
