package relay

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/sevir/agentrelay/pkg/models"
)

func delta(text string) models.Event {
	return models.Classify([]byte(`{"type":"message_update","assistantMessageEvent":{"type":"text_delta","delta":"` + text + `"}}`))
}

func agentEnd(assistantText string) models.Event {
	return models.Classify([]byte(`{"type":"agent_end","messages":[` +
		`{"role":"user","content":"hello"},` +
		`{"role":"assistant","content":[{"type":"text","text":"` + assistantText + `"}]}]}`))
}

func toolUpdate(text string) models.Event {
	return models.Classify([]byte(`{"type":"tool_execution_update","toolName":"bash","partialResult":{"content":[{"type":"text","text":"` + text + `"}]}}`))
}

func TestAggregator_BufferedTextWinsOverFinalMessage(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	if err := a.Begin("t1", "chat-1", "user-1", time.Time{}); err != nil {
		t.Fatalf("Begin failed: %v", err)
	}

	for _, d := range []string{"he", "ll", "o ", "wor", "ld"} {
		if chunks := a.Handle(delta(d)); len(chunks) != 0 {
			t.Fatalf("Expected no flush below threshold, got %v", chunks)
		}
	}

	chunks := a.Handle(agentEnd("hi there"))
	if len(chunks) != 1 {
		t.Fatalf("Expected 1 final chunk, got %d", len(chunks))
	}
	c := chunks[0]
	if c.Text != "hello world" || !c.Final {
		t.Errorf("Expected final chunk %q, got %+v", "hello world", c)
	}
	if c.TurnID != "t1" || c.Channel != "chat-1" || c.Origin != "user-1" {
		t.Errorf("Expected chunk attributed to t1/chat-1/user-1, got %+v", c)
	}
	if len(a.Pending()) != 0 {
		t.Errorf("Expected turn removed, got %v", a.Pending())
	}
}

func TestAggregator_FallbackToFinalMessage(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	a.Begin("t1", "chat-1", "", time.Time{})

	chunks := a.Handle(agentEnd("hi there"))
	if len(chunks) != 1 || chunks[0].Text != "hi there" || !chunks[0].Final {
		t.Fatalf("Expected fallback final chunk, got %+v", chunks)
	}
}

func TestAggregator_NoFallbackAfterFlush(t *testing.T) {
	a := NewAggregator(AggregatorOptions{TextThreshold: 4})
	a.Begin("t1", "chat-1", "", time.Time{})

	if chunks := a.Handle(delta("abcd")); len(chunks) != 1 {
		t.Fatalf("Expected flush at threshold, got %v", chunks)
	}
	chunks := a.Handle(agentEnd("abcd"))
	if len(chunks) != 1 || chunks[0].Text != "" || !chunks[0].Final {
		t.Errorf("Expected empty final chunk after streamed output, got %+v", chunks)
	}
}

func TestAggregator_FlushAtExactThreshold(t *testing.T) {
	a := NewAggregator(AggregatorOptions{TextThreshold: 10})
	a.Begin("t1", "chat-1", "", time.Time{})

	if chunks := a.Handle(delta("12345")); len(chunks) != 0 {
		t.Fatalf("Expected no flush, got %v", chunks)
	}
	chunks := a.Handle(delta("67890"))
	if len(chunks) != 1 {
		t.Fatalf("Expected exactly one flush, got %d", len(chunks))
	}
	if chunks[0].Text != "1234567890" || chunks[0].Final {
		t.Errorf("Expected non-final chunk with full buffer, got %+v", chunks[0])
	}

	end := a.Handle(agentEnd("ignored"))
	if len(end) != 1 || end[0].Text != "" {
		t.Errorf("Expected buffer empty after flush, got %+v", end)
	}
}

func TestAggregator_ThresholdCountsRunes(t *testing.T) {
	a := NewAggregator(AggregatorOptions{TextThreshold: 3})
	a.Begin("t1", "chat-1", "", time.Time{})

	if chunks := a.Handle(delta("héé")); len(chunks) != 1 {
		t.Errorf("Expected flush at 3 runes, got %v", chunks)
	}
}

func TestAggregator_OldestPendingWins(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	base := time.Now()
	a.Begin("t2", "chat-2", "", base.Add(time.Second))
	a.Begin("t1", "chat-1", "", base)

	if id, _ := a.Oldest(); id != "t1" {
		t.Fatalf("Expected oldest t1, got %s", id)
	}

	a.Handle(delta("first"))
	chunks := a.Handle(agentEnd(""))
	if len(chunks) != 1 || chunks[0].TurnID != "t1" || chunks[0].Text != "first" {
		t.Fatalf("Expected first output on t1, got %+v", chunks)
	}

	a.Handle(delta("second"))
	chunks = a.Handle(agentEnd(""))
	if len(chunks) != 1 || chunks[0].TurnID != "t2" || chunks[0].Text != "second" {
		t.Fatalf("Expected second output on t2, got %+v", chunks)
	}
}

func TestAggregator_SameStartUsesInsertionOrder(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	at := time.Now()
	a.Begin("a", "", "", at)
	a.Begin("b", "", "", at)

	got := a.Pending()
	if len(got) != 2 || got[0] != "a" || got[1] != "b" {
		t.Errorf("Expected [a b], got %v", got)
	}
}

func TestAggregator_ToolOutput(t *testing.T) {
	a := NewAggregator(AggregatorOptions{TextThreshold: 100, ToolThreshold: 5})
	a.Begin("t1", "chat-1", "", time.Time{})
	if chunks := a.Handle(toolUpdate("12345")); len(chunks) != 0 {
		t.Errorf("Expected tool output ignored when disabled, got %v", chunks)
	}

	a = NewAggregator(AggregatorOptions{TextThreshold: 100, ToolThreshold: 5, StreamToolOutput: true})
	a.Begin("t1", "chat-1", "", time.Time{})
	chunks := a.Handle(toolUpdate("12345"))
	if len(chunks) != 1 || chunks[0].Text != "12345" {
		t.Errorf("Expected tool output flushed at tool threshold, got %v", chunks)
	}
}

func TestAggregator_IgnoresWithoutTurn(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	if chunks := a.Handle(delta("x")); chunks != nil {
		t.Errorf("Expected nil without pending turn, got %v", chunks)
	}
	if chunks := a.Handle(agentEnd("x")); chunks != nil {
		t.Errorf("Expected nil without pending turn, got %v", chunks)
	}
}

func TestAggregator_BeginCancel(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	a.Begin("t1", "", "", time.Time{})

	if err := a.Begin("t1", "", "", time.Time{}); !errors.Is(err, ErrDuplicateTurn) {
		t.Errorf("Expected ErrDuplicateTurn, got %v", err)
	}
	if err := a.Cancel("t1"); err != nil {
		t.Errorf("Cancel failed: %v", err)
	}
	if err := a.Cancel("t1"); !errors.Is(err, ErrUnknownTurn) {
		t.Errorf("Expected ErrUnknownTurn, got %v", err)
	}
}

func TestAggregator_Abandon(t *testing.T) {
	a := NewAggregator(AggregatorOptions{})
	base := time.Now()
	a.Begin("t1", "c1", "", base)
	a.Begin("t2", "c2", "", base.Add(time.Millisecond))
	a.Handle(delta("partial"))

	chunks := a.Abandon()
	if len(chunks) != 2 {
		t.Fatalf("Expected 2 chunks, got %d", len(chunks))
	}
	if chunks[0].TurnID != "t1" || chunks[0].Text != "partial" || !chunks[0].Final {
		t.Errorf("Unexpected first chunk %+v", chunks[0])
	}
	if chunks[1].TurnID != "t2" || chunks[1].Text != "" || !chunks[1].Final {
		t.Errorf("Unexpected second chunk %+v", chunks[1])
	}
	if len(a.Pending()) != 0 {
		t.Error("Expected no pending turns after abandon")
	}
}

func TestSplitMessage(t *testing.T) {
	if got := SplitMessage("", 10); got != nil {
		t.Errorf("Expected nil for empty text, got %v", got)
	}
	if got := SplitMessage("short", 10); len(got) != 1 || got[0] != "short" {
		t.Errorf("Expected single part, got %v", got)
	}

	got := SplitMessage("line one\nline two", 12)
	if len(got) != 2 || got[0] != "line one" || got[1] != "line two" {
		t.Errorf("Expected split on newline, got %q", got)
	}

	got = SplitMessage("alpha beta gamma", 11)
	if len(got) != 2 || got[0] != "alpha beta" || got[1] != "gamma" {
		t.Errorf("Expected split on space, got %q", got)
	}

	long := strings.Repeat("x", 25)
	got = SplitMessage(long, 10)
	if len(got) != 3 || got[0] != strings.Repeat("x", 10) || got[2] != "xxxxx" {
		t.Errorf("Expected hard cuts, got %q", got)
	}

	got = SplitMessage(strings.Repeat("é", 5), 2)
	if len(got) != 3 || got[0] != "éé" {
		t.Errorf("Expected rune-based cuts, got %q", got)
	}
}
