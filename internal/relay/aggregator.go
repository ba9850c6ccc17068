package relay

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sevir/agentrelay/pkg/models"
)

// Default flush thresholds, in characters.
const (
	DefaultTextThreshold = 1500
	DefaultToolThreshold = 500
)

// AggregatorOptions tune when buffered text is flushed.
type AggregatorOptions struct {
	TextThreshold    int
	ToolThreshold    int
	StreamToolOutput bool
}

// Turn is one pending inbound request. Channel and Origin are carried through
// to the chunks it produces without interpretation.
type Turn struct {
	ID        string
	Channel   string
	Origin    string
	StartedAt time.Time

	seq      uint64
	buf      strings.Builder
	runes    int
	streamed bool
}

// Chunk is a piece of agent output ready for delivery. The last chunk of a
// turn has Final set, even if its Text is empty.
type Chunk struct {
	TurnID  string `json:"turn_id"`
	Channel string `json:"channel"`
	Origin  string `json:"origin,omitempty"`
	Text    string `json:"text"`
	Final   bool   `json:"final"`
}

// Aggregator attributes streamed deltas to pending turns and cuts them into
// chunks.
//
// Deltas carry no turn ID, so each one goes to the oldest pending turn. Two
// genuinely concurrent turns will have their output misattributed.
type Aggregator struct {
	opts AggregatorOptions

	mu    sync.Mutex
	turns map[string]*Turn
	seq   uint64
}

// NewAggregator creates an aggregator. Zero thresholds select the defaults.
func NewAggregator(opts AggregatorOptions) *Aggregator {
	if opts.TextThreshold <= 0 {
		opts.TextThreshold = DefaultTextThreshold
	}
	if opts.ToolThreshold <= 0 {
		opts.ToolThreshold = DefaultToolThreshold
	}
	return &Aggregator{
		opts:  opts,
		turns: make(map[string]*Turn),
	}
}

// Begin registers a pending turn. A zero StartedAt is set to now.
func (a *Aggregator) Begin(id, channel, origin string, startedAt time.Time) error {
	if startedAt.IsZero() {
		startedAt = time.Now()
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.turns[id]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateTurn, id)
	}
	a.seq++
	a.turns[id] = &Turn{
		ID:        id,
		Channel:   channel,
		Origin:    origin,
		StartedAt: startedAt,
		seq:       a.seq,
	}
	return nil
}

// Cancel drops a pending turn and its buffered text.
func (a *Aggregator) Cancel(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.turns[id]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTurn, id)
	}
	delete(a.turns, id)
	return nil
}

// Pending returns the IDs of pending turns, oldest first.
func (a *Aggregator) Pending() []string {
	a.mu.Lock()
	defer a.mu.Unlock()

	turns := a.ordered()
	ids := make([]string, len(turns))
	for i, t := range turns {
		ids[i] = t.ID
	}
	return ids
}

// Oldest returns the ID of the turn that receives the next delta.
func (a *Aggregator) Oldest() (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	t := a.oldest()
	if t == nil {
		return "", false
	}
	return t.ID, true
}

func (a *Aggregator) ordered() []*Turn {
	turns := make([]*Turn, 0, len(a.turns))
	for _, t := range a.turns {
		turns = append(turns, t)
	}
	sort.Slice(turns, func(i, j int) bool { return before(turns[i], turns[j]) })
	return turns
}

func (a *Aggregator) oldest() *Turn {
	var best *Turn
	for _, t := range a.turns {
		if best == nil || before(t, best) {
			best = t
		}
	}
	return best
}

func before(x, y *Turn) bool {
	if !x.StartedAt.Equal(y.StartedAt) {
		return x.StartedAt.Before(y.StartedAt)
	}
	return x.seq < y.seq
}

// Handle feeds one event and returns the chunks it completes. Events other
// than text deltas, tool updates and agent_end are ignored, as is everything
// that arrives while no turn is pending.
func (a *Aggregator) Handle(ev models.Event) []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	t := a.oldest()
	if t == nil {
		return nil
	}

	switch ev.Kind {
	case models.EventTextDelta:
		return a.appendText(t, ev.Delta(), a.opts.TextThreshold)

	case models.EventToolUpdate:
		if !a.opts.StreamToolOutput {
			return nil
		}
		return a.appendText(t, ev.PartialText(), a.opts.ToolThreshold)

	case models.EventAgentEnd:
		text := t.buf.String()
		if text == "" && !t.streamed {
			text = ev.FinalAssistantText()
		}
		delete(a.turns, t.ID)
		return []Chunk{t.chunk(text, true)}
	}
	return nil
}

func (a *Aggregator) appendText(t *Turn, text string, threshold int) []Chunk {
	if text == "" {
		return nil
	}
	t.buf.WriteString(text)
	t.runes += utf8.RuneCountInString(text)
	t.streamed = true

	if t.runes < threshold {
		return nil
	}
	c := t.chunk(t.buf.String(), false)
	t.buf.Reset()
	t.runes = 0
	return []Chunk{c}
}

// Abandon flushes every pending turn as final and forgets them all, oldest
// first.
func (a *Aggregator) Abandon() []Chunk {
	a.mu.Lock()
	defer a.mu.Unlock()

	turns := a.ordered()
	chunks := make([]Chunk, 0, len(turns))
	for _, t := range turns {
		chunks = append(chunks, t.chunk(t.buf.String(), true))
	}
	a.turns = make(map[string]*Turn)
	return chunks
}

func (t *Turn) chunk(text string, final bool) Chunk {
	return Chunk{
		TurnID:  t.ID,
		Channel: t.Channel,
		Origin:  t.Origin,
		Text:    text,
		Final:   final,
	}
}
