package orchestrator

import "sync"

type promptEntry struct {
	id     string
	reject func(msg string)
}

// promptQueue holds prompts written to the agent that it has not answered
// yet. The agent answers prompts in the order they were written, so an
// uncorrelated prompt response belongs to the front entry. Entries also
// leave the queue when their turn finishes, which keeps it short for agents
// that only report failures.
type promptQueue struct {
	mu      sync.Mutex
	entries []promptEntry
}

func (q *promptQueue) push(id string, reject func(string)) {
	q.mu.Lock()
	q.entries = append(q.entries, promptEntry{id: id, reject: reject})
	q.mu.Unlock()
}

// pop removes and returns the oldest unanswered prompt.
func (q *promptQueue) pop() (promptEntry, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.entries) == 0 {
		return promptEntry{}, false
	}
	e := q.entries[0]
	q.entries = q.entries[1:]
	return e, true
}

func (q *promptQueue) remove(id string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for i, e := range q.entries {
		if e.id == id {
			q.entries = append(q.entries[:i:i], q.entries[i+1:]...)
			return
		}
	}
}

func (q *promptQueue) clear() {
	q.mu.Lock()
	q.entries = nil
	q.mu.Unlock()
}

func (q *promptQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}
