package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sevir/agentrelay/pkg/models"
)

// DefaultRPCTimeout bounds CallWithResponse when neither the caller nor the
// config chooses a timeout.
const DefaultRPCTimeout = 30 * time.Second

type callResult struct {
	doc json.RawMessage
	err error
}

type pendingCall struct {
	command string
	created time.Time
	timeout time.Duration
	result  chan callResult
}

// correlator maps correlation IDs to calls awaiting a response. Every entry
// is removed exactly once, by resolve, evict or cancelAll.
type correlator struct {
	mu      sync.Mutex
	pending map[string]*pendingCall
}

func newCorrelator() *correlator {
	return &correlator{pending: make(map[string]*pendingCall)}
}

func (c *correlator) insert(id string, p *pendingCall) {
	c.mu.Lock()
	c.pending[id] = p
	c.mu.Unlock()
}

// resolve hands the result built by fn to the call registered under id. It
// reports false when no such call is pending.
func (c *correlator) resolve(id string, fn func(*pendingCall) callResult) (*pendingCall, bool) {
	c.mu.Lock()
	p, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()

	if ok {
		p.result <- fn(p)
	}
	return p, ok
}

// evict drops the call without resolving it.
func (c *correlator) evict(id string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.pending[id]; !ok {
		return false
	}
	delete(c.pending, id)
	return true
}

// cancelAll resolves every pending call with err and returns how many there
// were.
func (c *correlator) cancelAll(err error) int {
	c.mu.Lock()
	calls := c.pending
	c.pending = make(map[string]*pendingCall)
	c.mu.Unlock()

	for _, p := range calls {
		p.result <- callResult{err: err}
	}
	return len(calls)
}

func (c *correlator) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// Call writes cmd without waiting for a response. It blocks until the agent
// is ready. ErrNotRunning is returned when no process is attached.
func (s *Supervisor) Call(ctx context.Context, cmd models.Command) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("failed to encode %s command: %w", cmd.Type, err)
	}
	return s.send(ctx, data, nil)
}

// CallWithResponse sends cmd wrapped in a correlation envelope and returns the
// raw response document. timeout <= 0 selects the configured RPC timeout.
//
// The call fails with a *TimeoutError when no response arrives in time, with
// ErrRPCCancelled when the process is torn down first, or with ctx.Err() when
// the caller gives up.
func (s *Supervisor) CallWithResponse(ctx context.Context, cmd models.Command, timeout time.Duration) (json.RawMessage, error) {
	if timeout <= 0 {
		timeout = s.cfg.RPCTimeout
	}
	if timeout <= 0 {
		timeout = DefaultRPCTimeout
	}

	id := uuid.NewString()
	data, err := json.Marshal(models.Envelope{ID: id, Type: cmd.Type, Command: cmd})
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s command: %w", cmd.Type, err)
	}

	p := &pendingCall{
		command: cmd.Type,
		created: time.Now(),
		timeout: timeout,
		result:  make(chan callResult, 1),
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	// The entry is registered while the write lock is held, so a teardown
	// either sees it or happens before the line is written.
	if err := s.send(callCtx, data, func() { s.rpc.insert(id, p) }); err != nil {
		s.rpc.evict(id)
		if callCtx.Err() != nil && ctx.Err() == nil {
			return nil, &TimeoutError{Command: cmd.Type, ID: id, Timeout: timeout}
		}
		return nil, err
	}

	select {
	case res := <-p.result:
		return res.doc, res.err
	case <-callCtx.Done():
		if !s.rpc.evict(id) {
			// Resolved concurrently; the result is already buffered.
			res := <-p.result
			return res.doc, res.err
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.logger.Warn("rpc timed out", "command", cmd.Type, "id", id, "timeout", timeout)
		return nil, &TimeoutError{Command: cmd.Type, ID: id, Timeout: timeout}
	}
}

// handleResponse routes a response line to the call waiting for it.
func (s *Supervisor) handleResponse(ev models.Event) {
	id := ev.ID()
	failed := ev.Get("success").Exists() && !ev.Get("success").Bool()

	if id == "" {
		if failed {
			s.logger.Warn("agent rejected command", "command", ev.Get("command").String(), "error", ev.Get("error").String())
		}
		if s.onResponse != nil {
			s.onResponse(ev)
		}
		return
	}

	p, ok := s.rpc.resolve(id, func(p *pendingCall) callResult {
		if failed {
			return callResult{err: &RPCError{Command: p.command, Message: ev.Get("error").String()}}
		}
		return callResult{doc: ev.Raw}
	})
	if !ok {
		s.logger.Debug("dropping response for unknown id", "id", id)
		return
	}
	s.logger.Debug("rpc resolved", "command", p.command, "id", id, "elapsed", time.Since(p.created))
}

// send writes one line once the gate is open. It fails with ErrNotRunning
// without waiting while no process is running or starting. register, when
// set, runs under the write lock immediately before the write.
func (s *Supervisor) send(ctx context.Context, line []byte, register func()) error {
	for {
		if err := s.gate.Wait(ctx); err != nil {
			return err
		}

		s.writeMu.Lock()
		if !s.gate.IsOpen() {
			// Reset between Wait and Lock: wait for the next process.
			s.writeMu.Unlock()
			continue
		}
		t := s.transport
		if t == nil {
			s.writeMu.Unlock()
			return ErrNotRunning
		}
		if register != nil {
			register()
		}
		err := t.WriteLine(line)
		s.writeMu.Unlock()
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotRunning, err)
		}
		return nil
	}
}
