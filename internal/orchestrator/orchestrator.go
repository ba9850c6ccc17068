// Package orchestrator ties the agent supervisor, the event router and the
// streaming aggregator together behind one service facade.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"

	"github.com/sevir/agentrelay/internal/agent"
	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/internal/store"
	"github.com/sevir/agentrelay/pkg/models"
)

var (
	// ErrEmptyPrompt is returned for prompts without text or images.
	ErrEmptyPrompt = errors.New("prompt text is required")

	// ErrBusy is returned when a heartbeat would overlap a user turn.
	ErrBusy = errors.New("agent is busy")
)

// Agent is the subset of the supervisor the orchestrator drives.
type Agent interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Restart(ctx context.Context) error
	Call(ctx context.Context, cmd models.Command) error
	CallWithResponse(ctx context.Context, cmd models.Command, timeout time.Duration) (json.RawMessage, error)
	Status() agent.Status
	OnExit(fn func(error))
	OnResponse(fn func(models.Event))
}

// Deliverer sends chunks of agent output to a consumer. Errors are logged
// and never affect other turns.
type Deliverer interface {
	Deliver(ctx context.Context, chunk relay.Chunk) error
}

// Config holds orchestrator configuration.
type Config struct {
	Agent     agent.Config
	StorePath string
	MaxTurns  int
	Relay     relay.AggregatorOptions

	// ReloadEvent is the event type that triggers an agent restart.
	ReloadEvent    string
	RestartOnCrash bool
	RestartBackoff time.Duration

	// PromptTimeout bounds how long a prompt waits for an active
	// interceptor to finish.
	PromptTimeout time.Duration

	// DrainTimeout bounds how long a heartbeat that was given up on keeps
	// the interceptor while its run winds down.
	DrainTimeout time.Duration

	Logger *log.Logger
}

// Orchestrator coordinates turns against the supervised agent.
type Orchestrator struct {
	agent  Agent
	router *relay.Router
	agg    *relay.Aggregator
	store  store.Store
	logger *log.Logger

	reloadEvent    string
	restartOnCrash bool
	restartBackoff time.Duration
	promptTimeout  time.Duration
	drainTimeout   time.Duration

	// admitMu orders turn admission against heartbeat interception.
	admitMu sync.Mutex

	// restarting is held for writing while the agent process is replaced
	// and its turns are abandoned. Prompt writes hold it for reading, so a
	// prompt never reaches a process that is about to go away.
	restarting sync.RWMutex
	// sendMu keeps prompt writes in queue order.
	sendMu  sync.Mutex
	prompts promptQueue

	// epoch is closed when the current agent process goes away.
	epochMu sync.Mutex
	epoch   chan struct{}

	delivMu   sync.RWMutex
	deliverer Deliverer

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an Orchestrator backed by a real agent supervisor.
func New(cfg Config) (*Orchestrator, error) {
	return build(cfg, func(d agent.Dispatcher, logger *log.Logger) Agent {
		return agent.NewSupervisor(cfg.Agent, d, logger)
	})
}

func build(cfg Config, newAgent func(agent.Dispatcher, *log.Logger) Agent) (*Orchestrator, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = log.Default()
	}
	if cfg.PromptTimeout <= 0 {
		cfg.PromptTimeout = 5 * time.Minute
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 30 * time.Second
	}

	fileStore, err := store.NewFileStore(cfg.StorePath, cfg.MaxTurns)
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	o := &Orchestrator{
		router:         relay.NewRouter(logger),
		agg:            relay.NewAggregator(cfg.Relay),
		store:          fileStore,
		logger:         logger.WithPrefix("orchestrator"),
		reloadEvent:    cfg.ReloadEvent,
		restartOnCrash: cfg.RestartOnCrash,
		restartBackoff: cfg.RestartBackoff,
		promptTimeout:  cfg.PromptTimeout,
		drainTimeout:   cfg.DrainTimeout,
		epoch:          make(chan struct{}),
		ctx:            ctx,
		cancel:         cancel,
	}

	// The aggregator sees every broadcast event before other subscribers.
	o.router.Subscribe(o.onEvent)

	o.agent = newAgent(o.router, logger)
	o.agent.OnExit(o.onAgentExit)
	o.agent.OnResponse(o.onResponse)

	o.markInterrupted("service restarted")

	return o, nil
}

// SetDeliverer installs the consumer that receives output chunks.
func (o *Orchestrator) SetDeliverer(d Deliverer) {
	o.delivMu.Lock()
	o.deliverer = d
	o.delivMu.Unlock()
}

// Router exposes the event router.
func (o *Orchestrator) Router() *relay.Router {
	return o.router
}

// Start launches the agent.
func (o *Orchestrator) Start(ctx context.Context) error {
	if err := o.agent.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}
	return nil
}

func (o *Orchestrator) onEvent(ctx context.Context, ev models.Event) {
	if o.reloadEvent != "" && ev.Type == o.reloadEvent {
		o.logger.Info("agent requested reload", "event", ev.Type)
		// Restart waits for the read loop, so it cannot run on it.
		o.goRestart("reload requested")
		return
	}

	for _, c := range o.agg.Handle(ev) {
		o.deliver(c, models.TurnStatusCompleted, "")
	}
}

// deliver records c against its turn and hands it to the deliverer.
// status applies when c is final.
func (o *Orchestrator) deliver(c relay.Chunk, status models.TurnStatus, errMsg string) {
	rec, err := o.store.Update(c.TurnID, func(r *models.TurnRecord) {
		r.Response += c.Text
		if c.Text != "" {
			r.Chunks++
		}
		if c.Final && r.IsPending() {
			r.Finish(status, errMsg)
		}
	})
	if err != nil {
		o.logger.Warn("chunk for unrecorded turn", "turn_id", c.TurnID, "error", err)
	} else if c.Final {
		logTurnFinished(o.logger, rec)
	}
	if c.Final {
		o.prompts.remove(c.TurnID)
	}

	o.delivMu.RLock()
	d := o.deliverer
	o.delivMu.RUnlock()
	if d == nil || (c.Text == "" && !c.Final) {
		return
	}
	if err := d.Deliver(o.ctx, c); err != nil {
		o.logger.Error("delivery failed", "turn_id", c.TurnID, "channel", c.Channel, "error", err)
	}
}

// Deliver sends a chunk that does not belong to a recorded user turn.
func (o *Orchestrator) Deliver(ctx context.Context, c relay.Chunk) error {
	o.delivMu.RLock()
	d := o.deliverer
	o.delivMu.RUnlock()
	if d == nil {
		return nil
	}
	return d.Deliver(ctx, c)
}

// onResponse matches uncorrelated prompt responses to the prompts that were
// written. A rejected prompt fails its turn; otherwise the next turn's output
// would be attributed to it.
func (o *Orchestrator) onResponse(ev models.Event) {
	if ev.Get("command").String() != models.CommandPrompt {
		return
	}
	e, ok := o.prompts.pop()
	if !ok {
		return
	}
	if success := ev.Get("success"); !success.Exists() || success.Bool() {
		return
	}
	msg := ev.Get("error").String()
	o.logger.Warn("agent rejected prompt", "turn_id", e.id, "error", msg)
	e.reject(msg)
}

// rejectTurn closes a turn whose prompt the agent refused.
func (o *Orchestrator) rejectTurn(rec *models.TurnRecord, msg string) {
	if err := o.agg.Cancel(rec.ID); err != nil {
		return
	}
	errMsg := "agent rejected prompt"
	if msg != "" {
		errMsg += ": " + msg
	}
	o.deliver(relay.Chunk{TurnID: rec.ID, Channel: rec.Channel, Origin: rec.Origin, Final: true},
		models.TurnStatusFailed, errMsg)
}

func (o *Orchestrator) currentEpoch() <-chan struct{} {
	o.epochMu.Lock()
	defer o.epochMu.Unlock()
	return o.epoch
}

func (o *Orchestrator) endEpoch() {
	o.epochMu.Lock()
	close(o.epoch)
	o.epoch = make(chan struct{})
	o.epochMu.Unlock()
}

func (o *Orchestrator) onAgentExit(err error) {
	o.restarting.Lock()
	o.abandonTurns("agent exited")
	o.endEpoch()
	o.restarting.Unlock()

	if !o.restartOnCrash {
		o.logger.Warn("agent exited; waiting for an explicit restart", "error", err)
		return
	}

	o.logger.Warn("agent exited; restarting", "error", err, "backoff", o.restartBackoff)
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		select {
		case <-time.After(o.restartBackoff):
		case <-o.ctx.Done():
			return
		}
		if err := o.Restart(o.ctx); err != nil {
			o.logger.Error("restart after crash failed", "error", err)
		}
	}()
}

func (o *Orchestrator) goRestart(reason string) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		if err := o.Restart(o.ctx); err != nil {
			o.logger.Error("restart failed", "reason", reason, "error", err)
		}
	}()
}

// abandonTurns flushes every pending turn as interrupted and forgets the
// prompts the agent has not answered.
func (o *Orchestrator) abandonTurns(reason string) {
	o.prompts.clear()
	for _, c := range o.agg.Abandon() {
		o.deliver(c, models.TurnStatusInterrupted, reason)
	}
}

// markInterrupted finishes turns left pending by a previous run.
func (o *Orchestrator) markInterrupted(reason string) {
	pending, _ := o.store.List(store.ListFilter{Status: []models.TurnStatus{models.TurnStatusPending}})
	for _, r := range pending {
		o.store.Update(r.ID, func(r *models.TurnRecord) { r.Finish(models.TurnStatusInterrupted, reason) })
	}
}

// Prompt submits a user turn. It waits for an active heartbeat to finish,
// registers the turn and writes the prompt. Output arrives through the
// deliverer.
func (o *Orchestrator) Prompt(ctx context.Context, req models.PromptRequest) (*models.TurnRecord, error) {
	if strings.TrimSpace(req.Text) == "" && len(req.Images) == 0 {
		return nil, ErrEmptyPrompt
	}

	id := req.TurnID
	if id == "" {
		id = generateID()
	}

	rec := &models.TurnRecord{
		ID:        id,
		Channel:   req.Channel,
		Origin:    req.Origin,
		Prompt:    req.Text,
		Status:    models.TurnStatusPending,
		CreatedAt: time.Now(),
	}

	done, err := o.admit(ctx, rec)
	if err != nil {
		return nil, err
	}
	defer done()
	logTurnReceived(o.logger, rec, len(req.Images))

	if err := o.sendPrompt(ctx, id, models.Prompt(req.Text, req.Images...), func(msg string) {
		o.rejectTurn(rec, msg)
	}); err != nil {
		o.agg.Cancel(id)
		failed, _ := o.store.Update(id, func(r *models.TurnRecord) { r.Finish(models.TurnStatusFailed, err.Error()) })
		if failed != nil {
			logTurnFinished(o.logger, failed)
		}
		return failed, fmt.Errorf("failed to send prompt: %w", err)
	}

	return rec, nil
}

// admit registers rec once no heartbeat holds the interceptor. On success
// the caller holds restarting for reading until it calls done.
func (o *Orchestrator) admit(ctx context.Context, rec *models.TurnRecord) (done func(), err error) {
	waitCtx, cancel := context.WithTimeout(ctx, o.promptTimeout)
	defer cancel()

	o.admitMu.Lock()
	defer o.admitMu.Unlock()

	if err := o.router.WaitIdle(waitCtx); err != nil {
		return nil, fmt.Errorf("timed out waiting for heartbeat: %w", err)
	}

	o.restarting.RLock()
	if err := o.agg.Begin(rec.ID, rec.Channel, rec.Origin, rec.CreatedAt); err != nil {
		o.restarting.RUnlock()
		return nil, err
	}
	if rec.Channel != "" {
		o.router.SetDefaultRecipient(rec.Channel)
	}
	if err := o.store.Save(rec); err != nil {
		o.agg.Cancel(rec.ID)
		o.restarting.RUnlock()
		return nil, fmt.Errorf("failed to save turn: %w", err)
	}
	return o.restarting.RUnlock, nil
}

// sendPrompt writes cmd and queues it for the agent's answer. reject runs on
// the read loop if the agent refuses it. Callers hold restarting for reading.
func (o *Orchestrator) sendPrompt(ctx context.Context, id string, cmd models.Command, reject func(string)) error {
	o.sendMu.Lock()
	defer o.sendMu.Unlock()

	o.prompts.push(id, reject)
	if err := o.agent.Call(ctx, cmd); err != nil {
		o.prompts.remove(id)
		return err
	}
	return nil
}

// Steer interrupts the current run with new input.
func (o *Orchestrator) Steer(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	return o.agent.Call(ctx, models.Steer(text))
}

// FollowUp queues input to run after the current run.
func (o *Orchestrator) FollowUp(ctx context.Context, text string) error {
	if strings.TrimSpace(text) == "" {
		return ErrEmptyPrompt
	}
	return o.agent.Call(ctx, models.FollowUp(text))
}

// Abort stops the current run. The oldest pending turn is recorded as
// aborted; it closes when the agent reports the end of the run.
func (o *Orchestrator) Abort(ctx context.Context) error {
	if err := o.agent.Call(ctx, models.Abort()); err != nil {
		return err
	}
	if id, ok := o.agg.Oldest(); ok {
		rec, err := o.store.Update(id, func(r *models.TurnRecord) { r.Finish(models.TurnStatusAborted, "") })
		if err == nil {
			logTurnFinished(o.logger, rec)
		}
	}
	return nil
}

// NewSession starts a fresh agent session.
func (o *Orchestrator) NewSession(ctx context.Context) (json.RawMessage, error) {
	return o.agent.CallWithResponse(ctx, models.NewSession(), 0)
}

// Compact asks the agent to compact its context.
func (o *Orchestrator) Compact(ctx context.Context, instructions string) (json.RawMessage, error) {
	return o.agent.CallWithResponse(ctx, models.Compact(instructions), 0)
}

// State returns the agent's get_state response.
func (o *Orchestrator) State(ctx context.Context) (json.RawMessage, error) {
	return o.agent.CallWithResponse(ctx, models.GetState(), 0)
}

// Messages returns the agent's get_messages response.
func (o *Orchestrator) Messages(ctx context.Context) (json.RawMessage, error) {
	return o.agent.CallWithResponse(ctx, models.GetMessages(), 0)
}

// Restart restarts the agent. Pending turns are closed as interrupted.
func (o *Orchestrator) Restart(ctx context.Context) error {
	o.restarting.Lock()
	defer o.restarting.Unlock()

	o.abandonTurns("agent restarted")
	err := o.agent.Restart(ctx)
	o.endEpoch()
	if err != nil {
		return err
	}
	o.logger.Info("agent restarted")
	return nil
}

// Heartbeat runs a system turn through the interceptor and returns the
// agent's reply. It fails with ErrBusy while user turns are pending and
// with relay.ErrInterceptorBusy while another heartbeat runs.
//
// When the heartbeat times out or ctx is done the run is aborted, and the
// interceptor stays claimed until the run ends, the agent is replaced or the
// drain timeout passes.
func (o *Orchestrator) Heartbeat(ctx context.Context, prompt string, timeout time.Duration) (*models.TurnRecord, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}

	var buf strings.Builder
	done := make(chan string, 1)
	handler := func(_ context.Context, ev models.Event) {
		switch ev.Kind {
		case models.EventTextDelta:
			buf.WriteString(ev.Delta())
		case models.EventAgentEnd:
			text := buf.String()
			if text == "" {
				text = ev.FinalAssistantText()
			}
			done <- text
		}
	}

	o.admitMu.Lock()
	if len(o.agg.Pending()) > 0 {
		o.admitMu.Unlock()
		return nil, ErrBusy
	}
	release, err := o.router.Intercept(handler)
	o.admitMu.Unlock()
	if err != nil {
		return nil, err
	}

	rec := &models.TurnRecord{
		ID:        generateID(),
		Channel:   o.router.DefaultRecipient(),
		Prompt:    prompt,
		Status:    models.TurnStatusPending,
		Heartbeat: true,
		CreatedAt: time.Now(),
	}
	o.store.Save(rec)
	logTurnReceived(o.logger, rec, 0)

	finish := func(status models.TurnStatus, response, errMsg string) *models.TurnRecord {
		updated, err := o.store.Update(rec.ID, func(r *models.TurnRecord) {
			r.Response = response
			r.Finish(status, errMsg)
		})
		if err != nil {
			rec.Response = response
			rec.Finish(status, errMsg)
			updated = rec
		}
		logTurnFinished(o.logger, updated)
		return updated
	}

	rejected := make(chan string, 1)
	o.restarting.RLock()
	epoch := o.currentEpoch()
	err = o.sendPrompt(ctx, rec.ID, models.Prompt(prompt), func(msg string) { rejected <- msg })
	o.restarting.RUnlock()
	if err != nil {
		release()
		finish(models.TurnStatusFailed, "", err.Error())
		return nil, fmt.Errorf("failed to send heartbeat: %w", err)
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case text := <-done:
		release()
		o.prompts.remove(rec.ID)
		return finish(models.TurnStatusCompleted, text, ""), nil
	case msg := <-rejected:
		release()
		finish(models.TurnStatusFailed, "", "agent rejected prompt: "+msg)
		return nil, fmt.Errorf("agent rejected heartbeat: %s", msg)
	case <-epoch:
		release()
		finish(models.TurnStatusInterrupted, "", "agent restarted")
		return nil, errors.New("heartbeat interrupted by agent restart")
	case <-timer.C:
		o.abortQuietly()
		o.drain(rec.ID, release, done, rejected, epoch)
		finish(models.TurnStatusFailed, "", "heartbeat timed out")
		return nil, fmt.Errorf("heartbeat timed out after %s", timeout)
	case <-ctx.Done():
		o.abortQuietly()
		o.drain(rec.ID, release, done, rejected, epoch)
		finish(models.TurnStatusAborted, "", ctx.Err().Error())
		return nil, ctx.Err()
	}
}

// drain holds the interceptor for an abandoned heartbeat until its run ends,
// so late output from it never reaches user turns.
func (o *Orchestrator) drain(id string, release func(), done <-chan string, rejected <-chan string, epoch <-chan struct{}) {
	o.wg.Add(1)
	go func() {
		defer o.wg.Done()
		defer release()
		defer o.prompts.remove(id)

		timer := time.NewTimer(o.drainTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-rejected:
		case <-epoch:
		case <-o.ctx.Done():
		case <-timer.C:
			o.logger.Warn("abandoned heartbeat did not end, releasing interceptor", "turn_id", id, "after", o.drainTimeout)
		}
	}()
}

// abortQuietly stops a run whose output nobody waits for any more.
func (o *Orchestrator) abortQuietly() {
	ctx, cancel := context.WithTimeout(o.ctx, 5*time.Second)
	defer cancel()
	if err := o.agent.Call(ctx, models.Abort()); err != nil {
		o.logger.Debug("abort after abandoned heartbeat failed", "error", err)
	}
}

// Busy reports whether a user turn or a heartbeat is in flight.
func (o *Orchestrator) Busy() bool {
	return len(o.agg.Pending()) > 0 || o.router.Intercepting()
}

// DefaultRecipient returns the channel of the most recent user prompt.
func (o *Orchestrator) DefaultRecipient() string {
	return o.router.DefaultRecipient()
}

// Subscribe registers h for every broadcast agent event.
func (o *Orchestrator) Subscribe(h relay.Handler) (unsubscribe func()) {
	return o.router.Subscribe(h)
}

// GetTurn retrieves a turn by ID.
func (o *Orchestrator) GetTurn(id string) (*models.TurnRecord, error) {
	return o.store.Get(id)
}

// ListTurns lists turns matching the filter.
func (o *Orchestrator) ListTurns(req models.ListRequest) ([]*models.TurnRecord, error) {
	return o.store.List(store.ListFilter{
		Status:  req.Status,
		Channel: req.Channel,
		Limit:   req.Limit,
		Offset:  req.Offset,
	})
}

// Stats holds turn counts by status.
type Stats struct {
	Total       int `json:"total"`
	Pending     int `json:"pending"`
	Completed   int `json:"completed"`
	Aborted     int `json:"aborted"`
	Interrupted int `json:"interrupted"`
	Failed      int `json:"failed"`
	Heartbeats  int `json:"heartbeats"`
}

// Status is a snapshot of the service.
type Status struct {
	Agent            agent.Status `json:"agent"`
	PendingTurns     []string     `json:"pending_turns"`
	Intercepting     bool         `json:"intercepting"`
	DefaultRecipient string       `json:"default_recipient,omitempty"`
	Turns            Stats        `json:"turns"`
}

// Status returns the current service status.
func (o *Orchestrator) Status() Status {
	st := Status{
		Agent:            o.agent.Status(),
		PendingTurns:     o.agg.Pending(),
		Intercepting:     o.router.Intercepting(),
		DefaultRecipient: o.router.DefaultRecipient(),
	}

	turns, _ := o.store.List(store.ListFilter{})
	for _, t := range turns {
		st.Turns.Total++
		if t.Heartbeat {
			st.Turns.Heartbeats++
		}
		switch t.Status {
		case models.TurnStatusPending:
			st.Turns.Pending++
		case models.TurnStatusCompleted:
			st.Turns.Completed++
		case models.TurnStatusAborted:
			st.Turns.Aborted++
		case models.TurnStatusInterrupted:
			st.Turns.Interrupted++
		case models.TurnStatusFailed:
			st.Turns.Failed++
		}
	}
	return st
}

// Shutdown stops the agent and flushes the store.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.cancel()
	o.wg.Wait()

	if err := o.agent.Stop(ctx); err != nil {
		o.logger.Warn("failed to stop agent", "error", err)
	}
	o.abandonTurns("service shutdown")
	return o.store.Close()
}

func generateID() string {
	return fmt.Sprintf("turn-%s", uuid.New().String()[:8])
}

func logTurnReceived(logger *log.Logger, rec *models.TurnRecord, images int) {
	logger.Info("turn received",
		"turn_event", "received",
		"turn_id", rec.ID,
		"status", rec.Status,
		"channel", rec.Channel,
		"origin", rec.Origin,
		"heartbeat", rec.Heartbeat,
		"images", images,
		"prompt_len", len(rec.Prompt),
		"prompt_preview", models.TruncateString(rec.Prompt, 160),
	)
}

func logTurnFinished(logger *log.Logger, rec *models.TurnRecord) {
	duration := ""
	if rec.CompletedAt != nil {
		duration = rec.CompletedAt.Sub(rec.CreatedAt).String()
	}

	logger.Info("turn finished",
		"turn_event", "finished",
		"turn_id", rec.ID,
		"status", rec.Status,
		"chunks", rec.Chunks,
		"response_len", len(rec.Response),
		"error", strings.TrimSpace(rec.Error),
		"duration", duration,
	)
}
