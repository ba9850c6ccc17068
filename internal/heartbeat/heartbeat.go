// Package heartbeat schedules periodic system turns that let the agent check
// in on its own without a user prompt.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/charmbracelet/log"
	"github.com/robfig/cron/v3"

	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/pkg/models"
)

// DefaultPrompt is sent when no prompt is configured.
const DefaultPrompt = `Read HEARTBEAT.md if it exists (workspace context). Follow it strictly. Do not infer or repeat old tasks from prior chats. If nothing needs attention, reply HEARTBEAT_OK.`

// DefaultAckToken is the reply that means "nothing to report".
const DefaultAckToken = "HEARTBEAT_OK"

// ackSlack is how much text may surround the ack token and still count as
// an acknowledgement.
const ackSlack = 30

// Runner executes heartbeat turns. The orchestrator implements it.
type Runner interface {
	Heartbeat(ctx context.Context, prompt string, timeout time.Duration) (*models.TurnRecord, error)
	Busy() bool
	DefaultRecipient() string
	Deliver(ctx context.Context, chunk relay.Chunk) error
}

// Config configures the heartbeat service.
type Config struct {
	Schedule string
	Prompt   string
	AckToken string
	// File gates heartbeats: when set, the file must exist and contain
	// something besides blank lines and # comments. Relative paths are
	// resolved against WorkDir.
	File    string
	WorkDir string
	Timeout time.Duration
}

// Result describes one heartbeat attempt.
type Result struct {
	Ran        bool   `json:"ran"`
	Skipped    string `json:"skipped,omitempty"`
	TurnID     string `json:"turn_id,omitempty"`
	Reply      string `json:"reply,omitempty"`
	Suppressed bool   `json:"suppressed"`
	Delivered  bool   `json:"delivered"`
	Recipient  string `json:"recipient,omitempty"`
}

// Service runs heartbeats on a cron schedule.
type Service struct {
	cfg    Config
	runner Runner
	logger *log.Logger
	cron   *cron.Cron
	ctx    context.Context
	cancel context.CancelFunc
}

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// New validates the schedule and builds a stopped service.
func New(cfg Config, runner Runner, logger *log.Logger) (*Service, error) {
	if logger == nil {
		logger = log.Default()
	}
	if cfg.Prompt == "" {
		cfg.Prompt = DefaultPrompt
	}
	if cfg.AckToken == "" {
		cfg.AckToken = DefaultAckToken
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Minute
	}

	schedule, err := parser.Parse(strings.TrimSpace(cfg.Schedule))
	if err != nil {
		return nil, fmt.Errorf("invalid heartbeat schedule %q: %w", cfg.Schedule, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Service{
		cfg:    cfg,
		runner: runner,
		logger: logger.WithPrefix("heartbeat"),
		cron:   cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		ctx:    ctx,
		cancel: cancel,
	}
	s.cron.Schedule(schedule, cron.FuncJob(s.tick))
	return s, nil
}

// Start begins the schedule.
func (s *Service) Start() {
	s.cron.Start()
	s.logger.Info("heartbeat enabled", "schedule", s.cfg.Schedule)
}

// Stop halts the schedule and waits for a running heartbeat to finish.
func (s *Service) Stop() {
	s.cancel()
	<-s.cron.Stop().Done()
}

// Next returns the next scheduled run, or zero before Start.
func (s *Service) Next() time.Time {
	entries := s.cron.Entries()
	if len(entries) == 0 {
		return time.Time{}
	}
	return entries[0].Next
}

func (s *Service) tick() {
	res, err := s.Run(s.ctx)
	switch {
	case err != nil:
		s.logger.Error("heartbeat failed", "error", err)
	case !res.Ran:
		s.logger.Debug("heartbeat skipped", "reason", res.Skipped)
	}
}

// Run performs one heartbeat now, honouring the same gates as the schedule.
func (s *Service) Run(ctx context.Context) (Result, error) {
	if reason := s.gate(); reason != "" {
		return Result{Skipped: reason}, nil
	}
	if s.runner.Busy() {
		return Result{Skipped: "agent busy"}, nil
	}

	s.logger.Info("heartbeat starting")
	turn, err := s.runner.Heartbeat(ctx, s.cfg.Prompt, s.cfg.Timeout)
	if err != nil {
		if errors.Is(err, relay.ErrInterceptorBusy) {
			return Result{Skipped: "heartbeat already running"}, nil
		}
		return Result{}, err
	}

	res := Result{Ran: true, TurnID: turn.ID, Reply: turn.Response}
	if IsAck(turn.Response, s.cfg.AckToken) {
		res.Suppressed = true
		s.logger.Info("heartbeat completed", "turn_id", turn.ID, "suppressed", true)
		return res, nil
	}

	res.Recipient = s.runner.DefaultRecipient()
	if res.Recipient == "" {
		s.logger.Warn("heartbeat reply has no recipient", "turn_id", turn.ID, "reply_len", len(turn.Response))
		return res, nil
	}

	err = s.runner.Deliver(ctx, relay.Chunk{
		TurnID:  turn.ID,
		Channel: res.Recipient,
		Origin:  "heartbeat",
		Text:    turn.Response,
		Final:   true,
	})
	if err != nil {
		s.logger.Error("failed to deliver heartbeat", "channel", res.Recipient, "error", err)
		return res, nil
	}
	res.Delivered = true
	s.logger.Info("heartbeat completed", "turn_id", turn.ID, "channel", res.Recipient, "reply_len", len(turn.Response))
	return res, nil
}

// gate returns a skip reason, or "" when the heartbeat may run.
func (s *Service) gate() string {
	if s.cfg.File == "" {
		return ""
	}
	path := s.cfg.File
	if !filepath.IsAbs(path) && s.cfg.WorkDir != "" {
		path = filepath.Join(s.cfg.WorkDir, path)
	}

	content, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return filepath.Base(path) + " not found"
		}
		// The agent may still make sense of things; run anyway.
		s.logger.Warn("failed to read heartbeat file", "path", path, "error", err)
		return ""
	}
	if !HasContent(string(content)) {
		return filepath.Base(path) + " is empty"
	}
	return ""
}

// HasContent reports whether a heartbeat file holds anything besides blank
// lines and # comments.
func HasContent(content string) bool {
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		if line != "" && !strings.HasPrefix(line, "#") {
			return true
		}
	}
	return false
}

// IsAck reports whether reply only acknowledges the heartbeat. Light
// formatting and a few words around the token are tolerated.
func IsAck(reply, token string) bool {
	if token == "" || !strings.Contains(reply, token) {
		return false
	}
	rest := strings.ReplaceAll(reply, token, "")
	rest = strings.TrimFunc(rest, func(r rune) bool {
		return unicode.IsSpace(r) || unicode.IsPunct(r) || r == '`'
	})
	return utf8.RuneCountInString(rest) <= ackSlack
}
