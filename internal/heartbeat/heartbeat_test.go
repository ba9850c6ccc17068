package heartbeat

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/sevir/agentrelay/internal/logging"
	"github.com/sevir/agentrelay/internal/relay"
	"github.com/sevir/agentrelay/pkg/models"
)

type fakeRunner struct {
	mu        sync.Mutex
	reply     string
	err       error
	busy      bool
	recipient string
	prompts   []string
	delivered []relay.Chunk
}

func (f *fakeRunner) Heartbeat(_ context.Context, prompt string, _ time.Duration) (*models.TurnRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	if f.err != nil {
		return nil, f.err
	}
	return &models.TurnRecord{ID: "turn-hb", Response: f.reply, Heartbeat: true}, nil
}

func (f *fakeRunner) Busy() bool               { return f.busy }
func (f *fakeRunner) DefaultRecipient() string { return f.recipient }

func (f *fakeRunner) Deliver(_ context.Context, c relay.Chunk) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.delivered = append(f.delivered, c)
	return nil
}

func (f *fakeRunner) promptCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.prompts)
}

func newService(t *testing.T, cfg Config, r Runner) *Service {
	t.Helper()
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 1h"
	}
	s, err := New(cfg, r, logging.Discard())
	if err != nil {
		t.Fatalf("Failed to create service: %v", err)
	}
	return s
}

func TestIsAck(t *testing.T) {
	cases := map[string]bool{
		"HEARTBEAT_OK":                  true,
		"  **HEARTBEAT_OK**  ":          true,
		"HEARTBEAT_OK.":                 true,
		"All quiet. HEARTBEAT_OK":       true,
		"":                              false,
		"ok":                            false,
		"The build on main is failing.": false,
		"HEARTBEAT_OK but also: the disk on the backup host is almost full, please check": false,
	}
	for in, want := range cases {
		if got := IsAck(in, DefaultAckToken); got != want {
			t.Errorf("IsAck(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestHasContent(t *testing.T) {
	if HasContent("") || HasContent("\n  \n# heading\n   # note\n") {
		t.Error("Expected blank and comment-only files to be empty")
	}
	if !HasContent("# Tasks\n- check the queue\n") {
		t.Error("Expected task lines to count as content")
	}
}

func TestNew_InvalidSchedule(t *testing.T) {
	if _, err := New(Config{Schedule: "not a schedule"}, &fakeRunner{}, logging.Discard()); err == nil {
		t.Fatal("Expected error for invalid schedule")
	}
}

func TestRun_SuppressesAck(t *testing.T) {
	r := &fakeRunner{reply: "HEARTBEAT_OK", recipient: "chat-1"}
	s := newService(t, Config{}, r)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Ran || !res.Suppressed || res.Delivered {
		t.Errorf("Expected suppressed heartbeat, got %+v", res)
	}
	if len(r.delivered) != 0 {
		t.Errorf("Expected nothing delivered, got %+v", r.delivered)
	}
	if r.prompts[0] != DefaultPrompt {
		t.Errorf("Expected default prompt, got %q", r.prompts[0])
	}
}

func TestRun_DeliversReplyToDefaultRecipient(t *testing.T) {
	r := &fakeRunner{reply: "The nightly job failed.", recipient: "chat-1"}
	s := newService(t, Config{Prompt: "check"}, r)

	res, err := s.Run(context.Background())
	if err != nil {
		t.Fatalf("Run failed: %v", err)
	}
	if !res.Delivered || res.Recipient != "chat-1" {
		t.Errorf("Expected delivery to chat-1, got %+v", res)
	}
	c := r.delivered[0]
	if c.Channel != "chat-1" || c.Text != "The nightly job failed." || !c.Final || c.Origin != "heartbeat" {
		t.Errorf("Unexpected chunk %+v", c)
	}
}

func TestRun_NoRecipient(t *testing.T) {
	r := &fakeRunner{reply: "something"}
	s := newService(t, Config{}, r)

	res, _ := s.Run(context.Background())
	if !res.Ran || res.Delivered {
		t.Errorf("Expected undelivered reply without recipient, got %+v", res)
	}
}

func TestRun_SkipsWhenBusy(t *testing.T) {
	r := &fakeRunner{busy: true}
	s := newService(t, Config{}, r)

	res, _ := s.Run(context.Background())
	if res.Ran || res.Skipped == "" {
		t.Errorf("Expected skip while busy, got %+v", res)
	}
	if r.promptCount() != 0 {
		t.Error("Expected no heartbeat turn while busy")
	}
}

func TestRun_InterceptorBusyIsSkip(t *testing.T) {
	r := &fakeRunner{err: relay.ErrInterceptorBusy}
	s := newService(t, Config{}, r)

	res, err := s.Run(context.Background())
	if err != nil || res.Ran || res.Skipped == "" {
		t.Errorf("Expected skip, got %+v (%v)", res, err)
	}

	r.err = errors.New("agent gone")
	if _, err := s.Run(context.Background()); err == nil {
		t.Error("Expected other errors to propagate")
	}
}

func TestRun_FileGate(t *testing.T) {
	dir := t.TempDir()
	r := &fakeRunner{reply: "HEARTBEAT_OK"}
	s := newService(t, Config{File: "HEARTBEAT.md", WorkDir: dir}, r)

	res, _ := s.Run(context.Background())
	if res.Ran || res.Skipped != "HEARTBEAT.md not found" {
		t.Errorf("Expected skip for missing file, got %+v", res)
	}

	path := filepath.Join(dir, "HEARTBEAT.md")
	os.WriteFile(path, []byte("# only comments\n\n"), 0644)
	res, _ = s.Run(context.Background())
	if res.Ran || res.Skipped != "HEARTBEAT.md is empty" {
		t.Errorf("Expected skip for empty file, got %+v", res)
	}

	os.WriteFile(path, []byte("# tasks\n- look at the inbox\n"), 0644)
	res, _ = s.Run(context.Background())
	if !res.Ran {
		t.Errorf("Expected heartbeat to run with content, got %+v", res)
	}
}

func TestScheduleRuns(t *testing.T) {
	r := &fakeRunner{reply: "HEARTBEAT_OK"}
	s := newService(t, Config{Schedule: "@every 1s"}, r)

	s.Start()
	defer s.Stop()

	if s.Next().IsZero() {
		t.Error("Expected next run after start")
	}

	deadline := time.Now().Add(3 * time.Second)
	for r.promptCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("Timed out waiting for scheduled heartbeat")
		}
		time.Sleep(20 * time.Millisecond)
	}
}
