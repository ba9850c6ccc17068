package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"os/signal"
	"runtime"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/charmbracelet/log"
	"github.com/tidwall/gjson"

	"github.com/sevir/agentrelay/pkg/models"
)

// TestHelperProcess is not a real test. It is re-executed by the tests below
// as a stand-in agent speaking the RPC protocol on stdio.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}
	os.Exit(runMockAgent(os.Getenv("MOCK_AGENT_MODE"), os.Args))
}

func runMockAgent(mode string, args []string) int {
	out := func(v any) {
		data, _ := json.Marshal(v)
		fmt.Fprintln(os.Stdout, string(data))
	}

	cwd, _ := os.Getwd()
	out(map[string]any{"type": "hello", "args": args, "cwd": cwd, "pid": os.Getpid()})

	switch mode {
	case "early-exit":
		return 2
	case "graceful":
		sigs := make(chan os.Signal, 1)
		signal.Notify(sigs, syscall.SIGTERM)
		go func() {
			<-sigs
			os.WriteFile(os.Getenv("MOCK_MARKER"), []byte("SIGTERM"), 0o644)
			os.Exit(0)
		}()
	}

	if mode == "noisy" {
		fmt.Fprintln(os.Stdout, "not json")
		fmt.Fprintln(os.Stdout, `{"type": broken`)
		fmt.Fprintln(os.Stdout, `{"type":"ping"}`)
	}

	r := bufio.NewReader(os.Stdin)
	for {
		line, err := r.ReadBytes('\n')
		if err != nil {
			switch mode {
			case "graceful":
				time.Sleep(200 * time.Millisecond)
			case "stubborn":
				time.Sleep(time.Hour)
			}
			return 0
		}
		if mode == "silent" {
			continue
		}
		if mode == "crash" {
			return 3
		}

		id := gjson.GetBytes(line, "id").String()
		typ := gjson.GetBytes(line, "type").String()
		switch {
		case id != "" && typ == models.CommandCompact:
			out(map[string]any{"type": "response", "id": id, "command": typ, "success": false, "error": "boom"})
		case id != "":
			out(map[string]any{"type": "response", "id": id, "command": typ, "success": true,
				"result": map[string]any{"ok": true}, "pid": os.Getpid()})
		case typ == models.CommandPrompt && mode == "reject":
			out(map[string]any{"type": "response", "command": typ, "success": false, "error": "busy"})
		case typ == models.CommandPrompt:
			out(map[string]any{"type": "agent_start"})
			for _, d := range []string{"hel", "lo"} {
				out(map[string]any{"type": "message_update",
					"assistantMessageEvent": map[string]any{"type": "text_delta", "delta": d}})
			}
			out(map[string]any{"type": "agent_end", "messages": []any{
				map[string]any{"role": "assistant", "content": []any{map[string]any{"type": "text", "text": "hello"}}},
			}})
		}
	}
}

type recorder struct {
	mu     sync.Mutex
	events []models.Event
	notify chan struct{}
}

func newRecorder() *recorder {
	return &recorder{notify: make(chan struct{}, 64)}
}

func (r *recorder) Dispatch(_ context.Context, ev models.Event) {
	r.mu.Lock()
	r.events = append(r.events, ev)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

func (r *recorder) waitFor(t *testing.T, typ string) models.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		r.mu.Lock()
		for _, ev := range r.events {
			if ev.Type == typ {
				r.mu.Unlock()
				return ev
			}
		}
		r.mu.Unlock()
		select {
		case <-r.notify:
		case <-time.After(20 * time.Millisecond):
		case <-deadline:
			t.Fatalf("Timed out waiting for %s event", typ)
		}
	}
}

func (r *recorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Type)
	}
	return out
}

// mockAgentScript writes a wrapper that re-executes the test binary as the
// mock agent, forwarding the supervisor's arguments after "--".
func mockAgentScript(t *testing.T) string {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("mock agent needs a POSIX shell")
	}
	path := filepath.Join(t.TempDir(), "mock-agent")
	script := fmt.Sprintf("#!/bin/sh\nexec %q -test.run='^TestHelperProcess$' -- \"$@\"\n", os.Args[0])
	if err := os.WriteFile(path, []byte(script), 0o755); err != nil {
		t.Fatalf("Failed to write mock agent: %v", err)
	}
	return path
}

func testConfig(t *testing.T, mode string) Config {
	return Config{
		Executable:      mockAgentScript(t),
		WorkDir:         t.TempDir(),
		Env:             []string{"GO_WANT_HELPER_PROCESS=1", "MOCK_AGENT_MODE=" + mode},
		SettleDelay:     20 * time.Millisecond,
		StopTimeout:     2 * time.Second,
		ReadLoopTimeout: 2 * time.Second,
	}
}

func startSupervisor(t *testing.T, cfg Config, d Dispatcher) *Supervisor {
	t.Helper()
	sv := NewSupervisor(cfg, d, log.New(io.Discard))
	if err := sv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}
	t.Cleanup(func() { sv.Stop(context.Background()) })
	return sv
}

func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("Timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestConfigArgs(t *testing.T) {
	cfg := Config{Provider: "anthropic", Model: "sonnet", ExtraArgs: []string{"--no-tools"}}
	got := cfg.Args()
	want := []string{"--mode", "rpc", "--provider", "anthropic", "--model", "sonnet", "--no-tools"}
	if len(got) != len(want) {
		t.Fatalf("Expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Expected arg %d to be %q, got %q", i, want[i], got[i])
		}
	}

	if got := (Config{}).Args(); len(got) != 2 {
		t.Errorf("Expected only mode args, got %v", got)
	}
}

func TestSupervisor_StartPassesArgsAndWorkDir(t *testing.T) {
	cfg := testConfig(t, "echo")
	cfg.Model = "m1"
	rec := newRecorder()
	sv := startSupervisor(t, cfg, rec)

	hello := rec.waitFor(t, "hello")
	found := false
	for _, a := range hello.Get("args").Array() {
		if a.String() == "m1" {
			found = true
		}
	}
	if !found {
		t.Errorf("Expected --model m1 in agent args, got %s", hello.Get("args").Raw)
	}

	wantDir, _ := filepath.EvalSymlinks(cfg.WorkDir)
	gotDir, _ := filepath.EvalSymlinks(hello.Get("cwd").String())
	if gotDir != wantDir {
		t.Errorf("Expected cwd %s, got %s", wantDir, gotDir)
	}

	if sv.State() != models.ProcessRunning {
		t.Errorf("Expected state running, got %s", sv.State())
	}
	if st := sv.Status(); st.PID == 0 || st.StartedAt == nil {
		t.Errorf("Expected pid and start time in status, got %+v", st)
	}
}

func TestSupervisor_CallWithResponse(t *testing.T) {
	sv := startSupervisor(t, testConfig(t, "echo"), newRecorder())

	doc, err := sv.CallWithResponse(context.Background(), models.GetState(), 5*time.Second)
	if err != nil {
		t.Fatalf("CallWithResponse failed: %v", err)
	}
	if gjson.GetBytes(doc, "type").String() != "response" {
		t.Errorf("Expected response document, got %s", doc)
	}
	if !gjson.GetBytes(doc, "result.ok").Bool() {
		t.Errorf("Expected result.ok true, got %s", doc)
	}
	if gjson.GetBytes(doc, "id").String() == "" {
		t.Errorf("Expected correlation id in response, got %s", doc)
	}
	if n := sv.Status().Pending; n != 0 {
		t.Errorf("Expected no pending rpcs, got %d", n)
	}
}

func TestSupervisor_RPCError(t *testing.T) {
	sv := startSupervisor(t, testConfig(t, "echo"), newRecorder())

	_, err := sv.CallWithResponse(context.Background(), models.Compact(""), 5*time.Second)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) {
		t.Fatalf("Expected RPCError, got %v", err)
	}
	if rpcErr.Message != "boom" || rpcErr.Command != models.CommandCompact {
		t.Errorf("Unexpected RPCError: %+v", rpcErr)
	}
}

func TestSupervisor_Timeout(t *testing.T) {
	sv := startSupervisor(t, testConfig(t, "silent"), newRecorder())

	_, err := sv.CallWithResponse(context.Background(), models.GetState(), 50*time.Millisecond)
	if !errors.Is(err, ErrRPCTimeout) {
		t.Fatalf("Expected ErrRPCTimeout, got %v", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.Command != models.CommandGetState {
		t.Errorf("Expected TimeoutError for get_state, got %v", err)
	}
	if n := sv.Status().Pending; n != 0 {
		t.Errorf("Expected pending entry removed, got %d", n)
	}
}

func TestSupervisor_CallerCancel(t *testing.T) {
	sv := startSupervisor(t, testConfig(t, "silent"), newRecorder())

	ctx, cancel := context.WithCancel(context.Background())
	errs := make(chan error, 1)
	go func() {
		_, err := sv.CallWithResponse(ctx, models.GetState(), 5*time.Second)
		errs <- err
	}()
	waitUntil(t, "pending rpc", func() bool { return sv.Status().Pending == 1 })
	cancel()

	if err := <-errs; !errors.Is(err, context.Canceled) {
		t.Fatalf("Expected context.Canceled, got %v", err)
	}
	if n := sv.Status().Pending; n != 0 {
		t.Errorf("Expected pending entry removed, got %d", n)
	}
}

func TestSupervisor_RestartCancelsPending(t *testing.T) {
	sv := startSupervisor(t, testConfig(t, "silent"), newRecorder())

	const n = 3
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		go func() {
			_, err := sv.CallWithResponse(context.Background(), models.GetState(), 10*time.Second)
			errs <- err
		}()
	}
	waitUntil(t, "pending rpcs", func() bool { return sv.Status().Pending == n })

	if err := sv.Restart(context.Background()); err != nil {
		t.Fatalf("Restart failed: %v", err)
	}

	for i := 0; i < n; i++ {
		select {
		case err := <-errs:
			if !errors.Is(err, ErrRPCCancelled) {
				t.Errorf("Expected ErrRPCCancelled, got %v", err)
			}
		case <-time.After(5 * time.Second):
			t.Fatal("Timed out waiting for cancelled rpc")
		}
	}
	if got := sv.Status().Restarts; got != 1 {
		t.Errorf("Expected 1 restart, got %d", got)
	}
}

func TestSupervisor_WritesWaitForRestart(t *testing.T) {
	cfg := testConfig(t, "echo")
	cfg.SettleDelay = 300 * time.Millisecond
	sv := startSupervisor(t, cfg, newRecorder())
	oldPID := sv.Status().PID

	restarted := make(chan error, 1)
	go func() { restarted <- sv.Restart(context.Background()) }()
	waitUntil(t, "gate reset", func() bool { return !sv.gate.IsOpen() })

	doc, err := sv.CallWithResponse(context.Background(), models.GetState(), 5*time.Second)
	if err != nil {
		t.Fatalf("CallWithResponse during restart failed: %v", err)
	}
	if pid := gjson.GetBytes(doc, "pid").Int(); int(pid) == oldPID {
		t.Errorf("Expected write to reach the new process, got response from old pid %d", pid)
	}
	if err := <-restarted; err != nil {
		t.Fatalf("Restart failed: %v", err)
	}
}

func TestSupervisor_SkipsMalformedLines(t *testing.T) {
	rec := newRecorder()
	startSupervisor(t, testConfig(t, "noisy"), rec)

	ev := rec.waitFor(t, "ping")
	if ev.Kind != models.EventUnknown {
		t.Errorf("Expected unknown kind for ping, got %s", ev.Kind)
	}
	for _, typ := range rec.types() {
		if typ == "" {
			t.Errorf("Expected malformed lines to be dropped, got event types %v", rec.types())
		}
	}
}

func TestSupervisor_DispatchesPromptEvents(t *testing.T) {
	rec := newRecorder()
	sv := startSupervisor(t, testConfig(t, "echo"), rec)

	if err := sv.Call(context.Background(), models.Prompt("hi")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	rec.waitFor(t, models.TypeAgentEnd)

	var deltas string
	rec.mu.Lock()
	for _, ev := range rec.events {
		if ev.Kind == models.EventTextDelta {
			deltas += ev.Delta()
		}
	}
	rec.mu.Unlock()
	if deltas != "hello" {
		t.Errorf("Expected deltas to spell hello, got %q", deltas)
	}
}

func TestSupervisor_CrashFiresOnExit(t *testing.T) {
	sv := NewSupervisor(testConfig(t, "crash"), newRecorder(), log.New(io.Discard))
	exits := make(chan error, 1)
	sv.OnExit(func(err error) { exits <- err })
	if err := sv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}
	defer sv.Stop(context.Background())

	if err := sv.Call(context.Background(), models.Abort()); err != nil {
		t.Fatalf("Call failed: %v", err)
	}

	select {
	case err := <-exits:
		var ee *ExitError
		if !errors.As(err, &ee) || ee.Code != 3 {
			t.Errorf("Expected exit code 3, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for exit hook")
	}

	if sv.State() != models.ProcessFailed {
		t.Errorf("Expected state failed, got %s", sv.State())
	}
	if err := sv.Call(context.Background(), models.Abort()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning after crash, got %v", err)
	}
	if sv.Status().LastExit == "" {
		t.Error("Expected last exit to be recorded")
	}
}

func TestSupervisor_StopThenStart(t *testing.T) {
	sv := startSupervisor(t, testConfig(t, "echo"), newRecorder())

	if err := sv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if sv.State() != models.ProcessStopped {
		t.Errorf("Expected state stopped, got %s", sv.State())
	}
	if sv.Ready() {
		t.Error("Expected supervisor not ready after stop")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := sv.Call(ctx, models.Abort()); !errors.Is(err, ErrNotRunning) {
		t.Errorf("Expected ErrNotRunning while stopped, got %v", err)
	}

	if err := sv.Start(context.Background()); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if _, err := sv.CallWithResponse(context.Background(), models.GetState(), 5*time.Second); err != nil {
		t.Errorf("CallWithResponse after restart failed: %v", err)
	}
}

func TestSupervisor_Unavailable(t *testing.T) {
	sv := NewSupervisor(Config{Executable: filepath.Join(t.TempDir(), "missing")}, nil, log.New(io.Discard))

	err := sv.Start(context.Background())
	if !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if sv.State() != models.ProcessFailed {
		t.Errorf("Expected state failed, got %s", sv.State())
	}
}

func TestSupervisor_CallFailsFastAfterFailedRestart(t *testing.T) {
	cfg := testConfig(t, "echo")
	sv := startSupervisor(t, cfg, newRecorder())

	if err := os.Remove(cfg.Executable); err != nil {
		t.Fatalf("Failed to remove mock agent: %v", err)
	}
	if err := sv.Restart(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable from restart, got %v", err)
	}
	if sv.State() != models.ProcessFailed {
		t.Errorf("Expected state failed, got %s", sv.State())
	}

	errs := make(chan error, 1)
	go func() { errs <- sv.Call(context.Background(), models.Prompt("hi")) }()
	select {
	case err := <-errs:
		if !errors.Is(err, ErrNotRunning) {
			t.Errorf("Expected ErrNotRunning, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Expected Call to return after the failed restart")
	}
}

func TestSupervisor_ExitDuringStartup(t *testing.T) {
	cfg := testConfig(t, "early-exit")
	cfg.SettleDelay = 3 * time.Second
	sv := NewSupervisor(cfg, newRecorder(), log.New(io.Discard))
	defer sv.Stop(context.Background())

	if err := sv.Start(context.Background()); !errors.Is(err, ErrUnavailable) {
		t.Fatalf("Expected ErrUnavailable, got %v", err)
	}
	if sv.State() != models.ProcessFailed {
		t.Errorf("Expected state failed, got %s", sv.State())
	}
	if st := sv.Status(); st.PID != 0 {
		t.Errorf("Expected no attached process, got pid %d", st.PID)
	}
	if err := sv.Start(context.Background()); err == nil {
		t.Error("Expected a second Start to launch again and fail")
	}
}

func TestSupervisor_StopWaitsForGracefulExit(t *testing.T) {
	marker := filepath.Join(t.TempDir(), "signalled")
	cfg := testConfig(t, "graceful")
	cfg.Env = append(cfg.Env, "MOCK_MARKER="+marker)
	sv := startSupervisor(t, cfg, newRecorder())

	if err := sv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if _, err := os.Stat(marker); err == nil {
		t.Error("Expected the agent to exit on stdin close without a SIGTERM")
	}
}

func TestSupervisor_StopTerminatesStubbornAgent(t *testing.T) {
	cfg := testConfig(t, "stubborn")
	cfg.StopTimeout = 100 * time.Millisecond
	sv := startSupervisor(t, cfg, newRecorder())

	start := time.Now()
	if err := sv.Stop(context.Background()); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	if elapsed := time.Since(start); elapsed > termGrace+time.Second {
		t.Errorf("Expected stop to finish promptly, took %s", elapsed)
	}
	if sv.State() != models.ProcessStopped {
		t.Errorf("Expected state stopped, got %s", sv.State())
	}
}

func TestSupervisor_UncorrelatedResponses(t *testing.T) {
	rec := newRecorder()
	sv := NewSupervisor(testConfig(t, "reject"), rec, log.New(io.Discard))
	responses := make(chan models.Event, 1)
	sv.OnResponse(func(ev models.Event) { responses <- ev })
	if err := sv.Start(context.Background()); err != nil {
		t.Fatalf("Failed to start supervisor: %v", err)
	}
	defer sv.Stop(context.Background())

	if err := sv.Call(context.Background(), models.Prompt("hi")); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	select {
	case ev := <-responses:
		if ev.Get("command").String() != models.CommandPrompt || ev.Get("success").Bool() {
			t.Errorf("Expected prompt rejection, got %s", ev.Raw)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Timed out waiting for the response hook")
	}
	for _, typ := range rec.types() {
		if typ == models.TypeResponse {
			t.Error("Expected responses to bypass the dispatcher")
		}
	}
}
