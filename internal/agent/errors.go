package agent

import (
	"errors"
	"fmt"
	"strconv"
	"time"
)

// Sentinel errors for supervisor operations.
var (
	// ErrUnavailable indicates the agent cannot be started
	// (executable not found, launch failed).
	ErrUnavailable = errors.New("agent: unavailable")

	// ErrNotRunning indicates there is no live process to write to.
	ErrNotRunning = errors.New("agent: process not running")

	// ErrRPCTimeout indicates a correlated call got no response in time.
	ErrRPCTimeout = errors.New("agent: rpc timeout")

	// ErrRPCCancelled indicates a correlated call was dropped because the
	// process it was sent to was torn down.
	ErrRPCCancelled = errors.New("agent: rpc cancelled")
)

// TimeoutError reports which call timed out. It matches ErrRPCTimeout
// with errors.Is.
type TimeoutError struct {
	Command string
	ID      string
	Timeout time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("agent: %s (id %s) timed out after %s", e.Command, e.ID, e.Timeout)
}

func (e *TimeoutError) Unwrap() error { return ErrRPCTimeout }

// RPCError is a response the agent marked as unsuccessful.
type RPCError struct {
	Command string
	Message string
}

func (e *RPCError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("agent: %s failed", e.Command)
	}
	return fmt.Sprintf("agent: %s failed: %s", e.Command, e.Message)
}

// ExitError describes an agent process that exited on its own.
// Code is the exit status, or -1 when the process was killed by a signal.
type ExitError struct {
	Code int
	Err  error
}

func (e *ExitError) Error() string {
	if e.Err != nil {
		return "agent: " + e.Err.Error()
	}
	return "agent: exit status " + strconv.Itoa(e.Code)
}

func (e *ExitError) Unwrap() error { return e.Err }
