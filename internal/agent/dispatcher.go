// Package agent supervises the external agent process and speaks its
// line-delimited JSON RPC protocol.
package agent

import (
	"context"

	"github.com/sevir/agentrelay/pkg/models"
)

// Dispatcher receives every non-response event read from the agent, in
// arrival order, on the read loop goroutine.
type Dispatcher interface {
	Dispatch(ctx context.Context, ev models.Event)
}

// DispatchFunc adapts a function to the Dispatcher interface.
type DispatchFunc func(ctx context.Context, ev models.Event)

// Dispatch calls f(ctx, ev).
func (f DispatchFunc) Dispatch(ctx context.Context, ev models.Event) { f(ctx, ev) }
