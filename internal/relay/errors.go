// Package relay routes agent events to consumers and reassembles streamed
// text into deliverable chunks.
package relay

import "errors"

var (
	// ErrInterceptorBusy is returned by Router.Intercept when another
	// interceptor already holds the slot.
	ErrInterceptorBusy = errors.New("relay: interceptor already active")

	// ErrUnknownTurn is returned for operations on a turn that is not pending.
	ErrUnknownTurn = errors.New("relay: unknown turn")

	// ErrDuplicateTurn is returned by Aggregator.Begin for an ID already pending.
	ErrDuplicateTurn = errors.New("relay: duplicate turn")
)
