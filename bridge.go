package vaultlink

import (
	"context"
	"sync/atomic"
)

// completionBridge reconciles the three independent terminators of an
// in-flight session (orchestrator completion, peer-initiated close, caller
// cancellation) into exactly one outcome. Whichever terminator resolves
// first wins; later attempts are no-ops.
type completionBridge struct {
	resolved atomic.Bool
	done     chan struct{}
	outcome  error
	cancel   context.CancelFunc
}

// newCompletionBridge creates a bridge that cancels the orchestrator
// context when any terminator fires.
func newCompletionBridge(cancel context.CancelFunc) *completionBridge {
	return &completionBridge{
		done:   make(chan struct{}),
		cancel: cancel,
	}
}

// resolve sets the session outcome. Only the first call wins; it also
// cancels the orchestrator so in-flight sends are abandoned. Returns
// whether this call was the winner.
func (b *completionBridge) resolve(err error) bool {
	if !b.resolved.CompareAndSwap(false, true) {
		return false
	}
	b.outcome = err
	b.cancel()
	close(b.done)
	return true
}

// wait blocks until the session resolves. Caller cancellation is itself a
// terminator: it resolves the bridge with ErrCancelled rather than leaving
// the caller hanging, and propagates cancellation into the orchestrator.
func (b *completionBridge) wait(ctx context.Context) error {
	select {
	case <-b.done:
	case <-ctx.Done():
		b.resolve(ErrCancelled)
		<-b.done
	}
	return b.outcome
}
