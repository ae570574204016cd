// Package sak ("swiss army knife") holds small, dependency-free primitives
// shared across the runtime: cooperative cancellation and generic slice
// helpers. It has no knowledge of Kafka, stores, or the pipeline.
package sak

import "context"

// RunStatus is a cooperative cancellation handle. A single root RunStatus is
// created at application startup and drives the processing loop; each
// assigned partition forks its own child (used by that partition's
// recovery and pipeline calls) so that halting one branch never halts its
// siblings, while halting the root halts everything.
type RunStatus struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// NewRunStatus creates a root RunStatus bound to ctx.
func NewRunStatus(ctx context.Context) RunStatus {
	cctx, cancel := context.WithCancel(ctx)
	return RunStatus{ctx: cctx, cancel: cancel}
}

// Fork creates a child RunStatus. Halting the child does not halt the
// parent; halting the parent halts every descendant.
func (r RunStatus) Fork() RunStatus {
	cctx, cancel := context.WithCancel(r.ctx)
	return RunStatus{ctx: cctx, cancel: cancel}
}

// Halt cancels this RunStatus and every RunStatus forked from it. Halting
// a zero RunStatus is a no-op.
func (r RunStatus) Halt() {
	if r.cancel != nil {
		r.cancel()
	}
}

// Done returns a channel that closes once Halt has been called on this
// RunStatus or an ancestor.
func (r RunStatus) Done() <-chan struct{} {
	return r.ctx.Done()
}

// Running reports whether this RunStatus has not yet been halted.
func (r RunStatus) Running() bool {
	select {
	case <-r.ctx.Done():
		return false
	default:
		return true
	}
}

// Ctx returns the underlying context, for plumbing into blocking calls that
// need to be woken up on Halt (consumer poll, producer flush, store commit).
func (r RunStatus) Ctx() context.Context {
	return r.ctx
}
