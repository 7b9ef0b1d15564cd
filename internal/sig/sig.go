// Package sig turns OS signals into context cancellation, so that a
// long running command stops feeding the trie and closes the store
// cleanly.
package sig

import (
	"context"
	"os"
	"os/signal"
	"syscall"
)

// ReceivedHandler is told which signal interrupted the program.
type ReceivedHandler interface {
	Handle(os.Signal)
}

type ReceivedHandlerFunc func(os.Signal)

// Handle calls the underlying function with the received signal.
func (s ReceivedHandlerFunc) Handle(sig os.Signal) {
	s(sig)
}

type Handler struct {
	onSignalReceived ReceivedHandler
	sigCh            chan os.Signal
}

// New creates a handler listening for sigs (default: SIGTERM, SIGINT,
// SIGHUP). A nil h is allowed.
func New(h ReceivedHandler, sigs ...os.Signal) *Handler {
	if len(sigs) == 0 {
		sigs = append(sigs, syscall.SIGTERM, syscall.SIGINT, syscall.SIGHUP)
	}

	ch := make(chan os.Signal, 1)
	signal.Notify(ch, sigs...)

	return &Handler{
		onSignalReceived: h,
		sigCh:            ch,
	}
}

// Loop waits for a signal or for ctx to be done. Either way it calls
// cancel and stops listening before returning.
func (h *Handler) Loop(ctx context.Context, cancel func()) error {
	defer cancel()
	defer signal.Stop(h.sigCh)

	select {
	case <-ctx.Done():
		return ctx.Err()
	case sig := <-h.sigCh:
		if h.onSignalReceived != nil {
			h.onSignalReceived.Handle(sig)
		}
		return nil
	}
}

// Watch derives a context from parent that is canceled when a signal
// arrives. Calling the returned function releases the handler.
func (h *Handler) Watch(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(parent)
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = h.Loop(ctx, cancel)
	}()
	return ctx, func() {
		cancel()
		<-done
	}
}
