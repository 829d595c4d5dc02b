package logging

import (
	"context"
	"time"
)

// DetachContext creates a context that won't be cancelled when parent is.
// Values from parent remain visible.
//
// Persisting a turn that the caller abandoned must still reach the store.
func DetachContext(parent context.Context) context.Context {
	return context.WithoutCancel(parent)
}

// DetachContextWithTimeout creates a detached context with its own timeout.
//
// Example usage:
//
//	saveCtx, cancel := logging.DetachContextWithTimeout(ctx, 5*time.Second)
//	defer cancel()
//	err := store.Update(saveCtx, id, history, "")
func DetachContextWithTimeout(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(parent), timeout)
}
