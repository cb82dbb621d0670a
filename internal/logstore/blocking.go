package logstore

import (
	"context"
	"time"
)

// WaitForAppend blocks until a new append lands, the timeout elapses, or ctx
// is done. Returns true only when woken by an append. An append racing the
// caller's previous empty read can slip past the wait, so loops pair this
// with a bounded timeout and re-read.
func (l *Log) WaitForAppend(ctx context.Context, timeout time.Duration) bool {
	l.mu.Lock()
	ch := l.notify
	l.mu.Unlock()
	if timeout <= 0 {
		select {
		case <-ch:
			return true
		case <-ctx.Done():
			return false
		}
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-ch:
		return true
	case <-t.C:
		return false
	case <-ctx.Done():
		return false
	}
}
