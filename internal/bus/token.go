package bus

import "sync"

// Token is returned by every observe call. Dropping it is not enough
// in Go (no destructors); callers must call Cancel explicitly. Closing
// the owning Store does not cancel subscriptions. Cancellation is
// idempotent.
type Token struct {
	once   sync.Once
	cancel func()
}

// Cancel deregisters the subscription and releases retained resources.
// Safe to call more than once and safe to call on a nil Token.
func (t *Token) Cancel() {
	if t == nil {
		return
	}
	t.once.Do(func() {
		if t.cancel != nil {
			t.cancel()
		}
	})
}
