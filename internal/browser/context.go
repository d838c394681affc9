package browser

import "context"

// CombineContext returns a context canceled when either session or op is
// canceled. It derives from session so chromedp finds the CDP target it
// carries, while op contributes the caller's deadline.
func CombineContext(session, op context.Context) (context.Context, context.CancelFunc) {
	combined, cancel := context.WithCancel(session)

	go func() {
		select {
		case <-op.Done():
			cancel()
		case <-combined.Done():
			// Already canceled through session or the returned cancel.
		}
	}()

	return combined, cancel
}
