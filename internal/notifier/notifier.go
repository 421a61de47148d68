// Package notifier delivers operator alerts: trade closes, auto-mode
// halts, and execution failures that need a human decision.
package notifier

// Notifier sends out-of-band alerts. Implementations must be safe for
// concurrent use; the poller and the trade executor share one instance.
type Notifier interface {
	// Send delivers msg once, best effort.
	Send(msg string) error

	// SendWithRetry retries Send over the configured attempt budget and
	// returns the last error when all attempts fail.
	SendWithRetry(msg string) error

	// RetryWithNotification runs action over the attempt budget; if the
	// budget is spent it alerts the operator with description before
	// returning the last error. Used for must-not-silently-fail calls
	// such as closing an open position.
	RetryWithNotification(action func() error, description string) error
}
