package domain

import "fmt"

// ValidationError reports a malformed or out-of-bounds scope identifier.
// No side effects have occurred when it is returned.
type ValidationError struct {
	Field  string
	Value  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s %q: %s", e.Field, e.Value, e.Reason)
}

// SecurityError is fatal to the current operation and never retried:
// self-deletion, identity source disagreement, tampered configuration,
// or a lock already held.
type SecurityError struct {
	Reason string
}

func (e SecurityError) Error() string {
	return "security violation: " + e.Reason
}

// RateLimitError reports an empty token bucket and how long to wait.
type RateLimitError struct {
	TenantID    string
	WaitSeconds int
}

func (e RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded for tenant %s: retry in %ds", e.TenantID, e.WaitSeconds)
}

// InvalidConfirmationTokenError reports a rejected confirmation token.
type InvalidConfirmationTokenError struct {
	Reason string
}

func (e InvalidConfirmationTokenError) Error() string {
	return "invalid confirmation token: " + e.Reason
}
