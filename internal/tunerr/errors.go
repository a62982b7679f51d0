// Package tunerr defines the typed error kinds shared by the tunnel
// client and server, so callers can branch on failure class with
// errors.As instead of matching on message text.
package tunerr

import "fmt"

// IoError wraps a failure from the underlying transport (dial, read, write).
type IoError struct{ Err error }

func (e *IoError) Error() string { return fmt.Sprintf("io error: %v", e.Err) }
func (e *IoError) Unwrap() error { return e.Err }

// TimeoutError marks a recv() that exceeded its deadline.
type TimeoutError struct{ Op string }

func (e *TimeoutError) Error() string { return fmt.Sprintf("timeout: %s", e.Op) }

// ProtocolError marks a framing, codec, or semantic violation.
type ProtocolError struct{ Reason string }

func (e *ProtocolError) Error() string { return fmt.Sprintf("protocol error: %s", e.Reason) }

// AuthError marks a failed or missing authentication handshake.
type AuthError struct{ Reason string }

func (e *AuthError) Error() string { return fmt.Sprintf("auth error: %s", e.Reason) }

// PortNotAvailable marks a Hello request the server could not satisfy.
type PortNotAvailable struct{ Reason string }

func (e *PortNotAvailable) Error() string { return fmt.Sprintf("port not available: %s", e.Reason) }

// NotFound marks a registry take() miss (already claimed, expired, or unknown).
type NotFound struct{ ID string }

func (e *NotFound) Error() string { return fmt.Sprintf("not found: %s", e.ID) }
