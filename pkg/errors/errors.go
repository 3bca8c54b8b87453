// Copyright (c) 2025 Darren Soothill
// Licensed under the MIT License

// Package errors provides structured error types for the switch energy ledger.
//
// Every failure a toggle can produce maps onto one of the types below, so
// HTTP handlers and tests can classify failures with errors.Is/errors.As
// instead of matching on strings.
//
// # Taxonomy
//
//   - ErrSwitchNotFound: the identity does not resolve to a stored switch
//   - InconsistentStateError: a stored record violates the isOn/lastOnTime
//     invariant; the record is left untouched
//   - ConflictError: optimistic concurrency retries were exhausted
//   - DispatchError: the broker was unreachable or did not acknowledge
//   - ValidationError: malformed input rejected at the boundary
//   - ClockSkewWarning: not an error; reports a clamped negative interval
//
// # Example Usage
//
//	rec, err := coordinator.ApplyToggle(ctx, "SW01", false)
//	switch {
//	case errors.Is(err, errors.ErrSwitchNotFound):
//	    // 404
//	case errors.IsInconsistentStateError(err), errors.IsConflictError(err):
//	    // 409
//	}
package errors

import (
	"errors"
	"fmt"
	"time"
)

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target.
func As(err error, target any) bool {
	return errors.As(err, target)
}

// DiscoveryError represents an error during broker discovery operations.
type DiscoveryError struct {
	Op  string // Operation being performed (e.g., "mDNS browse", "parse entry")
	Err error  // Underlying error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("discovery %s failed", e.Op)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// NewDiscoveryError creates a new discovery error.
func NewDiscoveryError(op string, err error) *DiscoveryError {
	return &DiscoveryError{Op: op, Err: err}
}

// IsDiscoveryError checks if an error is a DiscoveryError.
func IsDiscoveryError(err error) bool {
	var de *DiscoveryError
	return errors.As(err, &de)
}

// StorageError represents an error during switch store operations.
type StorageError struct {
	Op       string // Operation being performed (e.g., "create", "get", "compare-and-update")
	SwitchID string // Switch involved in the operation (if applicable)
	Err      error  // Underlying error
}

func (e *StorageError) Error() string {
	if e.SwitchID != "" {
		return fmt.Sprintf("storage %s (switch=%s): %v", e.Op, e.SwitchID, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("storage %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("storage %s failed", e.Op)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// NewStorageError creates a new storage error.
func NewStorageError(op string, switchID string, err error) *StorageError {
	return &StorageError{Op: op, SwitchID: switchID, Err: err}
}

// IsStorageError checks if an error is a StorageError.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

// ConfigError represents a configuration error.
type ConfigError struct {
	Field string // Configuration field that caused the error
	Value string // Invalid value (optional, may be redacted for sensitive fields)
	Err   error  // Underlying error or description
}

func (e *ConfigError) Error() string {
	if e.Value != "" {
		return fmt.Sprintf("config error in field %q (value=%q): %v", e.Field, e.Value, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("config error in field %q: %v", e.Field, e.Err)
	}
	return fmt.Sprintf("config error in field %q", e.Field)
}

func (e *ConfigError) Unwrap() error {
	return e.Err
}

// NewConfigError creates a new configuration error.
func NewConfigError(field string, value string, err error) *ConfigError {
	return &ConfigError{Field: field, Value: value, Err: err}
}

// IsConfigError checks if an error is a ConfigError.
func IsConfigError(err error) bool {
	var ce *ConfigError
	return errors.As(err, &ce)
}

// InconsistentStateError reports a stored record whose isOn flag and
// lastOnTime disagree. The transition is refused and nothing is written.
type InconsistentStateError struct {
	SwitchID string
	Reason   string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent state (switch=%s): %s", e.SwitchID, e.Reason)
}

// NewInconsistentStateError creates a new inconsistent state error.
func NewInconsistentStateError(switchID, reason string) *InconsistentStateError {
	return &InconsistentStateError{SwitchID: switchID, Reason: reason}
}

// IsInconsistentStateError checks if an error is an InconsistentStateError.
func IsInconsistentStateError(err error) bool {
	var ie *InconsistentStateError
	return errors.As(err, &ie)
}

// ConflictError is returned once every compare-and-update attempt for a
// switch lost to a concurrent writer.
type ConflictError struct {
	SwitchID string
	Attempts int
	Err      error
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("conflict (switch=%s) after %d attempts: %v", e.SwitchID, e.Attempts, e.Err)
}

func (e *ConflictError) Unwrap() error {
	return e.Err
}

// NewConflictError creates a new conflict error wrapping ErrVersionConflict.
func NewConflictError(switchID string, attempts int) *ConflictError {
	return &ConflictError{SwitchID: switchID, Attempts: attempts, Err: ErrVersionConflict}
}

// IsConflictError checks if an error is a ConflictError.
func IsConflictError(err error) bool {
	var ce *ConflictError
	return errors.As(err, &ce)
}

// DispatchError represents a failed command publish.
type DispatchError struct {
	Op       string // Operation being performed (e.g., "publish", "await ack")
	DeviceID string // Device identity the command was addressed to
	Err      error  // Underlying error
}

func (e *DispatchError) Error() string {
	if e.DeviceID != "" {
		return fmt.Sprintf("dispatch %s (device=%s): %v", e.Op, e.DeviceID, e.Err)
	}
	return fmt.Sprintf("dispatch %s: %v", e.Op, e.Err)
}

func (e *DispatchError) Unwrap() error {
	return e.Err
}

// NewDispatchError creates a new dispatch error.
func NewDispatchError(op string, deviceID string, err error) *DispatchError {
	return &DispatchError{Op: op, DeviceID: deviceID, Err: err}
}

// IsDispatchError checks if an error is a DispatchError.
func IsDispatchError(err error) bool {
	var de *DispatchError
	return errors.As(err, &de)
}

// ValidationError represents a data validation error.
type ValidationError struct {
	Field   string // Field that failed validation
	Value   any    // Invalid value
	Reason  string // Why validation failed
	Details error  // Additional details (optional)
}

func (e *ValidationError) Error() string {
	if e.Details != nil {
		return fmt.Sprintf("validation error: field %q with value %v: %s (%v)", e.Field, e.Value, e.Reason, e.Details)
	}
	return fmt.Sprintf("validation error: field %q with value %v: %s", e.Field, e.Value, e.Reason)
}

func (e *ValidationError) Unwrap() error {
	return e.Details
}

// NewValidationError creates a new validation error.
func NewValidationError(field string, value any, reason string) *ValidationError {
	return &ValidationError{Field: field, Value: value, Reason: reason}
}

// IsValidationError checks if an error is a ValidationError.
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// NetworkError represents a network-related error.
type NetworkError struct {
	Op   string // Operation being performed (e.g., "connect", "mDNS broadcast")
	Addr string // Network address (if applicable)
	Err  error  // Underlying error
}

func (e *NetworkError) Error() string {
	if e.Addr != "" {
		return fmt.Sprintf("network %s (%s): %v", e.Op, e.Addr, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("network %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("network %s failed", e.Op)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// NewNetworkError creates a new network error.
func NewNetworkError(op string, addr string, err error) *NetworkError {
	return &NetworkError{Op: op, Addr: addr, Err: err}
}

// IsNetworkError checks if an error is a NetworkError.
func IsNetworkError(err error) bool {
	var ne *NetworkError
	return errors.As(err, &ne)
}

// NotificationError represents an error sending notifications.
type NotificationError struct {
	Type string // Notification type (e.g., "slack")
	Err  error  // Underlying error
}

func (e *NotificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("notification %s: %v", e.Type, e.Err)
	}
	return fmt.Sprintf("notification %s failed", e.Type)
}

func (e *NotificationError) Unwrap() error {
	return e.Err
}

// NewNotificationError creates a new notification error.
func NewNotificationError(notifType string, err error) *NotificationError {
	return &NotificationError{Type: notifType, Err: err}
}

// IsNotificationError checks if an error is a NotificationError.
func IsNotificationError(err error) bool {
	var ne *NotificationError
	return errors.As(err, &ne)
}

// ClockSkewWarning describes an ON→OFF transition whose end time precedes
// its start time. The elapsed interval is clamped to zero and the
// transition still commits.
type ClockSkewWarning struct {
	LastOnTime time.Time
	Now        time.Time
}

// Skew returns how far the clock appears to have moved backwards.
func (w ClockSkewWarning) Skew() time.Duration {
	return w.LastOnTime.Sub(w.Now)
}

func (w ClockSkewWarning) String() string {
	return fmt.Sprintf("clock skew: now %s precedes last on time %s by %s",
		w.Now.Format(time.RFC3339Nano), w.LastOnTime.Format(time.RFC3339Nano), w.Skew())
}

// Sentinel errors for common conditions
var (
	// ErrSwitchNotFound indicates a switch identity did not resolve to a record
	ErrSwitchNotFound = errors.New("switch not found")

	// ErrSwitchExists indicates a switch with the same external identity already exists
	ErrSwitchExists = errors.New("switch already exists")

	// ErrVersionConflict indicates a record changed between read and write
	ErrVersionConflict = errors.New("record version conflict")

	// ErrBrokerNotConnected indicates the broker connection is down
	ErrBrokerNotConnected = errors.New("broker not connected")

	// ErrAckTimeout indicates the broker did not acknowledge a publish in time
	ErrAckTimeout = errors.New("publish acknowledgement timeout")

	// ErrInvalidState indicates a state token other than ON or OFF
	ErrInvalidState = errors.New("invalid state token")

	// ErrCircuitBreakerOpen indicates the circuit breaker is open
	ErrCircuitBreakerOpen = errors.New("circuit breaker open")

	// ErrInvalidConfig indicates invalid configuration
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrTimeout indicates an operation timed out
	ErrTimeout = errors.New("operation timeout")
)
