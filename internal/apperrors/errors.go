// Package apperrors defines the error taxonomy shared by every core
// component, following the sentinel-plus-wrapped-context style the rest
// of the service fleet uses for its own repository errors.
package apperrors

import (
	"errors"
	"fmt"
)

// Sentinel errors identifying the taxonomy kinds distinguished by the core.
var (
	ErrNotFound            = errors.New("not found")
	ErrAlreadyExists       = errors.New("already exists")
	ErrConflict            = errors.New("conflict")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrInvalidState        = errors.New("invalid state")
	ErrValidation          = errors.New("validation failed")
	ErrQuotaExceeded       = errors.New("quota exceeded")
	ErrRateLimited         = errors.New("rate limited")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrUpstreamUnavailable = errors.New("upstream unavailable")
	ErrTimeout             = errors.New("timeout")
	ErrInternal            = errors.New("internal error")
	ErrNoAgentAvailable    = errors.New("no agent available")
	ErrLockBusy            = errors.New("lock busy")
)

// NotFoundError carries the entity kind and id that could not be found.
type NotFoundError struct {
	Entity string
	ID     string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s %q not found", e.Entity, e.ID)
}

func (e *NotFoundError) Unwrap() error { return ErrNotFound }

// NewNotFoundError builds a NotFoundError for entity/id.
func NewNotFoundError(entity, id string) error {
	return &NotFoundError{Entity: entity, ID: id}
}

// ConflictError signals an optimistic-concurrency failure on update.
type ConflictError struct {
	Entity          string
	ID              string
	ExpectedVersion int
	ActualVersion   int
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("%s %q version conflict: expected %d, got %d", e.Entity, e.ID, e.ExpectedVersion, e.ActualVersion)
}

func (e *ConflictError) Unwrap() error { return ErrConflict }

// NewConflictError builds a ConflictError.
func NewConflictError(entity, id string, expected, actual int) error {
	return &ConflictError{Entity: entity, ID: id, ExpectedVersion: expected, ActualVersion: actual}
}

// InvalidTransitionError describes a forbidden status transition.
type InvalidTransitionError struct {
	Entity string
	From   string
	To     string
}

func (e *InvalidTransitionError) Error() string {
	return fmt.Sprintf("%s: invalid transition from %q to %q", e.Entity, e.From, e.To)
}

func (e *InvalidTransitionError) Unwrap() error { return ErrInvalidTransition }

// NewInvalidTransitionError builds an InvalidTransitionError.
func NewInvalidTransitionError(entity, from, to string) error {
	return &InvalidTransitionError{Entity: entity, From: from, To: to}
}

// InvalidStateError describes an operation forbidden by the entity's
// current state, distinct from a transition (e.g. deleting a non-terminal
// session).
type InvalidStateError struct {
	Entity string
	State  string
	Reason string
}

func (e *InvalidStateError) Error() string {
	return fmt.Sprintf("%s in state %q: %s", e.Entity, e.State, e.Reason)
}

func (e *InvalidStateError) Unwrap() error { return ErrInvalidState }

// NewInvalidStateError builds an InvalidStateError.
func NewInvalidStateError(entity, state, reason string) error {
	return &InvalidStateError{Entity: entity, State: state, Reason: reason}
}

// ValidationError carries the offending field and a human message.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed on %s: %s", e.Field, e.Message)
}

func (e *ValidationError) Unwrap() error { return ErrValidation }

// NewValidationError builds a ValidationError.
func NewValidationError(field, message string) error {
	return &ValidationError{Field: field, Message: message}
}

// QuotaExceededError carries the tenant and the quota ceiling it hit.
type QuotaExceededError struct {
	TenantID string
	Quota    int
	Active   int
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("tenant %q active-session quota exceeded: %d/%d", e.TenantID, e.Active, e.Quota)
}

func (e *QuotaExceededError) Unwrap() error { return ErrQuotaExceeded }

// NewQuotaExceededError builds a QuotaExceededError.
func NewQuotaExceededError(tenantID string, active, quota int) error {
	return &QuotaExceededError{TenantID: tenantID, Quota: quota, Active: active}
}

// ForbiddenError signals an RBAC denial: role is not permitted to perform
// action.
type ForbiddenError struct {
	Role   string
	Action string
}

func (e *ForbiddenError) Error() string {
	return fmt.Sprintf("role %q is not permitted to %s", e.Role, e.Action)
}

func (e *ForbiddenError) Unwrap() error { return ErrUnauthorized }

// NewForbiddenError builds a ForbiddenError.
func NewForbiddenError(role, action string) error {
	return &ForbiddenError{Role: role, Action: action}
}

// IsForbidden reports whether err is an RBAC-denial error.
func IsForbidden(err error) bool { return errors.Is(err, ErrUnauthorized) }

// IsNotFound reports whether err (or anything it wraps) is ErrNotFound.
func IsNotFound(err error) bool { return errors.Is(err, ErrNotFound) }

// IsConflict reports whether err (or anything it wraps) is ErrConflict.
func IsConflict(err error) bool { return errors.Is(err, ErrConflict) }

// IsInvalidTransition reports whether err is an invalid-transition error.
func IsInvalidTransition(err error) bool { return errors.Is(err, ErrInvalidTransition) }

// IsInvalidState reports whether err is an invalid-state error.
func IsInvalidState(err error) bool { return errors.Is(err, ErrInvalidState) }

// IsValidation reports whether err is a validation error.
func IsValidation(err error) bool { return errors.Is(err, ErrValidation) }

// IsQuotaExceeded reports whether err is a quota-exceeded error.
func IsQuotaExceeded(err error) bool { return errors.Is(err, ErrQuotaExceeded) }

// IsRateLimited reports whether err is a rate-limit error.
func IsRateLimited(err error) bool { return errors.Is(err, ErrRateLimited) }

// IsUpstreamUnavailable reports whether err is an upstream-unavailable error.
func IsUpstreamUnavailable(err error) bool { return errors.Is(err, ErrUpstreamUnavailable) }

// IsTimeout reports whether err is a timeout error.
func IsTimeout(err error) bool { return errors.Is(err, ErrTimeout) }
