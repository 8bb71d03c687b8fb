package engine

import (
	"errors"
	"fmt"
	"sort"
	"strings"
)

// ErrorClass represents the classification of an error for retry and recovery logic.
type ErrorClass string

const (
	// ErrorClassTransient indicates a temporary failure that may succeed on retry.
	// Examples: network timeouts, a truncated download, a digest mismatch.
	ErrorClassTransient ErrorClass = "transient"

	// ErrorClassThrottled indicates rate limiting by the package source.
	// Should be retried with a longer backoff.
	ErrorClassThrottled ErrorClass = "throttled"

	// ErrorClassConflict indicates a state conflict, such as two packages
	// claiming the same file.
	ErrorClassConflict ErrorClass = "conflict"

	// ErrorClassPermanent indicates a non-recoverable error.
	// Examples: malformed index entries, unsatisfiable constraints.
	ErrorClassPermanent ErrorClass = "permanent"
)

// classified is implemented by every error type in this package.
type classified interface {
	ErrorClass() ErrorClass
}

// ClassOf returns the class of the first classified error in err's chain.
// Unclassified errors are permanent.
func ClassOf(err error) ErrorClass {
	var c classified
	if errors.As(err, &c) {
		return c.ErrorClass()
	}
	return ErrorClassPermanent
}

// EngineError represents a classified error with context.
// nolint:revive // EngineError is intentionally named to distinguish from standard errors
type EngineError struct {
	// Class is the error classification for retry logic.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Package is the package that caused the error, if applicable.
	Package string `json:"package,omitempty"`

	// Operation is the operation being performed when the error occurred.
	Operation string `json:"operation,omitempty"`

	// Err is the underlying error that caused this error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// Error implements the error interface.
func (e *EngineError) Error() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] %s", e.Class, e.Message)
	if e.Package != "" && e.Operation != "" {
		fmt.Fprintf(&sb, " (package=%s, operation=%s)", e.Package, e.Operation)
	} else if e.Package != "" {
		fmt.Fprintf(&sb, " (package=%s)", e.Package)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

// Unwrap returns the underlying error for error chain inspection.
func (e *EngineError) Unwrap() error {
	return e.Err
}

// ErrorClass implements classified.
func (e *EngineError) ErrorClass() ErrorClass {
	return e.Class
}

// Is implements error equality checking for errors.Is.
func (e *EngineError) Is(target error) bool {
	t, ok := target.(*EngineError)
	if !ok {
		return false
	}
	return e.Class == t.Class && e.Code == t.Code
}

// NewTransientError creates a new transient error.
func NewTransientError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassTransient, Message: message, Err: err}
}

// NewThrottledError creates a new throttled error.
func NewThrottledError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassThrottled, Message: message, Err: err}
}

// NewConflictError creates a new conflict-class error.
func NewConflictError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassConflict, Message: message, Err: err}
}

// NewPermanentError creates a new permanent error.
func NewPermanentError(message string, err error) *EngineError {
	return &EngineError{Class: ErrorClassPermanent, Message: message, Err: err}
}

// WithPackage adds package context to an error.
func (e *EngineError) WithPackage(name string) *EngineError {
	e.Package = name
	return e
}

// WithOperation adds operation context to an error.
func (e *EngineError) WithOperation(operation string) *EngineError {
	e.Operation = operation
	return e
}

// WithCode adds an error code to an error.
func (e *EngineError) WithCode(code string) *EngineError {
	e.Code = code
	return e
}

// WithDetail adds a detail field to the error context.
func (e *EngineError) WithDetail(key string, value interface{}) *EngineError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsTransient returns true if the error is classified as transient.
func IsTransient(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassTransient
}

// IsThrottled returns true if the error is classified as throttled.
func IsThrottled(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassThrottled
}

// IsConflict returns true if the error is classified as a conflict.
func IsConflict(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassConflict
}

// IsPermanent returns true if the error is classified as permanent.
func IsPermanent(err error) bool {
	return err != nil && ClassOf(err) == ErrorClassPermanent
}

// IsRetryable returns true if the error can be retried.
// Transient and throttled errors are retryable.
func IsRetryable(err error) bool {
	return IsTransient(err) || IsThrottled(err)
}

// Common error codes.
const (
	ErrCodeValidation       = "VALIDATION_ERROR"
	ErrCodeNotFound         = "NOT_FOUND"
	ErrCodeAlreadyExists    = "ALREADY_EXISTS"
	ErrCodePermissionDenied = "PERMISSION_DENIED"
	ErrCodeTimeout          = "TIMEOUT"
	ErrCodeRateLimited      = "RATE_LIMITED"
	ErrCodeNoSpace          = "NO_SPACE"
	ErrCodeInternal         = "INTERNAL_ERROR"
	ErrCodeCancelled        = "CANCELLED"
	ErrCodePolicyDenied     = "POLICY_DENIED"
)

// Index error kinds.
const (
	IndexMalformedEntry    = "malformed-entry"
	IndexDuplicateEntry    = "duplicate-entry"
	IndexSourceUnavailable = "source-unavailable"
)

// IndexError reports package source data that cannot be indexed. It is
// fatal to the run.
type IndexError struct {
	Kind    string
	Entry   string
	Message string
	Err     error
}

func (e *IndexError) Error() string {
	msg := "index: " + e.Kind
	if e.Entry != "" {
		msg += " " + e.Entry
	}
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *IndexError) Unwrap() error { return e.Err }

// ErrorClass implements classified. An unreachable source may come back;
// malformed data will not.
func (e *IndexError) ErrorClass() ErrorClass {
	if e.Kind == IndexSourceUnavailable {
		return ErrorClassTransient
	}
	return ErrorClassPermanent
}

// ConflictKind names why a set of requirements could not be satisfied.
type ConflictKind string

const (
	ConflictNotFound          ConflictKind = "not-found"
	ConflictNoMatchingVersion ConflictKind = "no-matching-version"
	ConflictPackages          ConflictKind = "conflict"
	ConflictCycle             ConflictKind = "cycle"
	ConflictSearchLimit       ConflictKind = "search-limit"
)

// Conflict is one reason a resolution failed.
type Conflict struct {
	Kind ConflictKind `json:"kind"`

	// Packages are the package names involved, sorted.
	Packages []string `json:"packages"`

	// Constraints are the constraints that could not be met together.
	Constraints []string `json:"constraints,omitempty"`

	// Cycle is the dependency loop for ConflictCycle, first element repeated
	// at the end.
	Cycle []string `json:"cycle,omitempty"`
}

func (c Conflict) String() string {
	switch c.Kind {
	case ConflictCycle:
		return fmt.Sprintf("dependency cycle %s", strings.Join(c.Cycle, " -> "))
	case ConflictPackages:
		return fmt.Sprintf("%s conflict with each other", strings.Join(c.Packages, " and "))
	case ConflictNotFound:
		return fmt.Sprintf("no package provides %s", strings.Join(c.Constraints, ", "))
	case ConflictNoMatchingVersion:
		return fmt.Sprintf("no version of %s satisfies %s",
			strings.Join(c.Packages, ", "), strings.Join(c.Constraints, " and "))
	default:
		return string(c.Kind)
	}
}

// ResolutionError reports that the requested packages cannot be jointly
// installed. Requested is a minimal subset of the requested names whose
// requirements already fail together.
type ResolutionError struct {
	Requested []string
	Conflicts []Conflict
}

func (e *ResolutionError) Error() string {
	parts := make([]string, len(e.Conflicts))
	for i, c := range e.Conflicts {
		parts[i] = c.String()
	}
	return fmt.Sprintf("cannot resolve {%s}: %s",
		strings.Join(e.Requested, ", "), strings.Join(parts, "; "))
}

func (e *ResolutionError) ErrorClass() ErrorClass { return ErrorClassPermanent }

// FetchError reports a failed artifact download.
type FetchError struct {
	Package  PackageID
	Attempts int
	Err      error
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("fetch %s failed after %d attempt(s): %v", e.Package, e.Attempts, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// ErrorClass implements classified, deferring to the cause when it is
// itself classified.
func (e *FetchError) ErrorClass() ErrorClass {
	var c classified
	if errors.As(e.Err, &c) {
		return c.ErrorClass()
	}
	return ErrorClassTransient
}

// VerificationError reports downloaded bytes that do not match the declared
// digest or size.
type VerificationError struct {
	Package      PackageID
	Expected     string
	Actual       string
	ExpectedSize int64
	ActualSize   int64
	Attempts     int
}

func (e *VerificationError) Error() string {
	if e.Expected != e.Actual {
		return fmt.Sprintf("verify %s: digest mismatch: want %s, got %s", e.Package, e.Expected, e.Actual)
	}
	return fmt.Sprintf("verify %s: size mismatch: want %d, got %d", e.Package, e.ExpectedSize, e.ActualSize)
}

func (e *VerificationError) ErrorClass() ErrorClass { return ErrorClassTransient }

// FetchStageError aggregates every per-package failure of a fetch stage.
type FetchStageError struct {
	Failures []error
}

func (e *FetchStageError) Error() string {
	msgs := make([]string, len(e.Failures))
	for i, err := range e.Failures {
		msgs[i] = err.Error()
	}
	sort.Strings(msgs)
	return fmt.Sprintf("%d artifact(s) failed: %s", len(e.Failures), strings.Join(msgs, "; "))
}

func (e *FetchStageError) Unwrap() []error { return e.Failures }

func (e *FetchStageError) ErrorClass() ErrorClass { return ErrorClassPermanent }

// Planning conflict kinds.
const (
	ConflictFileOwnedElsewhere = "file-owned-elsewhere"
	ConflictUnsafePath         = "unsafe-path"
	ConflictTypeMismatch       = "type-mismatch"
)

// ConflictError reports a file ownership collision found while planning a
// transaction.
type ConflictError struct {
	Kind    string
	Path    string
	Package string
	Owner   string
}

func (e *ConflictError) Error() string {
	if e.Owner != "" {
		return fmt.Sprintf("%s: %s from %s is owned by %s", e.Kind, e.Path, e.Package, e.Owner)
	}
	return fmt.Sprintf("%s: %s from %s", e.Kind, e.Path, e.Package)
}

func (e *ConflictError) ErrorClass() ErrorClass { return ErrorClassConflict }

// StagingError reports a failure before promotion. The staging root has
// been discarded and the target root is untouched.
type StagingError struct {
	State string
	Op    string
	Path  string
	Err   error
}

func (e *StagingError) Error() string {
	msg := "staging failed in " + e.State
	if e.Op != "" {
		msg += " (" + e.Op
		if e.Path != "" {
			msg += " " + e.Path
		}
		msg += ")"
	}
	return msg + ": " + e.Err.Error()
}

func (e *StagingError) Unwrap() error { return e.Err }

func (e *StagingError) ErrorClass() ErrorClass { return ErrorClassPermanent }

// PromotionError reports a failure during the atomic swap. The target may
// be left indeterminate and needs operator attention.
type PromotionError struct {
	Target  string
	Staging string
	Journal string
	Err     error
}

func (e *PromotionError) Error() string {
	return fmt.Sprintf("FATAL: promotion of %s into %s failed (journal %s): %v",
		e.Staging, e.Target, e.Journal, e.Err)
}

func (e *PromotionError) Unwrap() error { return e.Err }

func (e *PromotionError) ErrorClass() ErrorClass { return ErrorClassPermanent }

// ConfigurationError reports configuration steps that failed after a
// committed installation.
type ConfigurationError struct {
	Steps []string
	Errs  []error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("configuration incomplete: %d step(s) failed: %s",
		len(e.Steps), strings.Join(e.Steps, ", "))
}

func (e *ConfigurationError) Unwrap() []error { return e.Errs }

func (e *ConfigurationError) ErrorClass() ErrorClass { return ErrorClassPermanent }

// PolicyError reports plan policy violations of error severity.
type PolicyError struct {
	Violations []string
}

func (e *PolicyError) Error() string {
	return "plan rejected by policy: " + strings.Join(e.Violations, "; ")
}

func (e *PolicyError) ErrorClass() ErrorClass { return ErrorClassPermanent }

// StageError attributes an error to the pipeline stage it occurred in.
type StageError struct {
	Stage Stage
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error { return e.Err }

// ErrorClass implements classified.
func (e *StageError) ErrorClass() ErrorClass { return ClassOf(e.Err) }
