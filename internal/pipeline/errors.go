package pipeline

import (
	"errors"
	"fmt"
)

// ErrCancelled marks a run ended by an explicit cancel request. It is a
// distinct terminal outcome, not a failure.
var ErrCancelled = errors.New("installation cancelled")

// ResolutionError means the catalog could not resolve the package at all.
// Deferred resolutions are not errors and never take this form.
type ResolutionError struct {
	PackageID string
	Message   string // reason reported by the catalog
	Err       error  // underlying error, if any
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("failed to resolve %s: %s", e.PackageID, e.Message)
}

func (e *ResolutionError) Unwrap() error {
	return e.Err
}

// TransferError represents a failed byte transfer: transport status, empty
// body, stream or rename failures.
type TransferError struct {
	PackageID string
	URL       string
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer failed for %s: %v", e.PackageID, e.Err)
}

func (e *TransferError) Unwrap() error {
	return e.Err
}

// IntegrityError means the downloaded artifact's digest did not match the
// catalog-declared one.
type IntegrityError struct {
	PackageID string
	Expected  string
	Actual    string
}

func (e *IntegrityError) Error() string {
	return fmt.Sprintf("integrity mismatch for %s: expected %s, got %s", e.PackageID, e.Expected, e.Actual)
}

// ExtractionError means no payload could be extracted from the container.
type ExtractionError struct {
	PackageID string
	Err       error
}

func (e *ExtractionError) Error() string {
	return fmt.Sprintf("extraction failed for %s: %v", e.PackageID, e.Err)
}

func (e *ExtractionError) Unwrap() error {
	return e.Err
}

// InstallError means the platform install session failed to write or commit.
type InstallError struct {
	PackageID string
	Err       error
}

func (e *InstallError) Error() string {
	return fmt.Sprintf("install failed for %s: %v", e.PackageID, e.Err)
}

func (e *InstallError) Unwrap() error {
	return e.Err
}
