// Package errors provides structured error types for conveyor.
package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// Code represents a unique error code.
type Code string

// Error codes for conveyor.
const (
	// Declaration errors
	CodeConfigInvalid Code = "CONFIG_INVALID"
	CodeConfigMissing Code = "CONFIG_MISSING"

	// Stage errors
	CodeStepFailed       Code = "STEP_FAILED"
	CodeStepTolerated    Code = "STEP_TOLERATED"
	CodeGateRejected     Code = "GATE_REJECTED"
	CodeApprovalRejected Code = "APPROVAL_REJECTED"
	CodeApprovalTimeout  Code = "APPROVAL_TIMEOUT"

	// Deployment errors
	CodeDeployFailed   Code = "DEPLOY_FAILED"
	CodeRollbackFailed Code = "ROLLBACK_FAILED"

	// Run errors
	CodeRunAborted  Code = "RUN_ABORTED"
	CodeRunNotFound Code = "RUN_NOT_FOUND"
)

// Severity groups error codes for run-level reporting. The highest
// severity seen during a run is the one surfaced in the notification.
type Severity int

const (
	SeverityUnknown Severity = iota
	SeverityTolerated
	SeverityStage
	SeverityRun
	SeverityFatal
)

// codeSeverities maps error codes to their severities.
var codeSeverities = map[Code]Severity{
	CodeConfigInvalid:    SeverityRun,
	CodeConfigMissing:    SeverityRun,
	CodeStepFailed:       SeverityStage,
	CodeStepTolerated:    SeverityTolerated,
	CodeGateRejected:     SeverityRun,
	CodeApprovalRejected: SeverityStage,
	CodeApprovalTimeout:  SeverityStage,
	CodeDeployFailed:     SeverityStage,
	CodeRollbackFailed:   SeverityFatal,
	CodeRunAborted:       SeverityRun,
	CodeRunNotFound:      SeverityStage,
}

// PipeError is the structured error type for conveyor.
type PipeError struct {
	Code  Code   `json:"code"`
	What  string `json:"what"`
	Why   string `json:"why,omitempty"`
	Fix   string `json:"fix,omitempty"`
	Stage string `json:"stage,omitempty"`
	Cause error  `json:"-"`
}

// Error implements the error interface.
func (e *PipeError) Error() string {
	var b strings.Builder
	b.WriteString(e.What)
	if e.Why != "" {
		b.WriteString(": ")
		b.WriteString(e.Why)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying cause.
func (e *PipeError) Unwrap() error {
	return e.Cause
}

// UserMessage returns a user-friendly message for CLI output.
func (e *PipeError) UserMessage() string {
	var b strings.Builder
	b.WriteString("Error: ")
	b.WriteString(e.What)
	if e.Stage != "" {
		b.WriteString("\n\nStage: ")
		b.WriteString(e.Stage)
	}
	if e.Why != "" {
		b.WriteString("\n\nWhy: ")
		b.WriteString(e.Why)
	}
	if e.Fix != "" {
		b.WriteString("\n\nFix: ")
		b.WriteString(e.Fix)
	}
	return b.String()
}

// Severity returns the error severity for run-level reporting.
func (e *PipeError) Severity() Severity {
	if sev, ok := codeSeverities[e.Code]; ok {
		return sev
	}
	return SeverityUnknown
}

// HTTPStatus maps the error code to an HTTP status for API responses.
func (e *PipeError) HTTPStatus() int {
	switch e.Code {
	case CodeConfigInvalid, CodeConfigMissing:
		return http.StatusBadRequest
	case CodeRunNotFound:
		return http.StatusNotFound
	case CodeApprovalRejected, CodeApprovalTimeout:
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// MarshalJSON implements json.Marshaler.
func (e *PipeError) MarshalJSON() ([]byte, error) {
	type alias PipeError
	aux := struct {
		*alias
		CauseMsg string `json:"cause,omitempty"`
	}{
		alias: (*alias)(e),
	}
	if e.Cause != nil {
		aux.CauseMsg = e.Cause.Error()
	}
	return json.Marshal(aux)
}

// Is reports whether target is a PipeError with the same code.
func (e *PipeError) Is(target error) bool {
	t, ok := target.(*PipeError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// WithCause returns a copy of the error with the given cause.
func (e *PipeError) WithCause(err error) *PipeError {
	return &PipeError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Stage: e.Stage,
		Cause: err,
	}
}

// WithStage returns a copy of the error tagged with the stage it surfaced in.
// The first tag wins: re-raising through ancestor stages must not overwrite
// the name of the stage that actually failed.
func (e *PipeError) WithStage(stage string) *PipeError {
	if e.Stage != "" {
		return e
	}
	return &PipeError{
		Code:  e.Code,
		What:  e.What,
		Why:   e.Why,
		Fix:   e.Fix,
		Stage: stage,
		Cause: e.Cause,
	}
}

// --- Error constructors ---

// ErrConfigInvalid returns an error for an invalid pipeline declaration.
func ErrConfigInvalid(field, reason string) *PipeError {
	return &PipeError{
		Code: CodeConfigInvalid,
		What: fmt.Sprintf("invalid pipeline declaration: %s", field),
		Why:  reason,
		Fix:  "Fix the declaration and re-run. Nothing was executed.",
	}
}

// ErrConfigMissing returns an error for missing configuration.
func ErrConfigMissing(field string) *PipeError {
	return &PipeError{
		Code: CodeConfigMissing,
		What: fmt.Sprintf("missing required configuration: %s", field),
		Why:  "This field is required but not set",
		Fix:  fmt.Sprintf("Add '%s' to conveyor.yaml or set the matching CONVEYOR_ env var", field),
	}
}

// ErrStepFailed returns an error for a must-succeed step with non-zero exit.
func ErrStepFailed(stage, command string, exitCode int) *PipeError {
	return &PipeError{
		Code:  CodeStepFailed,
		What:  fmt.Sprintf("step failed with exit code %d", exitCode),
		Why:   fmt.Sprintf("Command %q exited non-zero", command),
		Stage: stage,
	}
}

// ErrStepTolerated returns an error for a best-effort step with non-zero exit.
// It is recorded but never propagated.
func ErrStepTolerated(stage, command string, exitCode int) *PipeError {
	return &PipeError{
		Code:  CodeStepTolerated,
		What:  fmt.Sprintf("best-effort step exited %d (tolerated)", exitCode),
		Why:   fmt.Sprintf("Command %q exited non-zero but the step is marked best-effort", command),
		Stage: stage,
	}
}

// ErrGateRejected returns an error for an unsuccessful quality gate verdict.
func ErrGateRejected(stage, verdict string) *PipeError {
	return &PipeError{
		Code:  CodeGateRejected,
		What:  "quality gate returned an unsuccessful verdict",
		Why:   fmt.Sprintf("The quality service reported %q regardless of process exit code", verdict),
		Fix:   "Inspect the quality report, fix the findings, and re-run the pipeline",
		Stage: stage,
	}
}

// ErrApprovalRejected returns an error for a rejected approval gate.
func ErrApprovalRejected(stage, responder string) *PipeError {
	why := "An authorized approver rejected the promotion"
	if responder != "" {
		why = fmt.Sprintf("Approver %q rejected the promotion", responder)
	}
	return &PipeError{
		Code:  CodeApprovalRejected,
		What:  "approval rejected",
		Why:   why,
		Stage: stage,
	}
}

// ErrApprovalTimeout returns an error for an approval gate that expired.
func ErrApprovalTimeout(stage string, timeout string) *PipeError {
	return &PipeError{
		Code:  CodeApprovalTimeout,
		What:  "approval timed out",
		Why:   fmt.Sprintf("No decision was submitted within %s", timeout),
		Fix:   "Re-run the pipeline and submit a decision with 'conveyor approve' before the timeout",
		Stage: stage,
	}
}

// ErrDeployFailed returns an error for a failed rollout.
func ErrDeployFailed(stage, deployment, namespace string) *PipeError {
	return &PipeError{
		Code:  CodeDeployFailed,
		What:  fmt.Sprintf("rollout of %s/%s failed", namespace, deployment),
		Why:   "The deployment did not reach a successful rollout status",
		Fix:   "The target was reverted to the previous known-good revision. Inspect the rollout events before retrying.",
		Stage: stage,
	}
}

// ErrRollbackFailed returns an error for a failed compensating revert.
// This is the most severe run-level error and is never retried.
func ErrRollbackFailed(stage, deployment, namespace string, cause error) *PipeError {
	return &PipeError{
		Code:  CodeRollbackFailed,
		What:  fmt.Sprintf("rollback of %s/%s failed after a failed rollout", namespace, deployment),
		Why:   "The compensating revert did not complete; the live system may not be at the previous known-good revision",
		Fix:   "Manually verify the deployment state before any further rollout",
		Stage: stage,
		Cause: cause,
	}
}

// ErrRunAborted returns an error for an externally aborted run.
func ErrRunAborted(reason string) *PipeError {
	return &PipeError{
		Code: CodeRunAborted,
		What: "pipeline run aborted",
		Why:  reason,
	}
}

// ErrRunNotFound returns an error when a run doesn't exist in the archive.
func ErrRunNotFound(id int64) *PipeError {
	return &PipeError{
		Code: CodeRunNotFound,
		What: fmt.Sprintf("run #%d not found", id),
		Why:  "No archived run with this build number exists",
		Fix:  "Run 'conveyor history' to list archived runs",
	}
}

// AsPipeError attempts to convert an error to a PipeError.
// Returns nil if the error is not a PipeError.
func AsPipeError(err error) *PipeError {
	var perr *PipeError
	if As(err, &perr) {
		return perr
	}
	return nil
}

// As is a convenience wrapper for errors.As semantics on PipeError chains.
func As(err error, target any) bool {
	return asError(err, target)
}

func asError(err error, target any) bool {
	if err == nil {
		return false
	}
	if perr, ok := err.(*PipeError); ok {
		if t, ok := target.(**PipeError); ok {
			*t = perr
			return true
		}
	}
	if unwrapper, ok := err.(interface{ Unwrap() error }); ok {
		return asError(unwrapper.Unwrap(), target)
	}
	return false
}

// Wrap wraps a generic error into a PipeError with unknown code.
func Wrap(err error, what string) *PipeError {
	return &PipeError{
		Code:  Code("UNKNOWN"),
		What:  what,
		Cause: err,
	}
}
