package mcp

import (
	"fmt"

	"github.com/rpggio/scribe/internal/fault"
)

// APIError represents an MCP tool error.
type APIError struct {
	Code         string `json:"code"`
	Message      string `json:"message"`
	RecoveryHint string `json:"recovery_hint,omitempty"`
	err          error
}

func (e *APIError) Error() string {
	if e.RecoveryHint != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Code, e.Message, e.RecoveryHint)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func (e *APIError) Unwrap() error {
	return e.err
}

// MapError maps service errors to MCP error codes.
func MapError(err error) error {
	if err == nil {
		return nil
	}
	kind := fault.KindOf(err)
	apiErr := &APIError{Code: kind.String(), Message: fault.Message(err), err: err}
	switch kind {
	case fault.KindNotFound:
		apiErr.RecoveryHint = "Check the project and task ids with list_stuck"
	case fault.KindConflict:
		apiErr.RecoveryHint = "Inspect project_status; unlock_project only interrupts the current holder"
	case fault.KindPreviousJob:
		apiErr.RecoveryHint = "Read recent_activity for the failure, then clear_error"
	}
	return apiErr
}
