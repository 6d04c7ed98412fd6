package errors

import (
	stderrors "errors"
	"fmt"
)

// Error type constants
const (
	ValidationError           = "VALIDATION_ERROR"
	TemplateError             = "TEMPLATE_ERROR"
	LaunchError               = "LAUNCH_ERROR"
	Timeout                   = "TIMEOUT"
	Cancelled                 = "CANCELLED"
	ParserAnomaly             = "PARSER_ANOMALY"
	ArtifactCollectionFailure = "ARTIFACT_COLLECTION_FAILURE"
	SinkError                 = "SINK_ERROR"
	StorageError              = "STORAGE_ERROR"
)

// RunError is a structured error recorded in run reports.
type RunError struct {
	Type      string `json:"type"`
	Message   string `json:"message"`
	Field     string `json:"field,omitempty"`
	Artifact  string `json:"artifact,omitempty"`
	EventID   string `json:"event_id,omitempty"`
	Retryable bool   `json:"retryable"`
	Hint      string `json:"hint,omitempty"`

	cause error
}

func (e *RunError) Error() string {
	switch {
	case e.Field != "":
		return fmt.Sprintf("[%s] field %s: %s", e.Type, e.Field, e.Message)
	case e.Artifact != "":
		return fmt.Sprintf("[%s] artifact %s: %s", e.Type, e.Artifact, e.Message)
	case e.EventID != "":
		return fmt.Sprintf("[%s] event %s: %s", e.Type, e.EventID, e.Message)
	}
	return fmt.Sprintf("[%s] %s", e.Type, e.Message)
}

func (e *RunError) Unwrap() error { return e.cause }

func NewValidationError(msg, hint string) *RunError {
	return &RunError{Type: ValidationError, Message: msg, Hint: hint}
}

// NewTemplateError reports a field that could not be expanded.
func NewTemplateError(field string, cause error) *RunError {
	return &RunError{Type: TemplateError, Field: field, Message: cause.Error(), cause: cause,
		Hint: "Check that every referenced input is provided with --input"}
}

func NewLaunchError(cause error) *RunError {
	return &RunError{Type: LaunchError, Message: cause.Error(), cause: cause}
}

func NewArtifactError(name, msg string, cause error) *RunError {
	e := &RunError{Type: ArtifactCollectionFailure, Artifact: name, Message: msg, cause: cause}
	if cause != nil {
		e.Message = fmt.Sprintf("%s: %v", msg, cause)
	}
	return e
}

func NewStorageError(cause error) *RunError {
	return &RunError{Type: StorageError, Message: cause.Error(), Retryable: true, cause: cause}
}

func NewSinkError(cause error, retryable bool) *RunError {
	return &RunError{Type: SinkError, Message: cause.Error(), Retryable: retryable, cause: cause}
}

// IsType reports whether err is a *RunError of the given type.
func IsType(err error, typ string) bool {
	var re *RunError
	if stderrors.As(err, &re) {
		return re.Type == typ
	}
	return false
}
