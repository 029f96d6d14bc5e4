package schema

import (
	"fmt"
	"strings"
)

// IssueSeverity separates issues that block publication from advisory ones.
type IssueSeverity string

const (
	SeverityError   IssueSeverity = "error"
	SeverityWarning IssueSeverity = "warning"
)

// DefinitionIssue is one problem found in a workflow definition. Path points
// into the definition document, e.g. "nodes[2].transitions[0].target".
type DefinitionIssue struct {
	Path     string        `json:"path"`
	Code     string        `json:"code"`
	Message  string        `json:"message"`
	Severity IssueSeverity `json:"severity"`
}

func (i DefinitionIssue) String() string {
	return fmt.Sprintf("%s %s %s: %s", i.Severity, i.Code, i.Path, i.Message)
}

// ValidationResult collects the issues of one definition. Warnings never
// block publication.
type ValidationResult struct {
	DefinitionID string            `json:"definition_id,omitempty"`
	Errors       []DefinitionIssue `json:"errors,omitempty"`
	Warnings     []DefinitionIssue `json:"warnings,omitempty"`
}

func (r *ValidationResult) Valid() bool {
	return len(r.Errors) == 0
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Errors = append(r.Errors, DefinitionIssue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Warnings = append(r.Warnings, DefinitionIssue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends the issues of a later validation stage.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other == nil {
		return
	}
	if r.DefinitionID == "" {
		r.DefinitionID = other.DefinitionID
	}
	r.Errors = append(r.Errors, other.Errors...)
	r.Warnings = append(r.Warnings, other.Warnings...)
}

// Issues returns errors first, then warnings.
func (r *ValidationResult) Issues() []DefinitionIssue {
	out := make([]DefinitionIssue, 0, len(r.Errors)+len(r.Warnings))
	out = append(out, r.Errors...)
	return append(out, r.Warnings...)
}

// ToError reports a definition that cannot be published as VALIDATION_FAILED,
// or returns nil.
func (r *ValidationResult) ToError() error {
	if r.Valid() {
		return nil
	}

	subject := "workflow definition"
	if r.DefinitionID != "" {
		subject = fmt.Sprintf("workflow definition %q", r.DefinitionID)
	}
	var msg string
	if len(r.Errors) == 1 {
		msg = fmt.Sprintf("%s: %s", subject, r.Errors[0].Message)
	} else {
		codes := make([]string, 0, len(r.Errors))
		seen := map[string]bool{}
		for _, e := range r.Errors {
			if !seen[e.Code] {
				seen[e.Code] = true
				codes = append(codes, e.Code)
			}
		}
		msg = fmt.Sprintf("%s has %d errors (%s)", subject, len(r.Errors), strings.Join(codes, ", "))
	}

	return NewError(ErrCodeValidation, msg).
		WithDetails(map[string]any{
			"definition_id": r.DefinitionID,
			"error_count":   len(r.Errors),
			"warning_count": len(r.Warnings),
			"errors":        r.Errors,
			"warnings":      r.Warnings,
		})
}
