package schema

import "fmt"

// Severity separates blocking problems from advisories.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one problem found in a workflow bundle. Path points into the
// bundle document, e.g. "steps[1].config".
type Issue struct {
	Path     string   `json:"path"`
	Code     string   `json:"code"`
	Message  string   `json:"message"`
	Severity Severity `json:"severity"`
}

// ValidationResult collects the issues of one bundle in discovery order.
type ValidationResult struct {
	Issues []Issue `json:"issues,omitempty"`
}

func (r *ValidationResult) AddError(path, code, message string) {
	r.Issues = append(r.Issues, Issue{Path: path, Code: code, Message: message, Severity: SeverityError})
}

func (r *ValidationResult) AddWarning(path, code, message string) {
	r.Issues = append(r.Issues, Issue{Path: path, Code: code, Message: message, Severity: SeverityWarning})
}

// Merge appends other's issues.
func (r *ValidationResult) Merge(other *ValidationResult) {
	if other != nil {
		r.Issues = append(r.Issues, other.Issues...)
	}
}

func (r *ValidationResult) Errors() []Issue   { return r.filter(SeverityError) }
func (r *ValidationResult) Warnings() []Issue { return r.filter(SeverityWarning) }

// Valid reports whether no error-severity issue was found.
func (r *ValidationResult) Valid() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityError {
			return false
		}
	}
	return true
}

func (r *ValidationResult) filter(sev Severity) []Issue {
	var out []Issue
	for _, is := range r.Issues {
		if is.Severity == sev {
			out = append(out, is)
		}
	}
	return out
}

// ToError returns nil for a valid result. Otherwise the error carries the
// code all errors share, or VALIDATION_ERROR when they differ, and lists
// every issue in its details.
func (r *ValidationResult) ToError() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}

	code := errs[0].Code
	for _, is := range errs[1:] {
		if is.Code != code {
			code = ErrCodeValidation
			break
		}
	}
	if code == "" {
		code = ErrCodeValidation
	}

	msg := errs[0].Path + ": " + errs[0].Message
	if len(errs) > 1 {
		msg = fmt.Sprintf("bundle has %d errors, first %s", len(errs), msg)
	}
	return NewError(code, msg).WithDetails(map[string]any{
		"error_count": len(errs),
		"issues":      r.Issues,
	})
}
