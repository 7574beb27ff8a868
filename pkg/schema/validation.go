package schema

import (
	"fmt"
	"strings"
)

// Issue is a single playbook or event validation problem.
type Issue struct {
	Path    string `json:"path"`
	Message string `json:"message"`
	Warning bool   `json:"warning,omitempty"`
}

// Report collects validation issues for one document.
type Report struct {
	Issues []Issue `json:"issues,omitempty"`
}

// Errorf records an error-severity issue at path.
func (r *Report) Errorf(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...)})
}

// Warnf records a warning, which never fails validation.
func (r *Report) Warnf(path, format string, args ...any) {
	r.Issues = append(r.Issues, Issue{Path: path, Message: fmt.Sprintf(format, args...), Warning: true})
}

// Errors returns only error-severity issues.
func (r *Report) Errors() []Issue {
	var out []Issue
	for _, i := range r.Issues {
		if !i.Warning {
			out = append(out, i)
		}
	}
	return out
}

// Valid reports whether no error-severity issue was recorded.
func (r *Report) Valid() bool {
	return len(r.Errors()) == 0
}

// Merge appends another report's issues.
func (r *Report) Merge(other *Report) {
	if other == nil {
		return
	}
	r.Issues = append(r.Issues, other.Issues...)
}

// Err converts the report into a VALIDATION_ERROR, or nil when valid.
func (r *Report) Err() error {
	errs := r.Errors()
	if len(errs) == 0 {
		return nil
	}
	msgs := make([]string, 0, len(errs))
	for _, i := range errs {
		msgs = append(msgs, i.Path+": "+i.Message)
	}
	return NewError(ErrCodeValidation, strings.Join(msgs, "; ")).
		WithDetails(map[string]any{"issues": r.Issues, "error_count": len(errs)})
}
