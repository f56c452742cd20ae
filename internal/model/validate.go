package model

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// ValidationError holds a list of field-level validation errors.
type ValidationError struct {
	Errors []FieldError
}

// FieldError represents a single validation failure on a named field.
type FieldError struct {
	Field   string
	Message string
}

// Error formats the validation error as a semicolon-separated list of field messages.
func (e *ValidationError) Error() string {
	parts := make([]string, len(e.Errors))
	for i, fe := range e.Errors {
		parts[i] = fe.Field + ": " + fe.Message
	}
	return "validation failed: " + strings.Join(parts, "; ")
}

// HasErrors reports whether the validation error contains any field errors.
func (e *ValidationError) HasErrors() bool {
	return len(e.Errors) > 0
}

func (e *ValidationError) add(field, format string, args ...any) {
	e.Errors = append(e.Errors, FieldError{Field: field, Message: fmt.Sprintf(format, args...)})
}

func (e *ValidationError) err() error {
	if e.HasErrors() {
		return e
	}
	return nil
}

// roisConfigPattern matches ROI configuration names: a plain file name with no
// path separators, optionally ending in .json.
var roisConfigPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]{0,127}$`)

// taskIDPattern limits task IDs to characters that are safe in object names
// and scratch directory names.
var taskIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]{0,127}$`)

// ValidateTaskID checks a caller-supplied task ID.
func ValidateTaskID(id string) error {
	var ve ValidationError
	checkTaskID(&ve, id)
	return ve.err()
}

func checkTaskID(ve *ValidationError, id string) {
	switch {
	case strings.TrimSpace(id) == "":
		ve.add("taskId", "is required")
	case len(id) > 128:
		ve.add("taskId", "must be 128 characters or fewer")
	case !taskIDPattern.MatchString(id):
		ve.add("taskId", "may only contain letters, digits, '.', '_' and '-' and must start with a letter or digit")
	}
}

// ValidateRoisConfig checks an ROI configuration name. Empty is allowed.
func ValidateRoisConfig(name string) error {
	if name == "" {
		return nil
	}
	var ve ValidationError
	if !roisConfigPattern.MatchString(name) || strings.Contains(name, "..") {
		ve.add("roisConfig", "invalid name %q", name)
	}
	return ve.err()
}

// ParseDetectTypes parses a comma-separated list of violation types (canonical
// or short names). Empty input yields nil, meaning every type.
func ParseDetectTypes(s string) ([]ViolationType, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	var ve ValidationError
	var out []ViolationType
	seen := make(map[ViolationType]bool)
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		t, ok := ParseViolationType(part)
		if !ok {
			ve.add("detect_types", "unknown type %q", part)
			continue
		}
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	if err := ve.err(); err != nil {
		return nil, err
	}
	return out, nil
}

// ValidateViolation checks a Violation for constraint violations.
// It returns a *ValidationError if any rules fail, or nil if it is valid.
func ValidateViolation(v *Violation) error {
	var ve ValidationError

	if !v.Type.IsValid() {
		ve.add("type", "invalid value %q", v.Type)
	}
	if v.Confidence < 0 || v.Confidence > 1 {
		ve.add("confidence", "must be between 0 and 1, got %g", v.Confidence)
	}
	if v.Direction != "" && !v.Direction.IsValid() {
		ve.add("direction", "invalid value %q", v.Direction)
	}
	if v.FrameNumber < 0 {
		ve.add("frameNumber", "must not be negative")
	}
	if v.Timestamp.IsZero() {
		ve.add("timestamp", "is required")
	}
	if v.Status != "" && !v.Status.IsValid() {
		ve.add("status", "invalid value %q", v.Status)
	}

	return ve.err()
}

// ValidateTask checks a Task before it is persisted.
func ValidateTask(t *Task) error {
	var ve ValidationError

	checkTaskID(&ve, t.ID)
	if !t.Status.IsValid() {
		ve.add("status", "invalid value %q", t.Status)
	}
	if strings.TrimSpace(t.Source) == "" {
		ve.add("source", "is required")
	}
	if t.IntersectionID <= 0 {
		ve.add("intersectionId", "must be positive, got %d", t.IntersectionID)
	}
	if !t.Direction.IsValid() {
		ve.add("direction", "invalid value %q", t.Direction)
	}
	if t.Progress < 0 || t.Progress > 100 {
		ve.add("progress", "must be between 0 and 100, got %d", t.Progress)
	}
	var rois *ValidationError
	if errors.As(ValidateRoisConfig(t.RoisConfig), &rois) {
		ve.Errors = append(ve.Errors, rois.Errors...)
	}

	return ve.err()
}

// ValidateReview checks a reviewer's verdict. Only confirmed and rejected are
// verdicts; pending is the state a violation starts in.
func ValidateReview(r *ViolationReview) error {
	var ve ValidationError

	if r.Status != ViolationConfirmed && r.Status != ViolationRejected {
		ve.add("status", "must be %q or %q, got %q", ViolationConfirmed, ViolationRejected, r.Status)
	}
	if len(r.ProcessedBy) > 128 {
		ve.add("processedBy", "must be 128 characters or fewer")
	}
	if len(r.ReviewNotes) > 2000 {
		ve.add("reviewNotes", "must be 2000 characters or fewer")
	}

	return ve.err()
}
