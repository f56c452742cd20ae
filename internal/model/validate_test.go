package model

import (
	"strings"
	"testing"
	"time"
)

// validTask returns a Task that passes all validation rules.
func validTask() Task {
	return Task{
		ID:             "task-abc",
		Status:         TaskStarting,
		Source:         "videos/task-abc.mp4",
		IntersectionID: 1,
		Direction:      SouthBound,
	}
}

func validViolation() Violation {
	return Violation{
		ID:         "vio-1",
		Type:       ViolationRedLight,
		TrackID:    7,
		Direction:  NorthBound,
		Confidence: 0.91,
		Timestamp:  time.Now(),
	}
}

// fieldErrors extracts a *ValidationError from err or fails the test.
func fieldErrors(t *testing.T, err error) []FieldError {
	t.Helper()
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	ve, ok := err.(*ValidationError)
	if !ok {
		t.Fatalf("expected *ValidationError, got %T", err)
	}
	return ve.Errors
}

// hasFieldError reports whether the error list contains an error for the given field.
func hasFieldError(errs []FieldError, field string) bool {
	for _, fe := range errs {
		if fe.Field == field {
			return true
		}
	}
	return false
}

func TestValidateTask_Valid(t *testing.T) {
	task := validTask()
	if err := ValidateTask(&task); err != nil {
		t.Fatalf("ValidateTask() = %v, want nil", err)
	}
}

func TestValidateTask_Fields(t *testing.T) {
	for _, tc := range []struct {
		name   string
		mutate func(*Task)
		field  string
	}{
		{"empty id", func(t *Task) { t.ID = "  " }, "taskId"},
		{"long id", func(t *Task) { t.ID = strings.Repeat("x", 129) }, "taskId"},
		{"id with slash", func(t *Task) { t.ID = "cam/1" }, "taskId"},
		{"bad status", func(t *Task) { t.Status = "paused" }, "status"},
		{"no source", func(t *Task) { t.Source = "" }, "source"},
		{"zero intersection", func(t *Task) { t.IntersectionID = 0 }, "intersectionId"},
		{"bad direction", func(t *Task) { t.Direction = "up" }, "direction"},
		{"progress over 100", func(t *Task) { t.Progress = 101 }, "progress"},
		{"rois traversal", func(t *Task) { t.RoisConfig = "../etc/passwd" }, "roisConfig"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			task := validTask()
			tc.mutate(&task)
			errs := fieldErrors(t, ValidateTask(&task))
			if !hasFieldError(errs, tc.field) {
				t.Errorf("expected error on field %q, got %v", tc.field, errs)
			}
		})
	}
}

func TestValidateTaskID(t *testing.T) {
	for _, tc := range []struct {
		id string
		ok bool
	}{
		{"task-AbC123", true},
		{"cam_1.north", true},
		{strings.Repeat("a", 128), true},
		{"", false},
		{"cam/1", false},
		{"../x", false},
		{"..", false},
		{".hidden", false},
		{"-flag", false},
		{"cam 1", false},
		{`cam\1`, false},
		{"路口1", false},
	} {
		err := ValidateTaskID(tc.id)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateTaskID(%q) = %v, want ok=%v", tc.id, err, tc.ok)
		}
	}
}

func TestValidateViolation(t *testing.T) {
	v := validViolation()
	if err := ValidateViolation(&v); err != nil {
		t.Fatalf("ValidateViolation() = %v, want nil", err)
	}

	v.Type = "speeding"
	v.Confidence = 1.5
	errs := fieldErrors(t, ValidateViolation(&v))
	if !hasFieldError(errs, "type") || !hasFieldError(errs, "confidence") {
		t.Errorf("expected type and confidence errors, got %v", errs)
	}
}

func TestValidateRoisConfig(t *testing.T) {
	for _, tc := range []struct {
		name string
		ok   bool
	}{
		{"", true},
		{"rois.json", true},
		{"junction_1-north.json", true},
		{"../rois.json", false},
		{"a/b.json", false},
		{".hidden", false},
	} {
		err := ValidateRoisConfig(tc.name)
		if (err == nil) != tc.ok {
			t.Errorf("ValidateRoisConfig(%q) = %v, want ok=%v", tc.name, err, tc.ok)
		}
	}
}

func TestParseDetectTypes(t *testing.T) {
	got, err := ParseDetectTypes("red_light, lane_change,red_light_running")
	if err != nil {
		t.Fatalf("ParseDetectTypes: %v", err)
	}
	if len(got) != 2 || got[0] != ViolationRedLight || got[1] != ViolationLaneChange {
		t.Errorf("ParseDetectTypes = %v, want [red_light_running lane_change_across_solid_line]", got)
	}

	got, err = ParseDetectTypes("")
	if err != nil || got != nil {
		t.Errorf("ParseDetectTypes(\"\") = %v, %v; want nil, nil", got, err)
	}

	errs := fieldErrors(t, func() error { _, err := ParseDetectTypes("red_light,speeding"); return err }())
	if !hasFieldError(errs, "detect_types") {
		t.Errorf("expected detect_types error, got %v", errs)
	}
}
