package model

import (
	"strings"
	"time"
)

// ViolationStatus is the review state of a violation.
type ViolationStatus string

const (
	ViolationPending   ViolationStatus = "pending"
	ViolationConfirmed ViolationStatus = "confirmed"
	ViolationRejected  ViolationStatus = "rejected"
)

// ViolationStatuses lists every review state.
var ViolationStatuses = []ViolationStatus{ViolationPending, ViolationConfirmed, ViolationRejected}

func (s ViolationStatus) IsValid() bool {
	switch s {
	case ViolationPending, ViolationConfirmed, ViolationRejected:
		return true
	}
	return false
}

// ParseViolationStatus is case-insensitive, so "CONFIRMED" is accepted.
func ParseViolationStatus(s string) (ViolationStatus, bool) {
	st := ViolationStatus(strings.ToLower(strings.TrimSpace(s)))
	return st, st.IsValid()
}

// CanReview reports whether a violation in status from may be given the
// verdict to. Only pending violations are reviewed and a verdict is final.
// An empty from is treated as pending.
func CanReview(from, to ViolationStatus) bool {
	if from != "" && from != ViolationPending {
		return false
	}
	return to == ViolationConfirmed || to == ViolationRejected
}

// ViolationReview is a reviewer's verdict on a pending violation.
type ViolationReview struct {
	Status      ViolationStatus `json:"status"`
	ProcessedBy string          `json:"processedBy,omitempty"`
	ReviewNotes string          `json:"reviewNotes,omitempty"`
	ProcessedAt time.Time       `json:"-"`
}

// Apply records r on v.
func (r ViolationReview) Apply(v *Violation) {
	at := r.ProcessedAt
	v.Status = r.Status
	v.ProcessedBy = r.ProcessedBy
	v.ProcessedAt = &at
	v.ReviewNotes = r.ReviewNotes
}
