// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package types

// ApprovalStatus is the lifecycle state of a human approval request.
type ApprovalStatus string

const (
	ApprovalStatusPending  ApprovalStatus = "PENDING"
	ApprovalStatusApproved ApprovalStatus = "APPROVED"
	ApprovalStatusRejected ApprovalStatus = "REJECTED"
	ApprovalStatusTimedOut ApprovalStatus = "TIMED_OUT"
)

// Valid reports whether the status is a known approval state.
func (s ApprovalStatus) Valid() bool {
	switch s {
	case ApprovalStatusPending, ApprovalStatusApproved, ApprovalStatusRejected, ApprovalStatusTimedOut:
		return true
	default:
		return false
	}
}

// Terminal reports whether s is a resolved state. Terminal states never
// transition again.
func (s ApprovalStatus) Terminal() bool {
	return s == ApprovalStatusApproved || s == ApprovalStatusRejected || s == ApprovalStatusTimedOut
}
