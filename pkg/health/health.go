// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Sigil Contributors

package health

import "time"

// BreakerState is the externally visible state of a circuit breaker.
type BreakerState string

const (
	BreakerClosed   BreakerState = "CLOSED"
	BreakerOpen     BreakerState = "OPEN"
	BreakerHalfOpen BreakerState = "HALF_OPEN"
)

// Metrics exposes the current health state of a guarded dependency for
// monitoring and operator visibility. All fields are point-in-time
// snapshots safe to serialize to JSON.
type Metrics struct {
	Name             string       `json:"name"`
	State            BreakerState `json:"state"`
	FailureCount     int64        `json:"failure_count"`
	SuccessCount     int64        `json:"success_count"`
	HalfOpenInFlight int          `json:"half_open_in_flight"`
	LastFailureAt    *time.Time   `json:"last_failure_at,omitempty"`
	OpenUntil        *time.Time   `json:"open_until,omitempty"`
	Available        bool         `json:"available"`
}
