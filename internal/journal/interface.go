// Package journal keeps a durable history of guarded clock changes.
package journal

import (
	"context"
	"time"

	"codeberg.org/mutker/gpuctl/internal/gpu"
)

type Source string

const (
	SourceClient  Source = "client"
	SourceStartup Source = "startup"
)

type Outcome string

const (
	OutcomeProposed     Outcome = "proposed"
	OutcomeConfirmed    Outcome = "confirmed"
	OutcomeReverted     Outcome = "reverted"
	OutcomeExpired      Outcome = "expired"
	OutcomeRevertFailed Outcome = "revert_failed"
	OutcomeRejected     Outcome = "rejected"
	OutcomeCancelled    Outcome = "cancelled"
	OutcomeReset        Outcome = "reset"
)

// Resolved reports whether o closes a proposal.
func (o Outcome) Resolved() bool {
	return o != OutcomeProposed
}

type Entry struct {
	ID        int64             `json:"id"`
	Time      time.Time         `json:"time"`
	Device    gpu.DeviceID      `json:"device"`
	PendingID string            `json:"pending_id,omitempty"`
	Source    Source            `json:"source"`
	Outcome   Outcome           `json:"outcome"`
	Profile   *gpu.ClockProfile `json:"profile,omitempty"`
	Detail    string            `json:"detail,omitempty"`
}

type Journal interface {
	Record(ctx context.Context, e Entry) error
	// Last returns the newest entry for device; ok is false when there
	// is none.
	Last(ctx context.Context, device gpu.DeviceID) (e Entry, ok bool, err error)
	// Recent returns up to limit entries for device, newest first. An
	// empty device selects every device.
	Recent(ctx context.Context, device gpu.DeviceID, limit int) ([]Entry, error)
	Close() error
}
