// Package locking coordinates graders working against a shared class
// directory. A lock is a marker named for the (lab, student) unit; marker
// existence is the sole source of truth for "is locked now", and the
// holder's identity is stored with the marker. Acquisition is a single
// atomic create, so at most one grader can hold a unit at a time. The
// append-only audit log is a separate trail with different retention, kept
// so recently-finished grading can still be detected after the marker is
// gone.
package locking

import (
	"context"
	"errors"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MarkerSuffix terminates every lock marker name.
const MarkerSuffix = ".lock"

// ErrHeld is returned by Acquire when the marker already exists. The caller
// asks Holder who has it.
var ErrHeld = errors.New("lock already held")

var (
	acquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagrader",
		Subsystem: "locks",
		Name:      "acquisitions_total",
		Help:      "Number of lock markers created",
	}, []string{"backend"})

	conflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "tagrader",
		Subsystem: "locks",
		Name:      "conflicts_total",
		Help:      "Number of acquisitions refused because the lock was held",
	}, []string{"backend"})
)

// Backend stores lock markers. Acquire must be atomic: exactly one caller
// may create a given marker, all others get ErrHeld regardless of holder.
type Backend interface {
	Acquire(ctx context.Context, marker, holder string) error
	// Holder returns the identity that acquired the marker, or "" when the
	// marker does not exist.
	Holder(ctx context.Context, marker string) (string, error)
	// Remove deletes a marker; removing an absent marker is not an error.
	Remove(ctx context.Context, marker string) error
	List(ctx context.Context) ([]string, error)
}

// Key names a lock unit. Lab is empty for email-only locks.
type Key struct {
	Lab     string
	Student string
}

// Marker renders the key as a marker name: lab.student.lock, with the lab
// segment omitted when empty. The name carries no grader segment so every
// grader contends for the same marker.
func (k Key) Marker() string {
	if k.Lab == "" {
		return k.Student + MarkerSuffix
	}
	return k.Lab + "." + k.Student + MarkerSuffix
}
