package service

import "fmt"

// NoCapacityError means no eligible agent could take the alert. The
// alert stays PENDING; this is an expected business outcome, not a
// fault.
type NoCapacityError struct {
	AlertID string
	Detail  string
}

func (e *NoCapacityError) Error() string {
	return fmt.Sprintf("alert %s: no capacity: %s", e.AlertID, e.Detail)
}

// ConcurrentModificationError means a routing decision lost the
// version race on an alert twice in a row. Surfaced per-item in batch
// results, never aborts the batch.
type ConcurrentModificationError struct {
	AlertID string
}

func (e *ConcurrentModificationError) Error() string {
	return fmt.Sprintf("alert %s: concurrent modification", e.AlertID)
}
