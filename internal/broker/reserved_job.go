package broker

import "github.com/wharfqueue/wharf/internal/job"

// ReservedJob is handed to a caller after a successful Pop. Envelope is
// decoded from the reserved-set copy, so Attempts/ReservedAt already carry
// this reservation's incremented values; reservedCopy is the exact raw
// token filed in the reserved set, required to ack (DeleteReserved) or
// release (DeleteAndRelease) this specific reservation.
type ReservedJob struct {
	Envelope     *job.Envelope
	Queue        string
	Connection   string
	reservedCopy string
}

// ID is a convenience accessor for the envelope's job ID.
func (r *ReservedJob) ID() string {
	return r.Envelope.ID
}

// Attempts is a convenience accessor for the envelope's attempt count as
// observed at reservation time (strictly greater than on any prior
// reservation of the same job).
func (r *ReservedJob) Attempts() int {
	return r.Envelope.Attempts
}
