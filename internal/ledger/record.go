// Package ledger is the append-only, per-user history of checkout attempts.
package ledger

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// Status of a recorded attempt.
type Status string

const (
	StatusSuccess Status = "success"
	StatusFailed  Status = "failed"
)

const (
	dateLayout = "2006-01-02"
	timeLayout = "15:04:05"
)

// Record is one checkout attempt that reached payment verification.
type Record struct {
	ID        string    `json:"id"`
	ItemID    string    `json:"itemId"`
	Title     string    `json:"title"`
	Cover     string    `json:"cover,omitempty"`
	Price     int64     `json:"price"`
	Currency  string    `json:"currency"`
	Date      string    `json:"date"`
	Time      string    `json:"time"`
	Status    Status    `json:"status"`
	PaymentID string    `json:"paymentId,omitempty"`
	OrderID   string    `json:"orderId,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	ErrorCode string    `json:"errorCode,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// Stamp fills ID, CreatedAt, Date and Time from at when they are unset.
func (r Record) Stamp(at time.Time) Record {
	if r.CreatedAt.IsZero() {
		r.CreatedAt = at.UTC()
	}
	if r.ID == "" {
		r.ID = ulid.MustNew(ulid.Timestamp(r.CreatedAt), ulid.DefaultEntropy()).String()
	}
	local := r.CreatedAt.Local()
	if r.Date == "" {
		r.Date = local.Format(dateLayout)
	}
	if r.Time == "" {
		r.Time = local.Format(timeLayout)
	}
	return r
}

// Succeeded reports whether the attempt was verified.
func (r Record) Succeeded() bool { return r.Status == StatusSuccess }
