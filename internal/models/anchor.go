package models

import "time"

// AnchorRecord is the immutable ledger receipt attached to a certified request.
type AnchorRecord struct {
	RequestID      string    `db:"request_id" json:"request_id"`
	TransactionRef string    `db:"transaction_ref" json:"transaction_ref"`
	AnchoredAt     time.Time `db:"anchored_at" json:"anchored_at"`
}
