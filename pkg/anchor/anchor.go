// Package anchor records issued certificates on an external ledger and returns a receipt.
package anchor

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"sync"
	"time"
)

// ErrEmptyReference is returned when a ledger acknowledges a request without a transaction reference.
var ErrEmptyReference = errors.New("anchor: ledger returned empty transaction reference")

// Receipt identifies the ledger entry created for a certification request.
type Receipt struct {
	TransactionRef string    `json:"transaction_ref"`
	Timestamp      time.Time `json:"timestamp"`
}

// Anchorer writes an immutable record for a request digest.
type Anchorer interface {
	Anchor(ctx context.Context, requestID, digest string) (*Receipt, error)
}

// LocalLedger is an in-process hash chain used when no external ledger is configured.
type LocalLedger struct {
	mu   sync.Mutex
	head string
	now  func() time.Time
}

// NewLocalLedger builds an empty ledger.
func NewLocalLedger() *LocalLedger {
	return &LocalLedger{now: time.Now}
}

// Anchor appends the digest to the chain and returns the new head as the reference.
func (l *LocalLedger) Anchor(ctx context.Context, requestID, digest string) (*Receipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()

	sum := sha256.Sum256([]byte(l.head + "|" + requestID + "|" + digest))
	l.head = hex.EncodeToString(sum[:])
	return &Receipt{TransactionRef: "0x" + l.head, Timestamp: l.now().UTC()}, nil
}

// Head returns the latest chain value.
func (l *LocalLedger) Head() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.head
}
