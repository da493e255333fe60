// Package anchor submits witness hashes to public blockchains through an
// anchoring gateway and polls for confirmation receipts. Submission and
// receipt parsing live here; the chain protocols themselves are external
// collaborators behind the gateway.
package anchor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/TemporalDynamics/ecosign-sub002/pkg/event"
)

// ErrConfirmationTimeout is returned when the polling deadline elapses
// before the network confirms. Callers must surface it as an anchor.timeout
// event, never swallow it.
var ErrConfirmationTimeout = errors.New("anchor: confirmation timeout")

// Receipt is a parsed confirmation from the network.
type Receipt struct {
	Network     event.Network `json:"network"`
	TxID        string        `json:"txid"`
	ConfirmedAt time.Time     `json:"confirmed_at"`
}

// Submitter submits a witness hash to one network and reads back receipts.
type Submitter interface {
	Network() event.Network
	// Submit publishes the hash and returns the transaction id.
	Submit(ctx context.Context, witnessHash string) (string, error)
	// Receipt returns the confirmation receipt, or nil while pending.
	Receipt(ctx context.Context, txid string) (*Receipt, error)
}

// Poller waits for a submission to confirm under a hard wall-clock
// deadline with a fixed polling interval.
type Poller struct {
	Deadline time.Duration
	Interval time.Duration
}

// DefaultPoller matches the contract of a 60s hard deadline.
func DefaultPoller() Poller {
	return Poller{Deadline: 60 * time.Second, Interval: 5 * time.Second}
}

// WaitForConfirmation polls sub until the receipt arrives or the deadline
// elapses. Timing out returns ErrConfirmationTimeout.
func (p Poller) WaitForConfirmation(ctx context.Context, sub Submitter, txid string) (*Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, p.Deadline)
	defer cancel()

	ticker := time.NewTicker(p.Interval)
	defer ticker.Stop()

	for {
		receipt, err := sub.Receipt(ctx, txid)
		if err != nil && !errors.Is(err, context.DeadlineExceeded) {
			return nil, fmt.Errorf("anchor %s: receipt poll: %w", sub.Network(), err)
		}
		if receipt != nil {
			return receipt, nil
		}
		select {
		case <-ctx.Done():
			return nil, ErrConfirmationTimeout
		case <-ticker.C:
		}
	}
}
