// Package statuspoll waits for a checkout to finish by polling its
// transaction status at a fixed interval.
package statuspoll

import (
	"context"
	"time"
)

const (
	DefaultInterval    = 3 * time.Second
	DefaultMaxAttempts = 20
)

// Statuses reported by the transaction status endpoint.
const (
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
)

// Status is one observation of a checkout.
type Status struct {
	Token     string `json:"token"`
	Status    string `json:"status"`
	BadgeType string `json:"badgeType,omitempty"`
	Amount    int64  `json:"amount"`
	Currency  string `json:"currency"`
	ErrorCode string `json:"errorCode,omitempty"`
}

// FetchFunc returns the current status. A returned error counts as an
// attempt and polling continues.
type FetchFunc func(ctx context.Context) (Status, error)

// Result describes how polling ended. Failed reports that the last status seen
// was failed; it never ends polling early.
type Result struct {
	Completed bool
	Failed    bool
	TimedOut  bool
	Attempts  int
	Last      Status
	LastErr   error
}

// Poller calls fetch immediately and then every Interval, without backoff,
// until the checkout completes or MaxAttempts calls were made.
type Poller struct {
	Interval    time.Duration
	MaxAttempts int
}

func New() *Poller {
	return &Poller{Interval: DefaultInterval, MaxAttempts: DefaultMaxAttempts}
}

// Poll returns ctx.Err() only when the context ends before completion or
// timeout; the partial Result is returned with it.
func (p *Poller) Poll(ctx context.Context, fetch FetchFunc) (Result, error) {
	interval := p.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	var res Result
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		res.Attempts++
		status, err := fetch(ctx)
		res.LastErr = err
		if err == nil {
			res.Last = status
			res.Failed = status.Status == StatusFailed
			if status.Status == StatusCompleted {
				res.Completed = true
				return res, nil
			}
		}

		if res.Attempts >= maxAttempts {
			res.TimedOut = true
			return res, nil
		}

		select {
		case <-ctx.Done():
			return res, ctx.Err()
		case <-ticker.C:
		}
	}
}
