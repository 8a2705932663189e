package queue

import (
	"time"

	"github.com/frahmantamala/storefront-payments/internal"
)

type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

type Backoff struct {
	Type  BackoffType   `json:"type"`
	Delay time.Duration `json:"delay"`
}

// Next returns the wait before the retry that follows the given attempt (1-based).
func (b Backoff) Next(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if b.Type != BackoffExponential {
		return b.Delay
	}
	d := b.Delay
	for i := 1; i < attempt; i++ {
		d *= 2
		if d > 24*time.Hour {
			return 24 * time.Hour
		}
	}
	return d
}

type Policy struct {
	Attempts         int
	Backoff          Backoff
	RemoveOnComplete int
	RemoveOnFail     int
	Concurrency      int
	LeaseDuration    time.Duration
	StalledInterval  time.Duration
}

const (
	QueueNotification   = "notification"
	QueueOrder          = "order"
	QueueInventory      = "inventory"
	QueueReport         = "report"
	QueueReconciliation = "reconciliation"
)

func DefaultPolicies() map[string]Policy {
	base := func(attempts int, backoff Backoff) Policy {
		return Policy{
			Attempts:         attempts,
			Backoff:          backoff,
			RemoveOnComplete: 100,
			RemoveOnFail:     500,
			Concurrency:      5,
			LeaseDuration:    time.Minute,
			StalledInterval:  30 * time.Second,
		}
	}
	return map[string]Policy{
		QueueNotification:   base(3, Backoff{Type: BackoffExponential, Delay: 2 * time.Second}),
		QueueOrder:          base(5, Backoff{Type: BackoffExponential, Delay: time.Second}),
		QueueInventory:      base(3, Backoff{Type: BackoffFixed, Delay: 5 * time.Second}),
		QueueReport:         base(2, Backoff{Type: BackoffFixed, Delay: 10 * time.Second}),
		QueueReconciliation: base(5, Backoff{Type: BackoffExponential, Delay: 30 * time.Second}),
	}
}

// Merge overlays non-zero fields of override onto p.
func (p Policy) Merge(override Policy) Policy {
	if override.Attempts > 0 {
		p.Attempts = override.Attempts
	}
	if override.Backoff.Type != "" {
		p.Backoff.Type = override.Backoff.Type
	}
	if override.Backoff.Delay > 0 {
		p.Backoff.Delay = override.Backoff.Delay
	}
	if override.RemoveOnComplete > 0 {
		p.RemoveOnComplete = override.RemoveOnComplete
	}
	if override.RemoveOnFail > 0 {
		p.RemoveOnFail = override.RemoveOnFail
	}
	if override.Concurrency > 0 {
		p.Concurrency = override.Concurrency
	}
	if override.LeaseDuration > 0 {
		p.LeaseDuration = override.LeaseDuration
	}
	if override.StalledInterval > 0 {
		p.StalledInterval = override.StalledInterval
	}
	return p
}

// PoliciesFromConfig overlays the queue.queues section on DefaultPolicies.
// Queues named in config but absent from the defaults are added as configured.
func PoliciesFromConfig(cfg internal.QueueConfig) map[string]Policy {
	policies := DefaultPolicies()
	for name, qc := range cfg.Queues {
		override := Policy{
			Attempts:         qc.Attempts,
			Backoff:          Backoff{Type: BackoffType(qc.BackoffType), Delay: qc.BackoffDelay},
			RemoveOnComplete: qc.RemoveOnComplete,
			RemoveOnFail:     qc.RemoveOnFail,
			Concurrency:      qc.Concurrency,
			LeaseDuration:    qc.LeaseDuration,
			StalledInterval:  qc.StalledInterval,
		}
		policies[name] = policies[name].Merge(override)
	}
	return policies
}
