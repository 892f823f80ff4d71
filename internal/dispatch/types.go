package dispatch

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNoDestinations means nothing attached can carry the delivery.
	// This is a configuration problem, not a transient send failure.
	ErrNoDestinations = errors.New("no destinations for delivery")
	// ErrDeliveryFailed means every covering destination failed.
	ErrDeliveryFailed = errors.New("delivery failed on all destinations")
)

// Destination is one attached delivery target (a Telegram chat, a
// webhook, a test sink).
type Destination interface {
	// ID identifies the destination for attach/detach. Attaching the
	// same ID again replaces the previous destination.
	ID() string
	// Covers reports whether the destination can deliver to the given
	// recipient. Broadcast deliveries skip this check and reach every
	// attached destination.
	Covers(recipient string) bool
	// Send delivers the text. The router bounds the call with its send
	// timeout; implementations own any tighter deadlines.
	Send(ctx context.Context, recipient, text string) error
}

// Delivery is one outbound message. Recipient empty means broadcast.
type Delivery struct {
	ReminderID string
	Recipient  string
	Text       string
}

// Result counts per-destination outcomes of a single Route call.
type Result struct {
	Attempted int
	Delivered int
	Failed    int
}

// Config controls the router.
//
// Defaults: rate 3/s, burst = rate, send timeout 10s.
type Config struct {
	RatePerSec  int
	Burst       int
	SendTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.RatePerSec <= 0 {
		c.RatePerSec = 3
	}
	if c.Burst <= 0 {
		c.Burst = c.RatePerSec
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = 10 * time.Second
	}
	return c
}
