// Package channel implements the virtual channel: a non-blocking pub/sub
// endpoint with an events stream published by the owning application and an
// outcomes stream read back by that owner once a published event has been
// serialized into (or dropped from) a client response.
package channel

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cometproto/cometd/pkg/cometmetrics"
)

// Event is a single message published by the channel's owner. Tag is an
// opaque correlator the owner may use to match a later Outcome; a nil Tag
// never produces an Outcome.
type Event struct {
	Payload []byte
	Tag     *int64
}

// Result is the disposition of a tagged Event once the handler that chose
// to deliver it has finished transmitting (or failed to transmit) the
// response containing it.
type Result int

const (
	Delivered Result = iota
	Failed
)

// Outcome reports what happened to a previously published, tagged Event.
type Outcome struct {
	Result Result
	Tag    int64
}

// Stats is a point-in-time snapshot of a channel's activity, used only for
// observability (metrics/logging) — it has no bearing on the wire protocol.
type Stats struct {
	Created   time.Time
	Published int64
	Delivered int64
	Failed    int64
	Listeners int32
}

// subscriber is one waiter's private event mailbox. Buffered so Publish
// never blocks on a slow or stalled handler.
type subscriber chan Event

// Channel is one virtual pub/sub endpoint. All operations are safe for
// concurrent use and never block.
type Channel struct {
	id string

	mu          sync.RWMutex
	subscribers map[subscriber]struct{}

	outcomes chan Outcome

	listeners int32

	created   time.Time
	published int64
	delivered int64
	failed    int64
}

// New constructs a Channel with the given id. The registry is responsible
// for id uniqueness and cap enforcement; Channel itself only tracks its own
// subscribers, listener count, and outcomes.
func New(id string) *Channel {
	return &Channel{
		id:          id,
		subscribers: make(map[subscriber]struct{}),
		// Buffered generously: outcomes are drained by the owning
		// application at its own pace and must never block ReportOutcome's
		// caller (the handler finalizer).
		outcomes: make(chan Outcome, 256),
		created:  time.Now(),
	}
}

// ID returns the channel's id.
func (c *Channel) ID() string {
	return c.id
}

// subscribe registers a new waiter and returns the mailbox it should select
// on. unsubscribe must be called exactly once, whether or not an event was
// received, to release the mailbox.
func (c *Channel) subscribe() subscriber {
	sub := make(subscriber, 1)
	c.mu.Lock()
	c.subscribers[sub] = struct{}{}
	c.mu.Unlock()
	return sub
}

func (c *Channel) unsubscribe(sub subscriber) {
	c.mu.Lock()
	delete(c.subscribers, sub)
	c.mu.Unlock()
}

// Subscribe returns a receive-only view of this channel's events along with
// a cancel function the caller MUST invoke when it stops waiting (on
// delivery, on timeout, or on cancellation) to release the mailbox.
func (c *Channel) Subscribe() (<-chan Event, func()) {
	sub := c.subscribe()
	return sub, func() { c.unsubscribe(sub) }
}

// Publish delivers an event to every waiter currently subscribed. Waiters
// that subscribe after Publish returns do not see it (events are not
// buffered per-subscriber, matching the "waiters only see events published
// after they subscribe" ordering guarantee). Publish never blocks: each
// send into a subscriber's one-slot mailbox is non-blocking, so a waiter
// whose mailbox already holds an event does not receive this one.
func (c *Channel) Publish(e Event) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	atomic.AddInt64(&c.published, 1)
	cometmetrics.EventsPublishedTotal.Inc()
	for sub := range c.subscribers {
		select {
		case sub <- e:
		default:
			// Mailbox already holds an event (a waiter can only ever
			// receive one before unsubscribing) or is being drained
			// concurrently with its own unsubscribe; either way this
			// waiter has already moved on.
		}
	}
}

// ReportOutcome emits a single outcome for a previously published, tagged
// event. Call exactly once per event that was actually serialized into a
// response.
func (c *Channel) ReportOutcome(result Result, tag int64) {
	switch result {
	case Delivered:
		atomic.AddInt64(&c.delivered, 1)
		cometmetrics.EventsDeliveredTotal.Inc()
	case Failed:
		atomic.AddInt64(&c.failed, 1)
		cometmetrics.EventsFailedTotal.Inc()
	}
	select {
	case c.outcomes <- Outcome{Result: result, Tag: tag}:
	default:
		// Owner isn't draining outcomes fast enough; dropping here is
		// preferable to blocking ReportOutcome's caller. Outcomes are a
		// best-effort side channel, not the delivery path itself.
	}
}

// Outcomes returns the read-only outcomes stream observable by the channel's
// owner.
func (c *Channel) Outcomes() <-chan Outcome {
	return c.outcomes
}

// AddListeners atomically adjusts the listener count; delta may be
// negative. Returns the new count.
func (c *Channel) AddListeners(delta int32) int32 {
	cometmetrics.ListenersTotal.Add(float64(delta))
	return atomic.AddInt32(&c.listeners, delta)
}

// Listeners returns the current listener count.
func (c *Channel) Listeners() int32 {
	return atomic.LoadInt32(&c.listeners)
}

// Stats returns a snapshot of the channel's counters, for observability only.
func (c *Channel) Stats() Stats {
	return Stats{
		Created:   c.created,
		Published: atomic.LoadInt64(&c.published),
		Delivered: atomic.LoadInt64(&c.delivered),
		Failed:    atomic.LoadInt64(&c.failed),
		Listeners: c.Listeners(),
	}
}
