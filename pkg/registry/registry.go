// Package registry implements the process-wide directory of live virtual
// channels: id issuance, lookup, population cap enforcement, and retention.
package registry

import (
	"errors"
	"sync"

	"github.com/cometproto/cometd/pkg/channel"
	"github.com/cometproto/cometd/pkg/cometlog"
	"github.com/cometproto/cometd/pkg/cometmetrics"
)

// ErrTooManyChannels is returned by Create when the configured
// MaxVirtualChannels cap would be exceeded.
var ErrTooManyChannels = errors.New("registry: too many channels")

// ErrUnknown is returned by Find when id is not (or no longer) a live
// channel.
var ErrUnknown = errors.New("registry: unknown channel")

// Registry is the directory of live channels, keyed by id.
//
// Go has no reference-weak map the way the original source relies on, so
// retention is explicit: a Channel stays in the directory until the
// application that created it calls Destroy. The externally visible
// contract is unchanged — Find succeeds iff the application still
// considers the channel live — only the mechanism (explicit Destroy vs.
// garbage-collector-driven eviction) differs. See DESIGN.md.
type Registry struct {
	// max is the configured population cap; zero means unbounded.
	max int

	mu       sync.RWMutex
	channels map[string]*channel.Channel
}

// New creates a Registry capped at max live channels (0 = unbounded).
func New(max int) *Registry {
	return &Registry{
		max:      max,
		channels: make(map[string]*channel.Channel),
	}
}

// Create allocates a fresh, uniquely-id'd Channel, inserts it into the
// registry, and returns it. The increment of the live count and the cap
// test are performed under a single exclusive lock so concurrent creates
// cannot race past the cap.
func (r *Registry) Create() (*channel.Channel, error) {
	r.mu.Lock()
	if r.max > 0 && len(r.channels) >= r.max {
		r.mu.Unlock()
		cometmetrics.ChannelRejectionsTotal.Inc()
		return nil, ErrTooManyChannels
	}

	// Generate the id outside the map write but still under the lock:
	// collisions are astronomically unlikely at 256 bits of entropy, but
	// re-rolling under the same lock keeps uniqueness airtight without a
	// second locking round-trip.
	var id string
	for {
		candidate, err := newID()
		if err != nil {
			r.mu.Unlock()
			return nil, err
		}
		if _, exists := r.channels[candidate]; !exists {
			id = candidate
			break
		}
	}

	c := channel.New(id)
	r.channels[id] = c
	count := len(r.channels)
	r.mu.Unlock()

	cometmetrics.ChannelCreationsTotal.Inc()
	cometmetrics.ChannelsTotal.Set(float64(count))
	cometlog.WithChannel(id).Debug().Int("live_channels", count).Msg("channel created")
	return c, nil
}

// Find returns the live channel for id, or ErrUnknown.
func (r *Registry) Find(id string) (*channel.Channel, error) {
	r.mu.RLock()
	c, ok := r.channels[id]
	r.mu.RUnlock()
	if !ok {
		return nil, ErrUnknown
	}
	return c, nil
}

// IDOf returns c's id.
func (r *Registry) IDOf(c *channel.Channel) string {
	return c.ID()
}

// Destroy removes c from the registry, after which Find(c.ID()) fails as
// Unknown. This is the explicit analogue of the source's weak-map
// eviction: call it once the application drops its last reference to c.
func (r *Registry) Destroy(c *channel.Channel) {
	r.mu.Lock()
	delete(r.channels, c.ID())
	count := len(r.channels)
	r.mu.Unlock()

	cometmetrics.ChannelsTotal.Set(float64(count))
	cometlog.WithChannel(c.ID()).Debug().Int("live_channels", count).Msg("channel destroyed")
}

// Len returns the current live channel count.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.channels)
}
