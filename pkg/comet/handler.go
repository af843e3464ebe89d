// Package comet implements the per-request handler: decode the
// subscription, wait for the first event across all subscribed channels or
// a timeout, then format and write the framed response.
package comet

import (
	"errors"
	"mime"
	"net/http"
	"reflect"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cometproto/cometd/pkg/channel"
	"github.com/cometproto/cometd/pkg/cometlog"
	"github.com/cometproto/cometd/pkg/cometmetrics"
	"github.com/cometproto/cometd/pkg/registry"
	"github.com/cometproto/cometd/pkg/wire"
)

// Handler answers comet requests against a single Registry.
type Handler struct {
	Registry *registry.Registry

	// Timeout is the per-request idle wait, default 20s if zero.
	Timeout time.Duration

	// MaxBodyBytes bounds the request body; 0 leaves it to the host.
	MaxBodyBytes int64

	// Authorize, if set, gates every request before it is decoded. A
	// false return yields a 403 with no wire body. Leave nil to accept
	// all requests matching the content-type, which is the default.
	Authorize func(r *http.Request) bool
}

const defaultTimeout = 20 * time.Second

// Matches reports whether req's content-type top-level/subtype pair is the
// comet marker. The host should call this (or use Dispatch) to decide
// whether to route the request here at all: requests with any other
// content-type are left untouched. Only the content-type is inspected;
// whether another handler has already answered the request is not checked.
func Matches(req *http.Request) bool {
	ctype := req.Header.Get("Content-Type")
	if ctype == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(ctype)
	if err != nil {
		return false
	}
	return mediaType == wire.ContentTypeMarker
}

// Dispatch wraps next so that only requests matching the comet
// content-type are handled by h; everything else falls through to next
// unchanged. The decision rests on Matches alone, so a request already
// answered elsewhere is not recognised as such.
func (h *Handler) Dispatch(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !Matches(r) {
			next.ServeHTTP(w, r)
			return
		}
		h.ServeHTTP(w, r)
	})
}

// ServeHTTP implements the wait/notify request cycle described in §4.4.
// Callers that want the content-type dispatch rule applied should use
// Dispatch instead of mounting this directly.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	log := cometlog.WithRequestID(requestID)
	timer := cometmetrics.NewRequestTimer()

	if h.Authorize != nil && !h.Authorize(r) {
		log.Debug().Msg("request rejected by authorizer")
		w.WriteHeader(http.StatusForbidden)
		timer.Observe(cometmetrics.OutcomeBadRequest)
		return
	}

	sub, err := wire.Decode(r, h.Registry, h.MaxBodyBytes)
	if err != nil {
		h.respondDecodeError(w, err, timer)
		return
	}

	switch {
	case len(sub.Active) == 0 && len(sub.Ended) == 0:
		log.Debug().Msg("empty registration")
		w.Header().Set("Content-Type", wire.ResponseContentType)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte("Empty or incorrect registration"))
		timer.Observe(cometmetrics.OutcomeBadRequest)

	case len(sub.Active) == 0:
		log.Debug().Int("ended", len(sub.Ended)).Msg("all ids unknown, no wait")
		writeResponse(w, wire.Encode(sub.Ended, nil))
		timer.Observe(cometmetrics.OutcomeEnded)

	default:
		timer.Observe(h.wait(w, r, sub, log))
	}
}

func (h *Handler) respondDecodeError(w http.ResponseWriter, err error, timer *cometmetrics.RequestTimer) {
	switch {
	case errors.Is(err, wire.ErrInputTooLarge):
		http.Error(w, "Request body too large", http.StatusRequestEntityTooLarge)
		timer.Observe(cometmetrics.OutcomeInputTooLarge)
	default:
		http.Error(w, "Bad Request", http.StatusBadRequest)
		timer.Observe(cometmetrics.OutcomeBadRequest)
	}
}

// mergedEvent pairs a published Event with the Channel it arrived on.
type mergedEvent struct {
	ch *channel.Channel
	ev channel.Event
}

// wait implements the wait phase of §4.4: subscribe to every active
// channel, race the merged event stream against the timeout and the
// request's cancellation, decrement listener counts before committing the
// response, then encode and write it, reporting outcomes once the write
// finishes.
func (h *Handler) wait(w http.ResponseWriter, r *http.Request, sub wire.Subscription, log zerolog.Logger) cometmetrics.Outcome {
	timeout := h.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	log.Debug().Int("active", len(sub.Active)).Int("ended", len(sub.Ended)).Msg("entering wait phase")

	events := make([]<-chan channel.Event, len(sub.Active))
	cancels := make([]func(), len(sub.Active))
	for i, c := range sub.Active {
		events[i], cancels[i] = c.Subscribe()
		c.AddListeners(1)
	}

	collected := raceWait(sub.Active, events, timeout, r.Context().Done())

	// The decrement and unsubscribe MUST happen before the response body
	// is committed to the network, so the listener count stays accurate
	// while the producer may still be publishing (§4.4, §5).
	for i, c := range sub.Active {
		c.AddListeners(-1)
		cancels[i]()
	}

	if r.Context().Err() != nil {
		// Client already gone; nothing to write, nothing to report since
		// no event from this wait was ever transmitted.
		return cometmetrics.OutcomeCanceled
	}

	if collected == nil {
		writeResponse(w, wire.Encode(sub.Ended, nil))
		return cometmetrics.OutcomeTimeout
	}

	eventsOut := make([]wire.EventOut, len(collected))
	for i, m := range collected {
		eventsOut[i] = wire.EventOut{ChannelID: m.ch.ID(), Payload: m.ev.Payload, Tag: m.ev.Tag}
	}

	ok := writeResponse(w, wire.Encode(sub.Ended, eventsOut))
	for _, m := range collected {
		if m.ev.Tag == nil {
			continue
		}
		if ok {
			m.ch.ReportOutcome(channel.Delivered, *m.ev.Tag)
		} else {
			m.ch.ReportOutcome(channel.Failed, *m.ev.Tag)
		}
	}
	if ok {
		return cometmetrics.OutcomeDelivered
	}
	return cometmetrics.OutcomeFailed
}

// raceWait selects over every subscribed channel's mailbox plus the
// timeout and request-cancellation arms. On the first event it also drains
// (non-blockingly) any other mailbox that already has an event ready, so
// events that arrive in the same instant are not lost — matching the
// "accumulate all simultaneous events" contract. Returns nil on timeout or
// cancellation.
func raceWait(active []*channel.Channel, events []<-chan channel.Event, timeout time.Duration, done <-chan struct{}) []mergedEvent {
	n := len(events)
	cases := make([]reflect.SelectCase, 0, n+2)
	for _, e := range events {
		cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(e)})
	}
	timeoutCh := time.After(timeout)
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(timeoutCh)})
	cases = append(cases, reflect.SelectCase{Dir: reflect.SelectRecv, Chan: reflect.ValueOf(done)})

	chosen, recv, ok := reflect.Select(cases)
	if chosen >= n || !ok {
		return nil
	}

	collected := []mergedEvent{{ch: active[chosen], ev: recv.Interface().(channel.Event)}}
	for i, e := range events {
		if i == chosen {
			continue
		}
		select {
		case ev, ok := <-e:
			if ok {
				collected = append(collected, mergedEvent{ch: active[i], ev: ev})
			}
		default:
		}
	}
	return collected
}

// writeResponse writes the framed body with the fixed comet headers and no
// Content-Length (the body is streamed, not pre-sized). Returns whether the
// write succeeded, which the caller uses to choose delivered vs. failed
// outcomes.
func writeResponse(w http.ResponseWriter, body []byte) bool {
	w.Header().Set("Content-Type", wire.ResponseContentType)
	w.WriteHeader(http.StatusOK)
	// Flushing the headers before the body keeps net/http from computing
	// a Content-Length for small bodies.
	if f, ok := w.(http.Flusher); ok {
		f.Flush()
	}
	_, err := w.Write(body)
	return err == nil
}
