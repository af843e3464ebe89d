// Package wire implements the comet wire codec: decoding a subscription
// request from an HTTP POST body, and encoding the framed response body.
package wire

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/cometproto/cometd/pkg/channel"
	"github.com/cometproto/cometd/pkg/registry"
)

// Wire-level constants, exact per the protocol this engine speaks.
const (
	ChannelSeparator    = "\n"
	FieldSeparator      = ":"
	EndedSentinel       = "ENDED_CHANNEL"
	RegistrationParam   = "registration"
	ContentTypeMarker   = "application/x-ocsigen-comet"
	ResponseContentType = "text/html"
)

// ErrInputTooLarge is returned by Decode when the request body exceeds
// maxBodyBytes.
var ErrInputTooLarge = errors.New("wire: input too large")

// ErrBadRequest is returned by Decode when the body cannot be parsed as
// URL-form-encoded data.
var ErrBadRequest = errors.New("wire: malformed request body")

// Subscription is the decoded pair of live channels and unknown ids from a
// registration request. Order mirrors the caller's registration list.
type Subscription struct {
	Active []*channel.Channel
	Ended  []string
}

// Decode reads r's POST body, extracts every occurrence of the
// "registration" form parameter (concatenated in order), splits each on
// the newline channel separator, and resolves every id against reg.
//
// An absent body yields an empty Subscription (not an error). A body
// larger than maxBodyBytes (0 = unbounded, left to the host) yields
// ErrInputTooLarge. Malformed URL encoding yields ErrBadRequest.
func Decode(r *http.Request, reg *registry.Registry, maxBodyBytes int64) (Subscription, error) {
	body, err := readBody(r, maxBodyBytes)
	if err != nil {
		return Subscription{}, err
	}

	values, err := url.ParseQuery(string(body))
	if err != nil {
		return Subscription{}, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}

	var sub Subscription
	for _, occurrence := range values[RegistrationParam] {
		for _, id := range strings.Split(occurrence, ChannelSeparator) {
			if id == "" {
				continue
			}
			if c, err := reg.Find(id); err == nil {
				sub.Active = append(sub.Active, c)
			} else {
				sub.Ended = append(sub.Ended, id)
			}
		}
	}
	return sub, nil
}

func readBody(r *http.Request, maxBodyBytes int64) ([]byte, error) {
	if r.Body == nil {
		return nil, nil
	}
	reader := io.Reader(r.Body)
	if maxBodyBytes > 0 {
		// Read one byte past the limit so we can distinguish "exactly at
		// the limit" from "over the limit" without trusting Content-Length.
		reader = io.LimitReader(r.Body, maxBodyBytes+1)
	}
	body, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadRequest, err)
	}
	if maxBodyBytes > 0 && int64(len(body)) > maxBodyBytes {
		return nil, ErrInputTooLarge
	}
	return body, nil
}

// EventOut is one delivered event ready to be framed into a response body.
type EventOut struct {
	ChannelID string
	Payload   []byte
	Tag       *int64
}

// Encode formats the response body. events == nil means "absent" (the
// timeout-with-no-fire case); a non-nil, possibly empty events means the
// wait resolved on a publish.
//
// Framing (verbatim per the protocol, including the legacy quirk of
// joining the two sections with a bare field separator rather than a
// channel separator when both are present — see DESIGN.md):
//
//	events absent, ended empty   -> ""
//	events absent, ended non-empty -> ended notices joined by "\n"
//	events present, ended empty  -> "id:payload" lines joined by "\n"
//	events present, ended non-empty -> endedBody + ":" + eventsBody
func Encode(ended []string, events []EventOut) []byte {
	endedBody := encodeEnded(ended)
	if events == nil {
		return []byte(endedBody)
	}
	eventsBody := encodeEvents(events)
	if len(ended) == 0 {
		return []byte(eventsBody)
	}
	return []byte(endedBody + FieldSeparator + eventsBody)
}

func encodeEnded(ended []string) string {
	items := make([]string, len(ended))
	for i, id := range ended {
		items[i] = id + FieldSeparator + EndedSentinel
	}
	return strings.Join(items, ChannelSeparator)
}

func encodeEvents(events []EventOut) string {
	items := make([]string, len(events))
	for i, e := range events {
		items[i] = e.ChannelID + FieldSeparator + percentEncode(e.Payload)
	}
	return strings.Join(items, ChannelSeparator)
}

// percentEncode is standard percent-encoding with spaces as %20 rather
// than the form-encoding "+" that url.QueryEscape produces.
func percentEncode(payload []byte) string {
	return strings.ReplaceAll(url.QueryEscape(string(payload)), "+", "%20")
}
