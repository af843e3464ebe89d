package channel_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/cometproto/cometd/pkg/channel"
)

func tag(v int64) *int64 { return &v }

func TestNewChannelHasZeroListeners(t *testing.T) {
	c := channel.New("test")
	assert.Equal(t, "test", c.ID())
	assert.EqualValues(t, 0, c.Listeners())
	assert.EqualValues(t, 0, c.Stats().Published)
}

func TestSubscribeOnlySeesEventsPublishedAfter(t *testing.T) {
	c := channel.New("test")

	// Publish before any subscriber exists: must not be buffered.
	c.Publish(channel.Event{Payload: []byte("before")})

	events, cancel := c.Subscribe()
	defer cancel()

	select {
	case e := <-events:
		t.Fatalf("unexpected event delivered to a fresh subscriber: %+v", e)
	case <-time.After(20 * time.Millisecond):
	}

	c.Publish(channel.Event{Payload: []byte("after")})
	select {
	case e := <-events:
		assert.Equal(t, []byte("after"), e.Payload)
	case <-time.After(time.Second):
		t.Fatal("expected the post-subscribe publish to be delivered")
	}
}

func TestBroadcastToAllWaiters(t *testing.T) {
	c := channel.New("A")

	const n = 5
	var receivers []<-chan channel.Event
	var cancels []func()
	for i := 0; i < n; i++ {
		ev, cancel := c.Subscribe()
		receivers = append(receivers, ev)
		cancels = append(cancels, cancel)
	}
	defer func() {
		for _, cancel := range cancels {
			cancel()
		}
	}()

	c.Publish(channel.Event{Payload: []byte("y"), Tag: tag(1)})

	var wg sync.WaitGroup
	wg.Add(n)
	for _, ev := range receivers {
		ev := ev
		go func() {
			defer wg.Done()
			select {
			case e := <-ev:
				assert.Equal(t, []byte("y"), e.Payload)
			case <-time.After(time.Second):
				t.Error("waiter never saw the broadcast event")
			}
		}()
	}
	wg.Wait()
}

func TestListenerAccountingReturnsToZero(t *testing.T) {
	c := channel.New("A")

	const n = 20
	var wg sync.WaitGroup
	wg.Add(n)
	for i := 0; i < n; i++ {
		go func() {
			defer wg.Done()
			c.AddListeners(1)
			time.Sleep(time.Millisecond)
			c.AddListeners(-1)
		}()
	}
	wg.Wait()

	assert.EqualValues(t, 0, c.Listeners())
}

func TestOutcomeLivenessForTaggedEvent(t *testing.T) {
	c := channel.New("A")
	c.ReportOutcome(channel.Delivered, 7)

	select {
	case o := <-c.Outcomes():
		assert.Equal(t, channel.Delivered, o.Result)
		assert.EqualValues(t, 7, o.Tag)
	case <-time.After(time.Second):
		t.Fatal("expected an outcome for the tagged event")
	}
}

func TestUntaggedEventsNeverProduceOutcomes(t *testing.T) {
	c := channel.New("A")
	// Untagged events are simply never reported: there is nothing to
	// assert other than that nobody calls ReportOutcome for them, which
	// is enforced at the handler layer (see pkg/comet). Here we only
	// confirm that publishing an untagged event leaves the outcomes
	// stream empty absent a report.
	c.Publish(channel.Event{Payload: []byte("x")})
	select {
	case o := <-c.Outcomes():
		t.Fatalf("unexpected outcome after an untagged publish: %+v", o)
	case <-time.After(20 * time.Millisecond):
	}
}

func TestStatsCountersAdvance(t *testing.T) {
	c := channel.New("A")
	c.Publish(channel.Event{Payload: []byte("x")})
	c.Publish(channel.Event{Payload: []byte("y")})
	c.ReportOutcome(channel.Delivered, 1)
	c.ReportOutcome(channel.Failed, 2)

	s := c.Stats()
	assert.EqualValues(t, 2, s.Published)
	assert.EqualValues(t, 1, s.Delivered)
	assert.EqualValues(t, 1, s.Failed)
	assert.False(t, s.Created.IsZero())
}
