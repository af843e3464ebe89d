// Package demo runs an in-process heartbeat producer, useful for exercising
// a freshly started server without a separate client.
package demo

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/cometproto/cometd/pkg/channel"
	"github.com/cometproto/cometd/pkg/cometlog"
	"github.com/cometproto/cometd/pkg/registry"
)

// Heartbeat creates one channel in reg and publishes an incrementing,
// tagged counter event to it every interval until ctx is canceled. It
// returns the channel's id so the caller can print it for demo clients to
// register against.
func Heartbeat(ctx context.Context, reg *registry.Registry, interval time.Duration) (string, error) {
	c, err := reg.Create()
	if err != nil {
		return "", err
	}

	instanceID := uuid.NewString()
	log := cometlog.WithChannel(c.ID())
	log.Info().Str("instance", instanceID).Msg("demo heartbeat producer started")

	go func() {
		defer reg.Destroy(c)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var tick int64
		for {
			select {
			case <-ctx.Done():
				log.Info().Msg("demo heartbeat producer stopped")
				return
			case <-ticker.C:
				tag := tick
				c.Publish(buildEvent(instanceID, tick, tag))
				tick++
			}
		}
	}()

	return c.ID(), nil
}

func buildEvent(instanceID string, tick, tag int64) channel.Event {
	return channel.Event{
		Payload: []byte(fmt.Sprintf("%s tick=%d", instanceID, tick)),
		Tag:     &tag,
	}
}
