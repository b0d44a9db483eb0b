// Package events fans integrity events out to the live channel and the
// durable log. The two sinks are independent and not transactional.
package events

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/proctorlink/proctorlink/internal/core"
	"github.com/proctorlink/proctorlink/internal/domain"
)

const logTimeout = 5 * time.Second

// Broadcaster is the subset of the signal channel the bus needs.
type Broadcaster interface {
	Send(msgType string, payload any) error
}

// Bus implements core.EventSink.
type Bus struct {
	channel Broadcaster
	store   core.SessionLog
}

var _ core.EventSink = (*Bus)(nil)

func NewBus(channel Broadcaster, store core.SessionLog) *Bus {
	return &Bus{channel: channel, store: store}
}

// Publish broadcasts the event for the live timeline and persists it. A
// failure of either sink never blocks the other, and log delivery failures
// never interrupt the call.
func (b *Bus) Publish(ev domain.IntegrityEvent) {
	if err := b.channel.Send(domain.MsgEvent, ev); err != nil {
		log.Warn().Err(err).Str("module", "events").Str("type", string(ev.Type)).Msg("live broadcast failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), logTimeout)
	defer cancel()
	if err := b.store.LogEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("module", "events").Str("type", string(ev.Type)).Msg("durable log failed")
	}
}
