package events

import (
	"encoding/json"

	"github.com/luxfi/log"
	"github.com/nats-io/nats.go"

	"github.com/luxfi/perps/pkg/perps"
)

// SubjectPrefix is prepended to every published event type, so a
// "position.liquidated" event lands on "perps.position.liquidated".
const SubjectPrefix = "perps."

// NATS publishes engine events as JSON messages. Publishing is best
// effort: a broker failure is logged and dropped, never surfaced into the
// engine's critical section.
type NATS struct {
	nc     *nats.Conn
	logger log.Logger
}

// NewNATS wraps an established NATS connection.
func NewNATS(nc *nats.Conn, logger log.Logger) *NATS {
	return &NATS{nc: nc, logger: logger}
}

// Publish marshals the event and publishes it on its type-derived subject.
func (n *NATS) Publish(ev perps.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		n.logger.Error("failed to marshal event", "type", ev.EventType(), "error", err)
		return
	}
	if err := n.nc.Publish(SubjectPrefix+ev.EventType(), data); err != nil {
		n.logger.Error("failed to publish event", "type", ev.EventType(), "error", err)
	}
}
