// Package bus implements the same-origin local bus: a process-visible
// publish/subscribe primitive addressed by a logical channel name, shared
// by every execution context of one origin.
//
// Two implementations are provided: an in-process `Hub` (the shared,
// fake-able primitive the engine uses by default) and a
// memberlist-gossip-backed `Gossip` bus that extends fan-out to every
// same-origin process on the network segment.
package bus

import "errors"

var (
	ErrBusClosed       = errors.New("bus: closed")
	ErrChannelRequired = errors.New("bus: a channel name is required")
	ErrEnvelopeInvalid = errors.New("bus: malformed envelope")
)

// Envelope is the unit of local fan-out: an opaque payload tagged with the
// canonical origin it is addressed to. The bus never inspects Data.
type Envelope struct {
	ID     string
	Origin string
	Data   []byte
}

// Handler receives every envelope published on a subscribed channel,
// including envelopes published by the subscriber's own instance.
type Handler func(Envelope)

// Bus is one logical channel of the local fan-out primitive.
//
// Publish is asynchronous and best-effort: delivery is at-most-once per
// subscriber per publish, FIFO per publisher, and a slow subscriber loses
// messages rather than applying back-pressure.
type Bus interface {
	Publish(Envelope) error
	Subscribe(Handler) (cancel func(), err error)
	Close() error
}
