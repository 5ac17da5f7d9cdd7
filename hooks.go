package symbiosome

// Hooks are the engine's observation points. Every field is optional; a
// nil hook is replaced by a no-op so call sites never guard. Hooks fire on
// the engine's goroutines and must not block.
type Hooks struct {
	// OnListenToOrigin fires when a listener is registered, including the
	// instance's own self-announcement at startup.
	OnListenToOrigin func(origin Origin)

	// OnPortalAdded fires when a portal to a remote origin is established.
	OnPortalAdded func(origin Origin)

	// OnPushedMessage fires after a push is accepted for delivery. Receipt
	// is not observable; this reports the attempt, not the outcome.
	OnPushedMessage func(origin Origin, message []byte)

	// OnListenerRemoved fires when a listener registration is withdrawn.
	OnListenerRemoved func(origin Origin)

	// OnPortalRemoved fires when a portal is torn down.
	OnPortalRemoved func(origin Origin)

	// Debug receives diagnostic traces that are not errors: dropped
	// unauthenticated deliveries, publishes nobody listens to.
	Debug func(msg string, data any)
}

func (h Hooks) withDefaults() Hooks {
	if h.OnListenToOrigin == nil {
		h.OnListenToOrigin = func(Origin) {}
	}
	if h.OnPortalAdded == nil {
		h.OnPortalAdded = func(Origin) {}
	}
	if h.OnPushedMessage == nil {
		h.OnPushedMessage = func(Origin, []byte) {}
	}
	if h.OnListenerRemoved == nil {
		h.OnListenerRemoved = func(Origin) {}
	}
	if h.OnPortalRemoved == nil {
		h.OnPortalRemoved = func(Origin) {}
	}
	if h.Debug == nil {
		h.Debug = func(string, any) {}
	}
	return h
}
