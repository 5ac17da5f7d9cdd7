package symbiosome

import "sync"

// originRegistry holds the two engine-owned maps: origin → listener handler
// and origin → portal connection. Entries live until explicitly removed or
// until the owning engine shuts down; there is no eviction and no TTL.
type originRegistry struct {
	self Origin

	lk        sync.Mutex
	listeners map[Origin]Handler
	portals   map[Origin]PortalConn
}

func newOriginRegistry(self Origin) *originRegistry {
	return &originRegistry{
		self:      self,
		listeners: make(map[Origin]Handler),
		portals:   make(map[Origin]PortalConn),
	}
}

func (r *originRegistry) addListener(origin Origin, handler Handler) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, has := r.listeners[origin]; has {
		return ErrDuplicateOrigin
	}
	r.listeners[origin] = handler
	return nil
}

func (r *originRegistry) listener(origin Origin) (Handler, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	handler, has := r.listeners[origin]
	return handler, has
}

func (r *originRegistry) removeListener(origin Origin) error {
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, has := r.listeners[origin]; !has {
		return ErrNotFound
	}
	delete(r.listeners, origin)
	return nil
}

func (r *originRegistry) addPortal(origin Origin, conn PortalConn) error {
	if origin == r.self {
		return ErrSelfOrigin
	}
	r.lk.Lock()
	defer r.lk.Unlock()
	if _, has := r.portals[origin]; has {
		return ErrDuplicateOrigin
	}
	r.portals[origin] = conn
	return nil
}

func (r *originRegistry) portal(origin Origin) (PortalConn, bool) {
	r.lk.Lock()
	defer r.lk.Unlock()
	conn, has := r.portals[origin]
	return conn, has
}

func (r *originRegistry) hasPortal(origin Origin) bool {
	r.lk.Lock()
	defer r.lk.Unlock()
	_, has := r.portals[origin]
	return has
}

// removePortal unregisters the portal and hands its connection back to the
// caller, who is responsible for tearing it down.
func (r *originRegistry) removePortal(origin Origin) (PortalConn, error) {
	r.lk.Lock()
	defer r.lk.Unlock()
	conn, has := r.portals[origin]
	if !has {
		return nil, ErrNotFound
	}
	delete(r.portals, origin)
	return conn, nil
}

// allKnownOrigins returns the union of listener and portal keys, each origin
// appearing once even when present in both maps. Order is unspecified.
func (r *originRegistry) allKnownOrigins() []Origin {
	r.lk.Lock()
	defer r.lk.Unlock()
	seen := make(map[Origin]struct{}, len(r.listeners)+len(r.portals))
	origins := make([]Origin, 0, len(r.listeners)+len(r.portals))
	for origin := range r.listeners {
		seen[origin] = struct{}{}
		origins = append(origins, origin)
	}
	for origin := range r.portals {
		if _, dup := seen[origin]; !dup {
			origins = append(origins, origin)
		}
	}
	return origins
}

// drainPortals empties the portal map and returns the connections so the
// engine can tear them down on shutdown.
func (r *originRegistry) drainPortals() []PortalConn {
	r.lk.Lock()
	defer r.lk.Unlock()
	conns := make([]PortalConn, 0, len(r.portals))
	for origin, conn := range r.portals {
		conns = append(conns, conn)
		delete(r.portals, origin)
	}
	return conns
}

func (r *originRegistry) sizes() (listeners int, portals int) {
	r.lk.Lock()
	defer r.lk.Unlock()
	return len(r.listeners), len(r.portals)
}
