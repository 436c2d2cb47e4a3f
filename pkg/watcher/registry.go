package watcher

import (
	"sort"
	"time"
)

// registry is the shared subscription state. It is not safe for concurrent
// use on its own; Watcher guards every call with its mutex.
type registry struct {
	// byConn and byChannel are two views of the same relation:
	// conn ∈ byChannel[ch] iff ch ∈ byConn[conn].
	byConn    map[Connection]map[string]time.Time
	byChannel map[string]map[Connection]struct{}

	// listeners holds the running listener for a channel while it has subscribers.
	listeners map[string]*listener
}

func newRegistry() *registry {
	return &registry{
		byConn:    make(map[Connection]map[string]time.Time),
		byChannel: make(map[string]map[Connection]struct{}),
		listeners: make(map[string]*listener),
	}
}

// add inserts or refreshes a subscription.
func (r *registry) add(conn Connection, channel string, expiresAt time.Time) {
	subs, ok := r.byConn[conn]
	if !ok {
		subs = make(map[string]time.Time)
		r.byConn[conn] = subs
	}
	subs[channel] = expiresAt

	set, ok := r.byChannel[channel]
	if !ok {
		set = make(map[Connection]struct{})
		r.byChannel[channel] = set
	}
	set[conn] = struct{}{}
}

// remove deletes a single subscription. It reports whether channel is now empty
// as a result of this call.
func (r *registry) remove(conn Connection, channel string) (emptied bool) {
	subs, ok := r.byConn[conn]
	if !ok {
		return false
	}
	if _, ok := subs[channel]; !ok {
		return false
	}
	delete(subs, channel)
	if len(subs) == 0 {
		delete(r.byConn, conn)
	}

	set := r.byChannel[channel]
	delete(set, conn)
	if len(set) == 0 {
		delete(r.byChannel, channel)
		return true
	}
	return false
}

// removeAll deletes every subscription held by conn and returns the channels it emptied.
func (r *registry) removeAll(conn Connection) []string {
	subs, ok := r.byConn[conn]
	if !ok {
		return nil
	}
	var emptied []string
	for channel := range subs {
		set := r.byChannel[channel]
		delete(set, conn)
		if len(set) == 0 {
			delete(r.byChannel, channel)
			emptied = append(emptied, channel)
		}
	}
	delete(r.byConn, conn)
	return emptied
}

// refresh moves an existing subscription's deadline. Unknown pairs are ignored.
func (r *registry) refresh(conn Connection, channel string, expiresAt time.Time) bool {
	subs, ok := r.byConn[conn]
	if !ok {
		return false
	}
	if _, ok := subs[channel]; !ok {
		return false
	}
	subs[channel] = expiresAt
	return true
}

// expiresAt returns the subscription deadline, if the subscription exists.
func (r *registry) expiresAt(conn Connection, channel string) (time.Time, bool) {
	t, ok := r.byConn[conn][channel]
	return t, ok
}

// alive is the single source of truth for "is this subscription live at now".
func (r *registry) alive(conn Connection, channel string, now time.Time) bool {
	t, ok := r.expiresAt(conn, channel)
	return ok && now.Before(t)
}

// recipients splits channel's subscribers into those still live at now and those whose TTL lapsed.
func (r *registry) recipients(channel string, now time.Time) (live, lapsed []Connection) {
	for conn := range r.byChannel[channel] {
		if r.alive(conn, channel, now) {
			live = append(live, conn)
		} else {
			lapsed = append(lapsed, conn)
		}
	}
	return live, lapsed
}

// expired lists every subscription whose deadline is not after now, grouped by connection.
func (r *registry) expired(now time.Time) map[Connection][]string {
	out := make(map[Connection][]string)
	for conn, subs := range r.byConn {
		for channel, t := range subs {
			if !now.Before(t) {
				out[conn] = append(out[conn], channel)
			}
		}
	}
	return out
}

// orphans lists channels that have subscribers but no registered listener.
func (r *registry) orphans() []string {
	var out []string
	for channel := range r.byChannel {
		if _, ok := r.listeners[channel]; !ok {
			out = append(out, channel)
		}
	}
	sort.Strings(out)
	return out
}

func (r *registry) channelsOf(conn Connection) []string {
	out := make([]string, 0, len(r.byConn[conn]))
	for channel := range r.byConn[conn] {
		out = append(out, channel)
	}
	sort.Strings(out)
	return out
}
