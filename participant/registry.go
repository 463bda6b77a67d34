package participant

import (
	"sync"

	"github.com/sirupsen/logrus"
)

// Registry is an ordered, keyed participant collection safe for
// concurrent use.
type Registry struct {
	mu     sync.Mutex
	local  *Participant
	order  []string
	remote map[string]*Participant

	subMu  sync.Mutex
	nextID int
	subs   map[int]func([]Participant)
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		remote: make(map[string]*Participant),
		subs:   make(map[int]func([]Participant)),
	}
}

// UpsertLocal merges u into the local participant, creating it on first
// use.
func (r *Registry) UpsertLocal(u Update) {
	r.mu.Lock()
	created := false
	if r.local == nil {
		r.local = &Participant{ID: LocalID, ConnectionStatus: StatusConnected}
		created = true
	}
	changed := u.apply(r.local) || created
	r.mu.Unlock()

	if created {
		logrus.WithFields(logrus.Fields{
			"function": "UpsertLocal",
		}).Debug("Local participant created")
	}
	if changed {
		r.notify()
	}
}

// UpsertRemote merges u into a remote participant. Unknown ids are
// appended to the roster.
func (r *Registry) UpsertRemote(id string, u Update) error {
	if id == "" {
		return ErrEmptyID
	}
	if id == LocalID {
		return ErrReservedID
	}

	r.mu.Lock()
	p, ok := r.remote[id]
	if !ok {
		p = &Participant{ID: id}
		r.remote[id] = p
		r.order = append(r.order, id)
	}
	changed := u.apply(p) || !ok
	r.mu.Unlock()

	if !ok {
		logrus.WithFields(logrus.Fields{
			"function":       "UpsertRemote",
			"participant_id": id,
		}).Info("Remote participant joined")
	}
	if changed {
		r.notify()
	}
	return nil
}

// Remove drops a remote participant. Unknown ids are ignored.
func (r *Registry) Remove(id string) error {
	if id == LocalID {
		return ErrLocalRemoval
	}

	r.mu.Lock()
	_, ok := r.remote[id]
	if ok {
		delete(r.remote, id)
		for i, oid := range r.order {
			if oid == id {
				r.order = append(r.order[:i], r.order[i+1:]...)
				break
			}
		}
	}
	r.mu.Unlock()

	if ok {
		logrus.WithFields(logrus.Fields{
			"function":       "Remove",
			"participant_id": id,
		}).Info("Remote participant removed")
		r.notify()
	}
	return nil
}

// Clear removes everyone, the local participant included. It is part of
// session teardown only.
func (r *Registry) Clear() {
	r.mu.Lock()
	empty := r.local == nil && len(r.order) == 0
	r.local = nil
	r.order = nil
	r.remote = make(map[string]*Participant)
	r.mu.Unlock()

	if !empty {
		r.notify()
	}
}

// Snapshot returns a copy of the roster: the local participant first,
// then remote participants in join order.
func (r *Registry) Snapshot() []Participant {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.snapshotLocked()
}

// Get returns a copy of one participant.
func (r *Registry) Get(id string) (Participant, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if id == LocalID {
		if r.local == nil {
			return Participant{}, false
		}
		return *r.local, true
	}
	p, ok := r.remote[id]
	if !ok {
		return Participant{}, false
	}
	return *p, true
}

// Len returns the number of participants.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.order)
	if r.local != nil {
		n++
	}
	return n
}

// Subscribe registers fn to receive a snapshot after every change. fn is
// called without registry locks held. The returned function unsubscribes.
func (r *Registry) Subscribe(fn func([]Participant)) (cancel func()) {
	r.subMu.Lock()
	id := r.nextID
	r.nextID++
	r.subs[id] = fn
	r.subMu.Unlock()

	return func() {
		r.subMu.Lock()
		delete(r.subs, id)
		r.subMu.Unlock()
	}
}

func (r *Registry) snapshotLocked() []Participant {
	out := make([]Participant, 0, len(r.order)+1)
	if r.local != nil {
		out = append(out, *r.local)
	}
	for _, id := range r.order {
		out = append(out, *r.remote[id])
	}
	return out
}

func (r *Registry) notify() {
	r.subMu.Lock()
	if len(r.subs) == 0 {
		r.subMu.Unlock()
		return
	}
	fns := make([]func([]Participant), 0, len(r.subs))
	for _, fn := range r.subs {
		fns = append(fns, fn)
	}
	r.subMu.Unlock()

	snapshot := r.Snapshot()
	for _, fn := range fns {
		fn(snapshot)
	}
}
