package task

import (
	"sort"
	"sync"
)

// Listener receives task lifecycle events. All callbacks are delivered on a
// single dedicated notification goroutine, so implementations need no
// locking of their own; events for the same record arrive in the order they
// were produced.
type Listener interface {
	OnAdded(s Snapshot)
	OnUpdated(s Snapshot)
	OnRemoved(s Snapshot)
}

type eventKind int

const (
	eventAdded eventKind = iota
	eventUpdated
	eventRemoved
)

type event struct {
	kind eventKind
	snap Snapshot
}

// Registry holds the authoritative set of task records and fans lifecycle
// events out to listeners. All methods are safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	records   map[string]*Record
	listeners []Listener

	events    chan event
	quit      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

const eventBuffer = 256

// NewRegistry creates a registry and starts its notification loop.
func NewRegistry() *Registry {
	r := &Registry{
		records: make(map[string]*Record),
		events:  make(chan event, eventBuffer),
		quit:    make(chan struct{}),
	}
	r.wg.Add(1)
	go r.dispatch()
	return r
}

// AddListener registers a listener for subsequent events.
func (r *Registry) AddListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, l)
}

// RemoveListener unregisters a previously added listener.
func (r *Registry) RemoveListener(l Listener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, existing := range r.listeners {
		if existing == l {
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Add inserts a record and fires OnAdded. Adding a record that is already
// present is a no-op.
func (r *Registry) Add(rec *Record) {
	r.mu.Lock()
	if _, ok := r.records[rec.ID()]; ok {
		r.mu.Unlock()
		return
	}
	r.records[rec.ID()] = rec
	r.mu.Unlock()
	r.emit(event{kind: eventAdded, snap: rec.Snapshot()})
}

// Remove deletes a record if present and fires OnRemoved. Removing twice is
// a no-op the second time.
func (r *Registry) Remove(rec *Record) bool {
	r.mu.Lock()
	if _, ok := r.records[rec.ID()]; !ok {
		r.mu.Unlock()
		return false
	}
	delete(r.records, rec.ID())
	r.mu.Unlock()
	r.emit(event{kind: eventRemoved, snap: rec.Snapshot()})
	return true
}

// NotifyUpdated fires OnUpdated with a fresh snapshot, without mutating
// membership. Updates for records no longer registered are dropped.
func (r *Registry) NotifyUpdated(rec *Record) {
	r.mu.RLock()
	_, ok := r.records[rec.ID()]
	r.mu.RUnlock()
	if !ok {
		return
	}
	r.emit(event{kind: eventUpdated, snap: rec.Snapshot()})
}

// List returns snapshots of every record, newest first. Safe to iterate
// while mutations occur concurrently.
func (r *Registry) List() []Snapshot {
	r.mu.RLock()
	snaps := make([]Snapshot, 0, len(r.records))
	for _, rec := range r.records {
		snaps = append(snaps, rec.Snapshot())
	}
	r.mu.RUnlock()

	sort.Slice(snaps, func(i, j int) bool {
		if !snaps[i].CreatedAt.Equal(snaps[j].CreatedAt) {
			return snaps[i].CreatedAt.After(snaps[j].CreatedAt)
		}
		return snaps[i].ID < snaps[j].ID
	})
	return snaps
}

// find returns the live record for an id, or nil.
func (r *Registry) find(id string) *Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.records[id]
}

// all returns the live records in no particular order.
func (r *Registry) all() []*Record {
	r.mu.RLock()
	defer r.mu.RUnlock()
	recs := make([]*Record, 0, len(r.records))
	for _, rec := range r.records {
		recs = append(recs, rec)
	}
	return recs
}

func (r *Registry) emit(e event) {
	select {
	case r.events <- e:
	case <-r.quit:
	}
}

func (r *Registry) dispatch() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.events:
			r.deliver(e)
		case <-r.quit:
			// drain whatever is already queued, then exit
			for {
				select {
				case e := <-r.events:
					r.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Registry) deliver(e event) {
	r.mu.RLock()
	listeners := append([]Listener(nil), r.listeners...)
	r.mu.RUnlock()

	for _, l := range listeners {
		switch e.kind {
		case eventAdded:
			l.OnAdded(e.snap)
		case eventUpdated:
			l.OnUpdated(e.snap)
		case eventRemoved:
			l.OnRemoved(e.snap)
		}
	}
}

// Close stops the notification loop after draining queued events.
// Idempotent.
func (r *Registry) Close() {
	r.closeOnce.Do(func() { close(r.quit) })
	r.wg.Wait()
}
