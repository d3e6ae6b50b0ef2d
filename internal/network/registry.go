package network

import (
	"fmt"
	"net"
	"sort"
	"strings"
	"sync"

	"github.com/banshee-data/csi-sense/internal/csi"
)

// Consumer receives decoded frames for one station. Consumers run on the
// dispatch pool and take ownership of the frame.
type Consumer func(csi.Frame)

type consumerEntry struct {
	id int
	fn Consumer
}

// Registry holds the active links and their consumers. It is created at
// startup and handed to the demultiplexer; all methods are safe for
// concurrent use.
type Registry struct {
	mu        sync.RWMutex
	links     map[string]Link
	byIP      map[string][]*StationLink
	consumers map[string]map[csi.Kind][]consumerEntry
	nextID    int
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		links:     make(map[string]Link),
		byIP:      make(map[string][]*StationLink),
		consumers: make(map[string]map[csi.Kind][]consumerEntry),
	}
}

func hwKey(hw string) string { return strings.ToLower(hw) }

// Add registers l under its station's hardware address.
func (r *Registry) Add(l Link) error {
	key := hwKey(l.Station().HWAddress)
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.links[key]; ok {
		return fmt.Errorf("network: link for %s already registered", key)
	}
	r.links[key] = l
	if sl, ok := l.(*StationLink); ok {
		ip := sl.Addr().IP.String()
		r.byIP[ip] = append(r.byIP[ip], sl)
	}
	return nil
}

// Remove drops the link for hw and its consumers. It returns the removed
// link, or nil.
func (r *Registry) Remove(hw string) Link {
	key := hwKey(hw)
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.links[key]
	if !ok {
		return nil
	}
	delete(r.links, key)
	delete(r.consumers, key)
	if sl, ok := l.(*StationLink); ok {
		ip := sl.Addr().IP.String()
		kept := r.byIP[ip][:0:0]
		for _, other := range r.byIP[ip] {
			if other != sl {
				kept = append(kept, other)
			}
		}
		if len(kept) == 0 {
			delete(r.byIP, ip)
		} else {
			r.byIP[ip] = kept
		}
	}
	return l
}

// Get returns the link for hw.
func (r *Registry) Get(hw string) (Link, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.links[hwKey(hw)]
	return l, ok
}

// Lookup returns the UDP links whose station address matches ip. The
// returned slice is a copy.
func (r *Registry) Lookup(ip net.IP) []*StationLink {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]*StationLink(nil), r.byIP[ip.String()]...)
}

// Links returns all links ordered by hardware address.
func (r *Registry) Links() []Link {
	r.mu.RLock()
	out := make([]Link, 0, len(r.links))
	for _, l := range r.links {
		out = append(out, l)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].Station().HWAddress < out[j].Station().HWAddress
	})
	return out
}

// Range calls fn for each link until it returns false. The lock is not held
// while fn runs.
func (r *Registry) Range(fn func(Link) bool) {
	for _, l := range r.Links() {
		if !fn(l) {
			return
		}
	}
}

// Len returns the number of registered links.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.links)
}

// AddConsumer subscribes fn to frames of kind from station hw. The returned
// function removes it.
func (r *Registry) AddConsumer(hw string, kind csi.Kind, fn Consumer) (remove func()) {
	key := hwKey(hw)
	r.mu.Lock()
	r.nextID++
	id := r.nextID
	byKind := r.consumers[key]
	if byKind == nil {
		byKind = make(map[csi.Kind][]consumerEntry)
		r.consumers[key] = byKind
	}
	byKind[kind] = append(byKind[kind], consumerEntry{id: id, fn: fn})
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entries := r.consumers[key][kind]
		for i, e := range entries {
			if e.id == id {
				r.consumers[key][kind] = append(entries[:i:i], entries[i+1:]...)
				return
			}
		}
	}
}

// Consumers returns a snapshot of the consumers of kind for hw.
func (r *Registry) Consumers(hw string, kind csi.Kind) []Consumer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := r.consumers[hwKey(hw)][kind]
	if len(entries) == 0 {
		return nil
	}
	out := make([]Consumer, len(entries))
	for i, e := range entries {
		out[i] = e.fn
	}
	return out
}
