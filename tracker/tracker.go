// Package tracker remembers which host overrides and port-forward rules are
// known to exist on the firewall. It is a cache of remote state: it is seeded
// once at startup and only grows afterwards.
package tracker

import (
	"github.com/patrickmn/go-cache"
)

// Tracker is safe for concurrent use.
type Tracker struct {
	hostnames    *cache.Cache
	descriptions *cache.Cache
}

func New() *Tracker {
	return &Tracker{
		hostnames:    cache.New(cache.NoExpiration, 0),
		descriptions: cache.New(cache.NoExpiration, 0),
	}
}

// Seed replaces the tracked state with the result of a remote search.
func (t *Tracker) Seed(hostnames, descriptions []string) {
	t.hostnames.Flush()
	t.descriptions.Flush()
	for _, h := range hostnames {
		t.RecordHostname(h)
	}
	for _, d := range descriptions {
		t.RecordDescription(d)
	}
}

func (t *Tracker) HasHostname(hostname string) bool {
	_, found := t.hostnames.Get(hostname)
	return found
}

func (t *Tracker) HasDescription(description string) bool {
	_, found := t.descriptions.Get(description)
	return found
}

func (t *Tracker) RecordHostname(hostname string) {
	t.hostnames.Set(hostname, struct{}{}, cache.NoExpiration)
}

func (t *Tracker) RecordDescription(description string) {
	t.descriptions.Set(description, struct{}{}, cache.NoExpiration)
}

// Counts returns the number of tracked hostnames and rule descriptions.
func (t *Tracker) Counts() (hostnames, descriptions int) {
	return t.hostnames.ItemCount(), t.descriptions.ItemCount()
}
