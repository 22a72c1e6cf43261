package rrd

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"
)

// Registry is the top-level entry point: the set of known Hosts, keyed by
// machine GUID. It is the outermost of the three lock tiers — callers take
// Registry.mu only for the hosts list itself, never while holding a host or
// chart lock.
type Registry struct {
	mu registryLock

	hosts  map[string]*Host
	byName map[string]*Host

	defaults Defaults
	clock    func() time.Time

	creating singleflight.Group

	// hostsAvailable mirrors rrd_hosts_available: a lock-free count a
	// supervisor goroutine can sample without taking mu.
	hostsAvailable atomic.Int64
	chartsCreated  atomic.Uint64
	samplesStored  atomic.Uint64
}

// NewRegistry constructs an empty Registry using the given defaults for any
// field CreateChart leaves unset.
func NewRegistry(defaults Defaults) *Registry {
	return &Registry{
		hosts:    make(map[string]*Host),
		byName:   make(map[string]*Host),
		defaults: defaults,
		clock:    time.Now,
	}
}

// FindHost looks up a host by machine GUID.
func (r *Registry) FindHost(guid string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.hosts[guid]
	return h, ok
}

// FindHostByName looks up a host by hostname. Hostnames aren't guaranteed
// unique across reconnects with a new GUID; this returns whichever host
// most recently registered under that name.
func (r *Registry) FindHostByName(hostname string) (*Host, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.byName[hostname]
	return h, ok
}

// FindOrCreateHost returns the host for guid, creating it (with hostname)
// if it doesn't exist yet. Equivalent to FindOrCreateHostWithAttrs with a
// zero-value HostAttrs.
func (r *Registry) FindOrCreateHost(guid, hostname string) (*Host, error) {
	return r.FindOrCreateHostWithAttrs(guid, hostname, HostAttrs{})
}

// FindOrCreateHostWithAttrs returns the host for guid, creating it (with
// hostname and the given descriptive attributes) if it doesn't exist yet.
// attrs is only consulted on creation; an existing host's attributes are
// left untouched. Concurrent calls for the same guid — e.g. two collector
// connections racing during a reconnect storm — are coalesced so exactly
// one Host is created; the losers get the winner's result.
func (r *Registry) FindOrCreateHostWithAttrs(guid, hostname string, attrs HostAttrs) (*Host, error) {
	if guid == "" {
		guid = uuid.NewString()
	}

	if h, ok := r.FindHost(guid); ok {
		h.MarkReachable()
		return h, nil
	}

	v, err, _ := r.creating.Do(guid, func() (interface{}, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		if h, ok := r.hosts[guid]; ok {
			return h, nil
		}
		h := newHost(guid, hostname, attrs, r.defaults, r, r.clock)
		r.hosts[guid] = h
		r.byName[hostname] = h
		r.hostsAvailable.Add(1)
		return h, nil
	})
	if err != nil {
		return nil, err
	}
	h := v.(*Host)
	h.MarkReachable()
	return h, nil
}

// Hosts returns a snapshot slice of every known host.
func (r *Registry) Hosts() []*Host {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		out = append(out, h)
	}
	return out
}

// CleanupOrphan removes every host that has been flagged orphan for longer
// than FreeOrphanTimeSeconds, along with all of its charts. protected, if
// non-nil, is never evicted regardless of its orphan state — callers pass
// their own local host so a cleanup pass can never free it out from under
// them. It's a background-loop operation, never called from the ingestion
// hot path.
func (r *Registry) CleanupOrphan(protected *Host) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	now := r.clock()
	for guid, h := range r.hosts {
		if h == protected {
			continue
		}
		h.mu.RLock()
		orphan := h.flags.has(HostFlagOrphan)
		since := now.Sub(h.orphanAt)
		hostname := h.hostname
		h.mu.RUnlock()

		if orphan && since >= time.Duration(r.defaults.FreeOrphanTimeSeconds)*time.Second {
			h.Close()
			delete(r.hosts, guid)
			if r.byName[hostname] == h {
				delete(r.byName, hostname)
			}
			r.hostsAvailable.Add(-1)
			removed++
		}
	}
	return removed
}

// Stats is a point-in-time snapshot of registry-wide counters, used by the
// demo query surface's /stats endpoint and by tests asserting on ingestion
// throughput.
type Stats struct {
	Hosts            int
	ConnectedSenders int
	Charts           int
	Dimensions       int
	ChartsCreated    uint64
	SamplesStored    uint64
}

// HostsAvailable is a lock-free read of the current host count, mirroring
// rrd_hosts_available — cheap enough for a metrics-scrape hot path that
// Stats (which walks every chart) is not.
func (r *Registry) HostsAvailable() int64 { return r.hostsAvailable.Load() }

// Stats snapshots the host list under the registry lock, then walks every
// host's charts outside it and returns aggregate counts. It is O(hosts+charts) and not meant to be called from
// a hot path.
func (r *Registry) Stats() Stats {
	r.mu.RLock()
	hosts := make([]*Host, 0, len(r.hosts))
	for _, h := range r.hosts {
		hosts = append(hosts, h)
	}
	r.mu.RUnlock()

	s := Stats{
		Hosts:         len(hosts),
		ChartsCreated: r.chartsCreated.Load(),
		SamplesStored: r.samplesStored.Load(),
	}
	for _, h := range hosts {
		if h.Connected() {
			s.ConnectedSenders++
		}
		for _, c := range h.Charts() {
			s.Charts++
			s.Dimensions += len(c.Dims())
		}
	}
	return s
}
