package rrd

import "sync"

// The engine takes three tiers of lock, always outer-to-inner:
// registry -> host -> chart. Ingestion (NextUSec/Set/Done) takes only the
// chart's lock, for the duration of each call; structural edits
// (CreateChart, AddDim, rename) take the same lock. Named wrapper types
// exist so `go vet -copylocks` and readers can tell which tier a given
// mutex belongs to at the call site.

type registryLock struct{ sync.RWMutex }
type hostLock struct{ sync.RWMutex }
type chartLock struct{ sync.RWMutex }
