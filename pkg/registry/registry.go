// Package registry is the explicit (service, method) -> handler dispatch
// table the RPC server and the async job engine both drive requests
// through, replacing any form of reflection-based or filesystem-reflected
// dynamic dispatch with one literal map built at startup.
package registry

import (
	"context"
	"fmt"
	"sync"
)

// Handler executes one RPC method. meta carries out-of-band request
// context (the authenticated cluster id, the async job id if the call is
// running inside the job engine rather than directly off the wire).
// payload/response are raw JSON, matching the wire codec the RPC server
// registers under content-subtype "json".
type Handler func(ctx context.Context, meta map[string]string, payload []byte) (response []byte, err error)

// Entry is one registered handler plus whether it is allowed to run
// asynchronously (is_async in the Envelope metadata). Handlers that
// change local or cluster state (MySQL/Create, Proxy/Delete, ...) are
// async-capable; read-only handlers (HealthCheck/Ping, MySQL/Get) are not.
type Entry struct {
	Handler      Handler
	SupportsMeta bool
	Async        bool
}

// Table is the registry itself: a two-level map keyed by service then
// method, guarded by a mutex only because registration can happen from
// more than one init-time call site (core RPCs, InterAgent RPCs, job
// engine bootstrap) even though lookups after startup are read-only.
type Table struct {
	mu       sync.RWMutex
	services map[string]map[string]Entry
}

func New() *Table {
	return &Table{services: make(map[string]map[string]Entry)}
}

// Register adds one handler. It panics on a duplicate (service, method)
// registration: that can only happen from a programming error at
// startup, never from a live request.
func (t *Table) Register(service, method string, entry Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	methods, ok := t.services[service]
	if !ok {
		methods = make(map[string]Entry)
		t.services[service] = methods
	}
	if _, dup := methods[method]; dup {
		panic(fmt.Sprintf("registry: duplicate registration for %s/%s", service, method))
	}
	methods[method] = entry
}

// Lookup returns the Entry registered for (service, method) and whether
// it was found.
func (t *Table) Lookup(service, method string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	methods, ok := t.services[service]
	if !ok {
		return Entry{}, false
	}
	e, ok := methods[method]
	return e, ok
}

// Services lists every registered service name, for diagnostics.
func (t *Table) Services() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.services))
	for svc := range t.services {
		out = append(out, svc)
	}
	return out
}
