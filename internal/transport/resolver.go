package transport

import (
	"fmt"
	"strings"
	"sync"

	"google.golang.org/grpc/resolver"
)

// scheme is the scheme of every target the client dials: "ha:///host:port"
const scheme = "ha"

// Resolver resolves the addresses instances advertise to the addresses they are dialed at. An address without an
// override resolves to itself. Overrides take effect on open connections too.
type Resolver struct {
	mu        sync.RWMutex
	overrides map[string]string
	watchers  map[string]map[*addrResolver]struct{}
}

func NewResolver() *Resolver {
	return &Resolver{
		overrides: make(map[string]string),
		watchers:  make(map[string]map[*addrResolver]struct{}),
	}
}

// Override makes addr dial at target and notifies every connection to addr
func (r *Resolver) Override(addr, target string) {
	r.mu.Lock()
	r.overrides[addr] = target
	watchers := make([]*addrResolver, 0, len(r.watchers[addr]))
	for w := range r.watchers[addr] {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	// Notify after unlocking to avoid re-entrancy
	for _, w := range watchers {
		w.pushCurrent()
	}
}

func (r *Resolver) lookup(addr string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if target, ok := r.overrides[addr]; ok {
		return target
	}
	return addr
}

func (r *Resolver) Scheme() string { return scheme }

func (r *Resolver) Build(target resolver.Target, cc resolver.ClientConn, _ resolver.BuildOptions) (resolver.Resolver,
	error) {
	addr := strings.TrimPrefix(target.Endpoint(), "/")
	if addr == "" {
		return nil, fmt.Errorf("ha resolver: empty target endpoint: %+v", target)
	}

	w := &addrResolver{addr: addr, cc: cc, parent: r}
	r.mu.Lock()
	set := r.watchers[addr]
	if set == nil {
		set = make(map[*addrResolver]struct{})
		r.watchers[addr] = set
	}
	set[w] = struct{}{}
	r.mu.Unlock()

	w.pushCurrent()
	return w, nil
}

type addrResolver struct {
	addr   string
	cc     resolver.ClientConn
	parent *Resolver
}

func (w *addrResolver) ResolveNow(resolver.ResolveNowOptions) { w.pushCurrent() }

func (w *addrResolver) Close() {
	w.parent.mu.Lock()
	defer w.parent.mu.Unlock()
	if set, ok := w.parent.watchers[w.addr]; ok {
		delete(set, w)
		if len(set) == 0 {
			delete(w.parent.watchers, w.addr)
		}
	}
}

func (w *addrResolver) pushCurrent() {
	_ = w.cc.UpdateState(resolver.State{
		Addresses: []resolver.Address{{Addr: w.parent.lookup(w.addr)}},
	})
}
