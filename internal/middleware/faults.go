package middleware

import (
	"log/slog"
	"net/http"
	"sync"

	"github.com/ashureev/agentlink/internal/api"
)

type fault struct {
	remaining int
	status    int
	message   string
}

// Faults counts requests per route and can fail the next calls to a route.
// Routes are keyed by method and exact URL path.
type Faults struct {
	mu     sync.Mutex
	faults map[string]*fault
	calls  map[string]int
}

// NewFaults creates an empty fault table.
func NewFaults() *Faults {
	return &Faults{
		faults: make(map[string]*fault),
		calls:  make(map[string]int),
	}
}

func routeKey(method, path string) string {
	return method + " " + path
}

// FailNext makes the next n requests to method+path respond with status.
func (f *Faults) FailNext(method, path string, n, status int, message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n <= 0 {
		delete(f.faults, routeKey(method, path))
		return
	}
	f.faults[routeKey(method, path)] = &fault{remaining: n, status: status, message: message}
}

// Calls returns how many requests reached method+path.
func (f *Faults) Calls(method, path string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[routeKey(method, path)]
}

// Total returns the number of requests seen on any route.
func (f *Faults) Total() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// Reset clears counters and pending faults.
func (f *Faults) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.faults = make(map[string]*fault)
	f.calls = make(map[string]int)
}

// Middleware applies the fault table.
func (f *Faults) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := routeKey(r.Method, r.URL.Path)

		f.mu.Lock()
		f.calls[key]++
		var injected *fault
		if ft, ok := f.faults[key]; ok {
			ft.remaining--
			if ft.remaining <= 0 {
				delete(f.faults, key)
			}
			copied := *ft
			injected = &copied
		}
		f.mu.Unlock()

		if injected != nil {
			slog.Debug("Injecting fault", "route", key, "status", injected.status)
			msg := injected.message
			if msg == "" {
				msg = http.StatusText(injected.status)
			}
			api.Error(w, injected.status, msg)
			return
		}
		next.ServeHTTP(w, r)
	})
}
