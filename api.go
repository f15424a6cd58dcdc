package modrun

import (
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
)

// APIRouter serves module-contributed HTTP endpoints under
// /modules/<module>/ alongside core routes registered by the host.
// Module endpoints come and go with activation, so the chi mux is
// rebuilt whenever the route set changes; ServeHTTP always delegates
// to the current mux.
type APIRouter struct {
	mu      sync.RWMutex
	mux     *chi.Mux
	core    map[string]http.HandlerFunc
	modules map[string][]APIEndpoint
	logger  Logger
}

// NewAPIRouter creates an empty router.
func NewAPIRouter(logger Logger) *APIRouter {
	if logger == nil {
		logger = NewSlogLogger(nil)
	}
	r := &APIRouter{
		core:    make(map[string]http.HandlerFunc),
		modules: make(map[string][]APIEndpoint),
		logger:  logger,
	}
	r.rebuild()
	return r
}

// ServeHTTP implements http.Handler.
func (r *APIRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	r.mu.RLock()
	mux := r.mux
	r.mu.RUnlock()
	mux.ServeHTTP(w, req)
}

// HandleCore registers a host route, for example "GET /status".
func (r *APIRouter) HandleCore(method, pattern string, handler http.HandlerFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.core[method+" "+pattern] = handler
	r.rebuild()
}

// MountModule exposes a module's endpoints under /modules/<name>/.
// Remounting a module replaces its previous endpoints.
func (r *APIRouter) MountModule(moduleName string, endpoints []APIEndpoint) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.modules[moduleName] = endpoints
	r.rebuild()
	r.logger.Debug("module API mounted", "module", moduleName, "endpoints", len(endpoints))
}

// UnmountModule removes a module's endpoints. Unknown modules are
// ignored.
func (r *APIRouter) UnmountModule(moduleName string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.modules[moduleName]; !ok {
		return
	}
	delete(r.modules, moduleName)
	r.rebuild()
	r.logger.Debug("module API unmounted", "module", moduleName)
}

// MountedModules lists modules with live endpoints, sorted.
func (r *APIRouter) MountedModules() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.modules))
	for name := range r.modules {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// rebuild recreates the mux from the current route set. Callers hold
// the write lock.
func (r *APIRouter) rebuild() {
	mux := chi.NewRouter()
	for key, handler := range r.core {
		method, pattern, ok := strings.Cut(key, " ")
		if !ok {
			continue
		}
		mux.Method(method, pattern, handler)
	}
	for moduleName, endpoints := range r.modules {
		prefix := "/modules/" + moduleName
		for _, ep := range endpoints {
			pattern := ep.Pattern
			if !strings.HasPrefix(pattern, "/") {
				pattern = "/" + pattern
			}
			mux.Method(ep.Method, prefix+pattern, ep.Handler)
		}
	}
	r.mux = mux
}
