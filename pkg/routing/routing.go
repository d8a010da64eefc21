package routing

import (
	"net/http"
	"path"
	"strings"
)

// RouteCarrier is a component that knows the route patterns it serves.
// Registering a carrier mounts every pattern it reports onto the mux, so the
// composition root never has to repeat a component's route table.
type RouteCarrier interface {
	http.Handler
	GetRoutes() []string
}

// NormalizedServeMux is an http.ServeMux that collapses duplicate slashes in
// request paths before matching.
type NormalizedServeMux struct {
	*http.ServeMux
}

func NewNormalizedServeMux() *NormalizedServeMux {
	return &NormalizedServeMux{http.NewServeMux()}
}

// Register mounts every route the carrier reports.
func (nm *NormalizedServeMux) Register(carrier RouteCarrier) {
	for _, route := range carrier.GetRoutes() {
		nm.Handle(route, carrier)
	}
}

func (nm *NormalizedServeMux) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if strings.Contains(r.URL.Path, "//") {
		normalizedPath := path.Clean(r.URL.Path)
		r.URL.Path = normalizedPath
	}

	nm.ServeMux.ServeHTTP(w, r)
}
