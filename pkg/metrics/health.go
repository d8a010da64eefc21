package metrics

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/elastic/go-sysinfo"

	"github.com/aquasense/inference-runner/pkg/logging"
	"github.com/aquasense/inference-runner/pkg/models"
)

// HealthStatus values reported by the health endpoint.
const (
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// HostInfo is the subset of host details included in health reports.
type HostInfo struct {
	Hostname      string  `json:"hostname"`
	OS            string  `json:"os"`
	Architecture  string  `json:"architecture"`
	TotalMemoryMB float64 `json:"total_memory_mb,omitempty"`
}

// HealthReport is the response body for GET /v1/health.
type HealthReport struct {
	Status string `json:"status"`
	// RequiredModels maps each required version to whether it is loadable.
	// Individual task failures never surface here; only a version with no
	// loadable artifact at all marks the runner unhealthy.
	RequiredModels map[string]bool        `json:"required_models,omitempty"`
	Registry       models.HealthSnapshot  `json:"registry"`
	Performance    Summary                `json:"performance"`
	Host           HostInfo               `json:"host"`
}

// HealthHandler serves the runner's health snapshot.
type HealthHandler struct {
	log        logging.Logger
	registry   *models.Registry
	aggregator *Aggregator
	required   []string
	window     time.Duration
}

// NewHealthHandler creates a health handler. The required versions are those
// the deployment preloads; any of them failing to be loadable at all flips
// the overall status to unhealthy.
func NewHealthHandler(log logging.Logger, registry *models.Registry, aggregator *Aggregator, required []string) *HealthHandler {
	return &HealthHandler{
		log:        log,
		registry:   registry,
		aggregator: aggregator,
		required:   required,
		window:     DefaultWindow,
	}
}

// ServeHTTP implements net/http.Handler.ServeHTTP.
func (h *HealthHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	report := HealthReport{
		Status:      StatusHealthy,
		Registry:    h.registry.Health(),
		Performance: h.aggregator.Summary(h.window),
		Host:        hostInfo(),
	}
	if len(h.required) > 0 {
		report.RequiredModels = make(map[string]bool, len(h.required))
		for _, version := range h.required {
			loadable := h.registry.Loadable(version)
			report.RequiredModels[version] = loadable
			if !loadable {
				report.Status = StatusUnhealthy
			}
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if report.Status != StatusHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(report); err != nil {
		h.log.Warnln("Error while encoding health response:", err)
	}
}

// hostInfo collects host details, degrading to an empty struct when the
// platform probe fails.
func hostInfo() HostInfo {
	host, err := sysinfo.Host()
	if err != nil {
		return HostInfo{}
	}
	info := host.Info()
	out := HostInfo{
		Hostname:     info.Hostname,
		OS:           info.OS.Name,
		Architecture: info.Architecture,
	}
	if memory, err := host.Memory(); err == nil {
		out.TotalMemoryMB = float64(memory.Total) / (1 << 20)
	}
	return out
}
