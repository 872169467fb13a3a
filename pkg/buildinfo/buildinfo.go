// Package buildinfo exposes the recorder's build metadata over HTTP and as a
// Prometheus metric.
package buildinfo

import (
	"encoding/json"
	"net/http"
	"runtime"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// These vars are set at build time via ldflags:
// -X github.com/otherjamesbrown/penf-recorder/pkg/buildinfo.Version=v0.3.0
// -X github.com/otherjamesbrown/penf-recorder/pkg/buildinfo.Commit=4f1c2aa
// -X github.com/otherjamesbrown/penf-recorder/pkg/buildinfo.BuildTime=2026-10-01T09:00:00Z
var (
	Version   = "dev"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// ServiceName is the name the recorder reports itself as.
const ServiceName = "penf-recorder"

// Info holds build information for a running recorder.
type Info struct {
	ServiceName string `json:"service_name"`
	Version     string `json:"version"`
	Commit      string `json:"commit"`
	BuildTime   string `json:"build_time"`
	GoVersion   string `json:"go_version"`
	// Uptime is only set when the process start time is known.
	Uptime string `json:"uptime,omitempty"`
}

// Get returns build info for the named service.
func Get(serviceName string) Info {
	return Info{
		ServiceName: serviceName,
		Version:     Version,
		Commit:      Commit,
		BuildTime:   BuildTime,
		GoVersion:   runtime.Version(),
	}
}

// String returns a human-readable one-liner like "v0.3.0 (4f1c2aa, 2026-10-01T09:00:00Z)"
func String() string {
	return Version + " (" + Commit + ", " + BuildTime + ")"
}

// Handler returns an HTTP handler that responds with build info JSON. A
// non-zero started adds the uptime.
func Handler(serviceName string, started time.Time) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info := Get(serviceName)
		if !started.IsZero() {
			info.Uptime = time.Since(started).Truncate(time.Second).String()
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(info)
	}
}

// Collector returns a constant gauge labelled with the build metadata, in the
// style of the Go collector's go_info.
func Collector(namespace, serviceName string) prometheus.Collector {
	g := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build metadata of the running recorder; always 1.",
		ConstLabels: prometheus.Labels{
			"service":    serviceName,
			"version":    Version,
			"commit":     Commit,
			"go_version": runtime.Version(),
		},
	})
	g.Set(1)
	return g
}
