// SPDX-License-Identifier: LGPL-3.0-or-later

package statusd

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// VMState exports the lifecycle controller's current state as a
	// gauge, one label value set to 1 at a time.
	VMState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmsupervisor_state",
			Help: "Current lifecycle state (1 for the active state, 0 otherwise)",
		},
		[]string{"state"},
	)

	// StartDuration tracks how long Prepare+Start took.
	StartDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmsupervisor_start_duration_seconds",
			Help:    "Time from prepare to domain start in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// GuestReadyDuration tracks how long the guest-agent/cloud-init wait took.
	GuestReadyDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "vmsupervisor_guest_ready_duration_seconds",
			Help:    "Time spent waiting for guest agent and cloud-init readiness",
			Buckets: prometheus.ExponentialBuckets(1, 2, 10),
		},
	)

	// FallbackRedefineTotal counts passt-to-slirp network fallback retries.
	FallbackRedefineTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmsupervisor_fallback_redefine_total",
			Help: "Total number of network backend fallback redefine attempts",
		},
	)

	// OrphanProcessesKilled counts qemu processes reaped during cleanup.
	OrphanProcessesKilled = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "vmsupervisor_orphan_processes_killed_total",
			Help: "Total number of orphaned qemu processes killed during cleanup",
		},
	)

	// BuildInfo exposes build metadata as a label-only gauge.
	BuildInfo = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "vmsupervisor_build_info",
			Help: "Build information",
		},
		[]string{"version", "go_version"},
	)
)

// SetVMState records the current lifecycle state, zeroing the others.
func SetVMState(states []string, current string) {
	for _, s := range states {
		if s == current {
			VMState.WithLabelValues(s).Set(1)
		} else {
			VMState.WithLabelValues(s).Set(0)
		}
	}
}

// SetBuildInfo sets build information.
func SetBuildInfo(version, goVersion string) {
	BuildInfo.WithLabelValues(version, goVersion).Set(1)
}
