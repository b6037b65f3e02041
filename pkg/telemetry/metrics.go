package telemetry

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Build and discovery counters, exposed via the status listener.
var (
	TasksExecuted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xforge_tasks_executed_total",
		Help: "Build tasks whose external command was run.",
	})
	TasksSkipped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xforge_tasks_skipped_total",
		Help: "Build tasks skipped because their outputs were up to date.",
	})
	TasksFailed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xforge_tasks_failed_total",
		Help: "Build tasks whose external command exited non-zero.",
	})
	DevicesDiscovered = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xforge_devices_discovered_total",
		Help: "Devices returned across all registry refreshes.",
	})
	PackagesAssembled = promauto.NewCounter(prometheus.CounterOpts{
		Name: "xforge_packages_assembled_total",
		Help: "Packages assembled and validated.",
	})
)
