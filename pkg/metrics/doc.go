// Package metrics defines the Prometheus collectors exposed by the master
// when a metrics address is configured.
package metrics
