/*
Package metrics exposes the controller's Prometheus collectors.

Collectors are package-level and registered at init; the API server
mounts Handler() at /metrics. Counters track assignments, completed
transmissions and blob bytes served, and histograms time the assignment
transaction and the liveness sweeps. The per-status challenge and runner
gauges are registered, but no component sets them.
*/
package metrics
