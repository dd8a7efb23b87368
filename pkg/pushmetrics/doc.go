// Package pushmetrics exposes Prometheus instrumentation for the push
// delivery manager: delivery outcomes, retry/abandon counts, verification
// outcomes, and the live size of the subscription and retry sets. All
// metrics are package-level vars registered in init().
//
// The /metrics endpoint is served by Handler(); /healthz and /readyz are
// served by HealthHandler() and ReadyHandler(), backed by a small
// component registry (RegisterComponent/UpdateComponent) that cmd/pushd
// updates as the manager and store come up.
package pushmetrics
